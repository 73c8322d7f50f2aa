// Package gateway routes each payment to the default or fallback processor
// based on the current health snapshot and reports the outcome back to the
// dispatcher.
package gateway

import (
	"context"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/payrelay/payrelay/modules/health"
	"github.com/payrelay/payrelay/pkg/payload"
)

var (
	metricAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "gateway_attempts_total",
		Help:      "Processor call attempts per route and outcome.",
	}, []string{"route", "outcome"})
	metricAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "payrelay",
		Name:      "gateway_attempt_duration_seconds",
		Help:      "Duration of a single processor call.",
		Buckets:   prometheus.ExponentialBuckets(0.002, 2, 12),
	}, []string{"route"})
	metricUnrouteable = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "gateway_unrouteable_total",
		Help:      "Dispatches refused because no route was healthy.",
	})
)

// TransactionRecorder persists a successfully routed payment. It is
// best-effort and must never fail the dispatch.
type TransactionRecorder interface {
	RecordSuccess(ctx context.Context, p payload.Payload, route health.Route, requestedAt time.Time)
}

// Router applies the routing decision table: default first when healthy,
// one fallback try on a retryable failure, and a refusal without any HTTP
// call when neither route is healthy.
type Router struct {
	cache    *health.Cache
	recorder TransactionRecorder
	clients  map[health.Route]*client
	logger   kitlog.Logger
}

func NewRouter(cfg Config, cache *health.Cache, recorder TransactionRecorder, logger kitlog.Logger) *Router {
	return &Router{
		cache:    cache,
		recorder: recorder,
		clients: map[health.Route]*client{
			health.RouteDefault:  newClient(health.RouteDefault, cfg.DefaultURL, cfg),
			health.RouteFallback: newClient(health.RouteFallback, cfg.FallbackURL, cfg),
		},
		logger: kitlog.With(logger, "component", "gateway"),
	}
}

// Dispatch attempts to deliver the payment. On success it returns the route
// that acknowledged it, after recording the transaction exactly once.
func (r *Router) Dispatch(ctx context.Context, p payload.Payload) (health.Route, error) {
	defaultHealthy := r.cache.IsHealthy(health.RouteDefault)
	fallbackHealthy := r.cache.IsHealthy(health.RouteFallback)

	if !defaultHealthy && !fallbackHealthy {
		metricUnrouteable.Inc()
		return "", ErrGatewaysUnavailable
	}

	if !defaultHealthy {
		if err := r.attempt(ctx, health.RouteFallback, p); err != nil {
			return "", &FallbackFailedError{FallbackErr: err}
		}
		return health.RouteFallback, nil
	}

	defaultErr := r.attempt(ctx, health.RouteDefault, p)
	if defaultErr == nil {
		return health.RouteDefault, nil
	}

	if !fallbackHealthy {
		return "", &FallbackFailedError{DefaultErr: defaultErr}
	}

	if err := r.attempt(ctx, health.RouteFallback, p); err != nil {
		return "", &FallbackFailedError{DefaultErr: defaultErr, FallbackErr: err}
	}
	return health.RouteFallback, nil
}

// attempt performs one processor call. requestedAt is stamped fresh per
// attempt, and the transaction is recorded only after the processor
// acknowledged that exact request.
func (r *Router) attempt(ctx context.Context, route health.Route, p payload.Payload) error {
	requestedAt := time.Now()

	start := time.Now()
	err := r.clients[route].send(ctx, p, requestedAt)
	metricAttemptDuration.WithLabelValues(string(route)).Observe(time.Since(start).Seconds())

	if err != nil {
		metricAttempts.WithLabelValues(string(route), "error").Inc()
		level.Debug(r.logger).Log("msg", "processor attempt failed", "route", route, "err", err)
		return err
	}

	metricAttempts.WithLabelValues(string(route), "ok").Inc()
	r.recorder.RecordSuccess(ctx, p, route, requestedAt)
	return nil
}
