// Package dispatcher drains the ingest buffer with a supervised pool of
// workers and drives each payment through the gateway.
package dispatcher

import (
	"context"
	"errors"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/payrelay/payrelay/modules/gateway"
	"github.com/payrelay/payrelay/modules/health"
	"github.com/payrelay/payrelay/pkg/payload"
)

var (
	metricProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "dispatcher_payments_total",
		Help:      "Dispatch outcomes.",
	}, []string{"outcome"})
	metricWorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "dispatcher_worker_restarts_total",
		Help:      "Workers restarted by the supervisor after a panic.",
	})
)

const (
	outcomeSuccess  = "success"
	outcomeRequeued = "requeued"
	outcomeLost     = "lost"
	outcomeDropped  = "dropped"
)

// Queue is the buffer surface the dispatcher needs. *buffer.Buffer
// satisfies it.
type Queue interface {
	Dequeue() (p payload.Payload, wait time.Duration, ok bool)
	Enqueue(p payload.Payload) error
	WorkerStarted()
	WorkerFinished()
}

// Gateway routes one payment. *gateway.Router satisfies it.
type Gateway interface {
	Dispatch(ctx context.Context, p payload.Payload) (health.Route, error)
}

// Dispatcher runs MaxConcurrency workers under a supervisor that replaces
// any worker that panics, so exactly N are live at steady state.
type Dispatcher struct {
	services.Service

	cfg     Config
	queue   Queue
	gateway Gateway
	logger  kitlog.Logger
}

func New(cfg Config, queue Queue, gw Gateway, logger kitlog.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:     cfg,
		queue:   queue,
		gateway: gw,
		logger:  kitlog.With(logger, "component", "dispatcher"),
	}
	d.Service = services.NewBasicService(nil, d.running, nil)
	return d
}

func (d *Dispatcher) running(ctx context.Context) error {
	n := d.cfg.MaxConcurrency
	if n <= 0 {
		n = 1
	}

	level.Info(d.logger).Log("msg", "starting dispatch workers", "count", n)

	exit := make(chan int)
	for i := 0; i < n; i++ {
		go d.worker(ctx, i, exit)
	}

	alive := n
	for {
		select {
		case <-ctx.Done():
			for alive > 0 {
				<-exit
				alive--
			}
			return nil
		case id := <-exit:
			if ctx.Err() != nil {
				alive--
				if alive == 0 {
					return nil
				}
				continue
			}
			metricWorkerRestarts.Inc()
			level.Warn(d.logger).Log("msg", "restarting dispatch worker", "worker", id)
			go d.worker(ctx, id, exit)
		}
	}
}

// worker loops until the service context is cancelled. A panic anywhere in
// the loop is logged and reported to the supervisor; the in-flight counter
// is released on the way out regardless.
func (d *Dispatcher) worker(ctx context.Context, id int, exit chan<- int) {
	defer func() {
		if rec := recover(); rec != nil {
			level.Error(d.logger).Log("msg", "dispatch worker panicked", "worker", id, "panic", rec)
		}
		exit <- id
	}()

	for ctx.Err() == nil {
		p, wait, ok := d.queue.Dequeue()
		if !ok {
			if !sleepCtx(ctx, d.cfg.IdleWait) {
				return
			}
			continue
		}

		d.queue.WorkerStarted()
		var cooldown bool
		func() {
			defer d.queue.WorkerFinished()
			cooldown = d.process(ctx, p, wait)
		}()

		if cooldown && !sleepCtx(ctx, d.cfg.RequeueWait) {
			return
		}
	}
}

// process drives one payment through the gateway and returns whether the
// worker should cool down before the next item. The dispatch itself is not
// cancelled on shutdown; the client deadline bounds it and the worker exits
// after it completes.
func (d *Dispatcher) process(ctx context.Context, p payload.Payload, wait time.Duration) (cooldown bool) {
	route, err := d.gateway.Dispatch(context.WithoutCancel(ctx), p)
	if err == nil {
		metricProcessed.WithLabelValues(outcomeSuccess).Inc()
		level.Debug(d.logger).Log("msg", "payment dispatched", "route", route, "queue_wait", wait)
		return false
	}

	var fallbackFailed *gateway.FallbackFailedError
	if errors.Is(err, gateway.ErrGatewaysUnavailable) || errors.As(err, &fallbackFailed) {
		d.requeue(p, err)
		return true
	}

	metricProcessed.WithLabelValues(outcomeDropped).Inc()
	level.Error(d.logger).Log("msg", "dropping payment after unexpected dispatch error", "err", err)
	return false
}

// requeue puts the pristine payload back at the tail of the buffer. If the
// queue is full the payment is lost; accepted behavior under saturation.
func (d *Dispatcher) requeue(p payload.Payload, cause error) {
	if err := d.queue.Enqueue(p); err != nil {
		metricProcessed.WithLabelValues(outcomeLost).Inc()
		level.Error(d.logger).Log("msg", "payment lost, queue full on requeue", "cause", cause, "err", err)
		return
	}

	metricProcessed.WithLabelValues(outcomeRequeued).Inc()
	level.Debug(d.logger).Log("msg", "payment requeued", "cause", cause)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
