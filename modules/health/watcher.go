package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cristalhq/hedgedhttp"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "health_polls_total",
		Help:      "Health polls per route and outcome.",
	}, []string{"route", "outcome"})
	metricRouteHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "payrelay",
		Name:      "health_route_healthy",
		Help:      "1 when the route's latest record reads healthy.",
	}, []string{"route"})
)

const healthPath = "/payments/service-health"

// serviceHealth is the processor health response. minResponseTime arrives as
// a JSON number or a string depending on the processor build.
type serviceHealth struct {
	Failing         bool                `json:"failing"`
	MinResponseTime jsoniter.RawMessage `json:"minResponseTime"`
}

// Watcher periodically polls both processors' health endpoints and installs
// the results into the cache. It is the only writer of the cache.
type Watcher struct {
	services.Service

	cfg    Config
	cache  *Cache
	urls   map[Route]string
	client *http.Client
	logger kitlog.Logger
}

// NewWatcher builds the poller. baseURLs maps each route to its processor
// base URL; the health path is appended here. Health probes are read-only,
// so they go through a hedged client.
func NewWatcher(cfg Config, cache *Cache, baseURLs map[Route]string, logger kitlog.Logger) (*Watcher, error) {
	urls := make(map[Route]string, len(baseURLs))
	for r, base := range baseURLs {
		urls[r] = base + healthPath
	}

	var rt http.RoundTripper = http.DefaultTransport
	if cfg.HedgeRequestsAt > 0 {
		var err error
		rt, err = hedgedhttp.NewRoundTripper(cfg.HedgeRequestsAt, cfg.HedgeRequestsUpTo, rt)
		if err != nil {
			return nil, errors.Wrap(err, "building hedged health client")
		}
	}

	w := &Watcher{
		cfg:   cfg,
		cache: cache,
		urls:  urls,
		client: &http.Client{
			Transport: rt,
			Timeout:   cfg.PollTimeout,
		},
		logger: kitlog.With(logger, "component", "health-watcher"),
	}
	w.Service = services.NewBasicService(w.starting, w.running, w.stopping)
	return w, nil
}

// starting performs the first poll so routing decisions stop relying on the
// optimistic initial records as soon as possible.
func (w *Watcher) starting(ctx context.Context) error {
	w.pollAll(ctx)
	return nil
}

func (w *Watcher) running(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.pollAll(ctx)
		}
	}
}

func (w *Watcher) stopping(error) error {
	return nil
}

// pollAll probes every route concurrently, then installs all results as one
// snapshot. Concurrent per-route setters would be a read-modify-write race
// that can drop one route's update.
func (w *Watcher) pollAll(ctx context.Context) {
	prev := w.cache.Snapshot()

	var (
		wg      sync.WaitGroup
		mtx     sync.Mutex
		records = make(map[Route]Record, len(w.urls))
	)
	for route, url := range w.urls {
		wg.Add(1)
		go func(route Route, url string) {
			defer wg.Done()
			rec := w.poll(ctx, route, url, prev.Record(route))
			mtx.Lock()
			records[route] = rec
			mtx.Unlock()
		}(route, url)
	}
	wg.Wait()

	snap := prev
	for route, rec := range records {
		snap = snap.withRecord(route, rec)
	}
	w.cache.SetSnapshot(snap)

	for route := range w.urls {
		metricRouteHealthy.WithLabelValues(string(route)).Set(boolToGauge(w.cache.IsHealthy(route)))
	}
}

func (w *Watcher) poll(ctx context.Context, route Route, url string, prev Record) Record {
	rec, err := w.probe(ctx, url)
	if err != nil {
		metricPolls.WithLabelValues(string(route), "error").Inc()
		level.Warn(w.logger).Log("msg", "health poll failed", "route", route, "err", err)
		return ErrorRecord(prev)
	}

	metricPolls.WithLabelValues(string(route), "ok").Inc()
	return rec
}

func (w *Watcher) probe(ctx context.Context, url string) (Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Record{}, err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		// handled below
	case resp.StatusCode == http.StatusTooManyRequests:
		// the processor rate-limits health checks to one per poll window
		return Record{}, errors.New("health endpoint rate limited")
	default:
		return Record{}, fmt.Errorf("unexpected health status %d", resp.StatusCode)
	}

	var sh serviceHealth
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(resp.Body).Decode(&sh); err != nil {
		return Record{}, errors.Wrap(err, "decoding health response")
	}

	minRT, err := parseMinResponseTime(sh.MinResponseTime)
	if err != nil {
		return Record{}, err
	}

	return Record{
		Failing:         sh.Failing,
		MinResponseTime: minRT,
		CheckedAt:       time.Now(),
		Source:          SourceOK,
	}, nil
}

// parseMinResponseTime accepts an integer, float or numeric-string
// millisecond value.
func parseMinResponseTime(raw jsoniter.RawMessage) (time.Duration, error) {
	if len(raw) == 0 {
		return 0, errors.New("minResponseTime missing")
	}

	any := jsoniter.Get(raw)
	switch any.ValueType() {
	case jsoniter.NumberValue:
		return time.Duration(any.ToFloat64() * float64(time.Millisecond)), nil
	case jsoniter.StringValue:
		f := jsoniter.Get([]byte(any.ToString()))
		if f.ValueType() != jsoniter.NumberValue {
			return 0, fmt.Errorf("unparseable minResponseTime %q", any.ToString())
		}
		return time.Duration(f.ToFloat64() * float64(time.Millisecond)), nil
	default:
		return 0, errors.New("minResponseTime has unexpected type")
	}
}

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
