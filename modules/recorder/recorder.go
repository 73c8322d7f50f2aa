// Package recorder persists successfully routed payments and answers
// windowed summaries over them.
package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/payrelay/payrelay/modules/health"
	"github.com/payrelay/payrelay/pkg/payload"
)

var (
	metricRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "recorder_transactions_total",
		Help:      "Transactions written per route.",
	}, []string{"route"})
	metricRecordFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "recorder_write_failures_total",
		Help:      "Best-effort transaction writes that were dropped.",
	})
	metricRecordInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "recorder_invalid_total",
		Help:      "Successful dispatches whose payload failed record validation.",
	})
)

// writeTimeout bounds a best-effort write. The dispatch has already
// succeeded by the time we get here, so the write must not inherit its
// context.
const writeTimeout = 2 * time.Second

// Recorder wraps a Store as a service. The store is opened in starting so a
// slow database does not block wiring. Callers can race that window: the
// service manager starts modules concurrently, so the dispatcher and the API
// may call in while the store is still connecting.
type Recorder struct {
	services.Service

	cfg    Config
	logger kitlog.Logger

	mtx   sync.RWMutex
	store Store
}

func New(cfg Config, logger kitlog.Logger) (*Recorder, error) {
	switch cfg.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return nil, fmt.Errorf("unknown recorder backend %q", cfg.Backend)
	}

	r := &Recorder{
		cfg:    cfg,
		logger: kitlog.With(logger, "component", "recorder"),
	}
	r.Service = services.NewIdleService(r.starting, r.stopping)
	return r, nil
}

// NewWithStore wires an explicit store. Tests inject stubs through this.
func NewWithStore(store Store, logger kitlog.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		logger: kitlog.With(logger, "component", "recorder"),
	}
	r.Service = services.NewIdleService(nil, r.stopping)
	return r
}

func (r *Recorder) starting(ctx context.Context) error {
	var store Store
	switch r.cfg.Backend {
	case BackendPostgres:
		pg, err := newPostgresStore(ctx, r.cfg.Postgres, r.logger)
		if err != nil {
			return err
		}
		store = pg
	default:
		store = newMemoryStore()
	}

	r.mtx.Lock()
	r.store = store
	r.mtx.Unlock()

	level.Info(r.logger).Log("msg", "transaction store ready", "backend", r.cfg.Backend)
	return nil
}

func (r *Recorder) stopping(error) error {
	if store := r.currentStore(); store != nil {
		store.Close()
	}
	return nil
}

// currentStore returns the open store, or nil while starting is still
// connecting.
func (r *Recorder) currentStore() Store {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.store
}

// RecordSuccess builds and writes the transaction row for an acknowledged
// payment. Best-effort: validation failures and store outages are logged and
// swallowed, the dispatch outcome is already decided.
func (r *Recorder) RecordSuccess(_ context.Context, p payload.Payload, route health.Route, requestedAt time.Time) {
	store := r.currentStore()
	if store == nil {
		metricRecordFailures.Inc()
		level.Warn(r.logger).Log("msg", "dropping transaction, store not open yet", "correlation_id", p.CorrelationID())
		return
	}

	id, err := uuid.Parse(p.CorrelationID())
	if err != nil {
		metricRecordInvalid.Inc()
		level.Warn(r.logger).Log("msg", "dropping transaction with invalid correlation id", "correlation_id", p.CorrelationID(), "err", err)
		return
	}

	amount, ok := p.Amount()
	if !ok {
		metricRecordInvalid.Inc()
		level.Warn(r.logger).Log("msg", "recording transaction without amount", "correlation_id", id)
		amount = decimal.Zero
	}

	tx := Transaction{
		CorrelationID: id,
		Amount:        amount,
		Route:         route,
		InsertedAt:    requestedAt.UTC(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := store.StoreSuccess(ctx, tx); err != nil {
		metricRecordFailures.Inc()
		level.Error(r.logger).Log("msg", "failed to persist transaction", "correlation_id", id, "route", route, "err", err)
		return
	}

	metricRecorded.WithLabelValues(string(route)).Inc()
}

// Summary aggregates [from, to) per route.
func (r *Recorder) Summary(ctx context.Context, from, to time.Time) (Summary, error) {
	store := r.currentStore()
	if store == nil {
		return Summary{}, ErrStoreUnavailable
	}
	return store.Summary(ctx, from, to)
}

// Purge drops all recorded transactions. Admin/test surface.
func (r *Recorder) Purge(ctx context.Context) error {
	store := r.currentStore()
	if store == nil {
		return ErrStoreUnavailable
	}
	return store.Purge(ctx)
}
