// Package api is the thin HTTP adapter in front of the dispatch pipeline.
// The payments handler does not look inside the payload; the summary handler
// only parses timestamps.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/payrelay/payrelay/modules/buffer"
	"github.com/payrelay/payrelay/modules/health"
	"github.com/payrelay/payrelay/modules/recorder"
	"github.com/payrelay/payrelay/pkg/payload"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxPaymentBody caps a submitted payment body at 8 KiB.
const maxPaymentBody = 8 << 10

// Queue is the ingest surface. *buffer.Buffer satisfies it.
type Queue interface {
	Enqueue(p payload.Payload) error
	Size() int
	InFlight() int
}

// SummaryStore answers windowed summaries and the admin purge.
// *recorder.Recorder satisfies it.
type SummaryStore interface {
	Summary(ctx context.Context, from, to time.Time) (recorder.Summary, error)
	Purge(ctx context.Context) error
}

type API struct {
	queue  Queue
	store  SummaryStore
	health *health.Cache
	logger kitlog.Logger
}

func New(queue Queue, store SummaryStore, cache *health.Cache, logger kitlog.Logger) *API {
	return &API{
		queue:  queue,
		store:  store,
		health: cache,
		logger: kitlog.With(logger, "component", "api"),
	}
}

// RegisterRoutes installs all handlers on the server router.
func (a *API) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/payments", a.PaymentsHandler).Methods(http.MethodPost)
	r.HandleFunc("/payments-summary", a.SummaryHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/purge-payments", a.PurgeHandler).Methods(http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(a.NotFoundHandler)
	r.MethodNotAllowedHandler = http.HandlerFunc(a.NotFoundHandler)
}

// PaymentsHandler admits one payment into the buffer. The body is opaque;
// the only refusal is a full queue.
func (a *API) PaymentsHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPaymentBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.writeError(w, http.StatusRequestEntityTooLarge, "body_too_large")
			return
		}
		a.writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := a.queue.Enqueue(payload.New(body)); err != nil {
		a.writeError(w, http.StatusServiceUnavailable, "queue_full")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SummaryHandler aggregates [from, to). When the store is unreachable it
// serves a static zero summary rather than an error; the window simply reads
// as empty.
func (a *API) SummaryHandler(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	summary, err := a.store.Summary(r.Context(), from, to)
	if err != nil {
		level.Error(a.logger).Log("msg", "summary unavailable, serving static fallback", "err", err)
		a.writeJSON(w, http.StatusOK, recorder.Summary{})
		return
	}

	a.writeJSON(w, http.StatusOK, summary)
}

type queueStatus struct {
	QueueSize int `json:"queue_size"`
	InFlight  int `json:"in_flight"`
}

type routeStatus struct {
	Failing           bool      `json:"failing"`
	MinResponseTimeMs int64     `json:"min_response_time_ms"`
	CheckedAt         time.Time `json:"checked_at"`
	Source            string    `json:"source"`
	Healthy           bool      `json:"healthy"`
}

type healthResponse struct {
	Status     string                 `json:"status"`
	Queue      queueStatus            `json:"queue"`
	Processors map[string]routeStatus `json:"processors"`
}

func (a *API) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	snap := a.health.Snapshot()

	resp := healthResponse{
		Status: "ok",
		Queue: queueStatus{
			QueueSize: a.queue.Size(),
			InFlight:  a.queue.InFlight(),
		},
		Processors: make(map[string]routeStatus, len(health.Routes)),
	}
	for _, route := range health.Routes {
		rec := snap.Record(route)
		resp.Processors[string(route)] = routeStatus{
			Failing:           rec.Failing,
			MinResponseTimeMs: rec.MinResponseTime.Milliseconds(),
			CheckedAt:         rec.CheckedAt,
			Source:            string(rec.Source),
			Healthy:           a.health.IsHealthy(route),
		}
	}

	a.writeJSON(w, http.StatusOK, resp)
}

// PurgeHandler truncates the transaction store. Admin/test surface only.
func (a *API) PurgeHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Purge(r.Context()); err != nil {
		level.Error(a.logger).Log("msg", "purge failed", "err", err)
		a.writeError(w, http.StatusInternalServerError, "purge_failed")
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) NotFoundHandler(w http.ResponseWriter, _ *http.Request) {
	a.writeError(w, http.StatusNotFound, "not_found")
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, errors.New("missing " + name)
	}
	return time.Parse(time.RFC3339, v)
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(a.logger).Log("msg", "error writing response", "err", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, code string) {
	a.writeJSON(w, status, map[string]string{"error": code})
}

var _ Queue = (*buffer.Buffer)(nil)
