// Package health tracks the advertised health of the two payment processor
// routes. The poller is the single writer; every dispatcher worker reads the
// snapshot before routing, so reads are a single atomic pointer load.
package health

import (
	"math"
	"time"

	"go.uber.org/atomic"
)

// Route identifies one of the two processor endpoints.
type Route string

const (
	RouteDefault  Route = "default"
	RouteFallback Route = "fallback"
)

// Routes lists all routes in preference order.
var Routes = []Route{RouteDefault, RouteFallback}

// Source records whether a health record came from a successful poll or was
// synthesised after a poll failure.
type Source string

const (
	SourceOK    Source = "ok"
	SourceError Source = "error"
)

// UnknownResponseTime is the min response time of a route whose health could
// not be determined. It compares above any threshold, so unknown routes are
// never considered healthy.
const UnknownResponseTime = time.Duration(math.MaxInt64)

// Record is the last known health of a single route.
type Record struct {
	Failing         bool
	MinResponseTime time.Duration
	CheckedAt       time.Time
	Source          Source
}

// ErrorRecord derives the record installed when polling a route fails. It
// biases routing against unknown state while keeping the previous CheckedAt
// so the timestamp does not flap on repeated failures.
func ErrorRecord(prev Record) Record {
	checkedAt := prev.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}
	return Record{
		Failing:         true,
		MinResponseTime: UnknownResponseTime,
		CheckedAt:       checkedAt,
		Source:          SourceError,
	}
}

// Snapshot is an immutable view of both routes. Writers replace the whole
// snapshot; readers always see an internally consistent pair.
type Snapshot struct {
	Default  Record
	Fallback Record
}

func (s Snapshot) Record(r Route) Record {
	if r == RouteFallback {
		return s.Fallback
	}
	return s.Default
}

func (s Snapshot) withRecord(r Route, rec Record) Snapshot {
	if r == RouteFallback {
		s.Fallback = rec
	} else {
		s.Default = rec
	}
	return s
}

// Cache holds the current snapshot behind an atomic pointer.
type Cache struct {
	unhealthyLatency time.Duration
	current          atomic.Pointer[Snapshot]
}

// NewCache returns a cache primed with optimistic records, so the service is
// willing to dispatch before the first poll completes.
func NewCache(unhealthyLatency time.Duration) *Cache {
	optimistic := Record{
		Failing:         false,
		MinResponseTime: 0,
		CheckedAt:       time.Now(),
		Source:          SourceOK,
	}

	c := &Cache{unhealthyLatency: unhealthyLatency}
	c.current.Store(&Snapshot{Default: optimistic, Fallback: optimistic})
	return c
}

// Snapshot returns the current snapshot.
func (c *Cache) Snapshot() Snapshot {
	return *c.current.Load()
}

// SetSnapshot atomically replaces the whole snapshot.
func (c *Cache) SetSnapshot(s Snapshot) {
	c.current.Store(&s)
}

// SetRecord replaces a single route's record, keeping the other. It is a
// read-modify-write: concurrent writers can lose updates, so the poller
// installs whole snapshots and this stays a single-writer convenience.
func (c *Cache) SetRecord(r Route, rec Record) {
	s := c.Snapshot().withRecord(r, rec)
	c.current.Store(&s)
}

// IsHealthy reports whether the route's latest record allows dispatching to
// it. Pure over the given snapshot contents.
func (c *Cache) IsHealthy(r Route) bool {
	rec := c.Snapshot().Record(r)
	return !rec.Failing && rec.MinResponseTime < c.unhealthyLatency
}
