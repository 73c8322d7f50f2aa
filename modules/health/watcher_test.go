package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	kitlog "github.com/go-kit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := Config{}
	cfg.PollInterval = time.Hour // tests drive pollAll directly
	cfg.PollTimeout = time.Second
	cfg.UnhealthyLatency = 30 * time.Millisecond
	return cfg
}

func newTestWatcher(t *testing.T, cfg Config, urls map[Route]string) (*Watcher, *Cache) {
	t.Helper()

	cache := NewCache(cfg.UnhealthyLatency)
	w, err := NewWatcher(cfg, cache, urls, kitlog.NewNopLogger())
	require.NoError(t, err)
	return w, cache
}

func TestPollHealthyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payments/service-health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"failing":false,"minResponseTime":7}`))
	}))
	defer srv.Close()

	w, cache := newTestWatcher(t, testConfig(), map[Route]string{RouteDefault: srv.URL})
	w.pollAll(context.Background())

	rec := cache.Snapshot().Record(RouteDefault)
	require.False(t, rec.Failing)
	require.Equal(t, 7*time.Millisecond, rec.MinResponseTime)
	require.Equal(t, SourceOK, rec.Source)
	require.True(t, cache.IsHealthy(RouteDefault))
}

func TestPollFailingResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"failing":true,"minResponseTime":2}`))
	}))
	defer srv.Close()

	w, cache := newTestWatcher(t, testConfig(), map[Route]string{RouteDefault: srv.URL})
	w.pollAll(context.Background())

	rec := cache.Snapshot().Record(RouteDefault)
	require.True(t, rec.Failing)
	require.Equal(t, SourceOK, rec.Source)
	require.False(t, cache.IsHealthy(RouteDefault))
}

func TestPollSlowProcessorIsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"failing":false,"minResponseTime":120}`))
	}))
	defer srv.Close()

	w, cache := newTestWatcher(t, testConfig(), map[Route]string{RouteDefault: srv.URL})
	w.pollAll(context.Background())

	rec := cache.Snapshot().Record(RouteDefault)
	require.False(t, rec.Failing)
	require.Equal(t, 120*time.Millisecond, rec.MinResponseTime)
	require.False(t, cache.IsHealthy(RouteDefault))
}

func TestPollRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	w, cache := newTestWatcher(t, testConfig(), map[Route]string{RouteDefault: srv.URL})

	before := cache.Snapshot().Record(RouteDefault).CheckedAt
	w.pollAll(context.Background())

	rec := cache.Snapshot().Record(RouteDefault)
	require.True(t, rec.Failing)
	require.Equal(t, UnknownResponseTime, rec.MinResponseTime)
	require.Equal(t, SourceError, rec.Source)
	// rate limiting keeps the previous timestamp
	require.Equal(t, before, rec.CheckedAt)
	require.False(t, cache.IsHealthy(RouteDefault))
}

func TestPollServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w, cache := newTestWatcher(t, testConfig(), map[Route]string{RouteDefault: srv.URL})
	w.pollAll(context.Background())

	rec := cache.Snapshot().Record(RouteDefault)
	require.True(t, rec.Failing)
	require.Equal(t, SourceError, rec.Source)
}

func TestPollUnreachableProcessor(t *testing.T) {
	// bind and close to get a port that refuses connections
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	w, cache := newTestWatcher(t, testConfig(), map[Route]string{RouteDefault: url})
	w.pollAll(context.Background())

	require.False(t, cache.IsHealthy(RouteDefault))
	require.Equal(t, SourceError, cache.Snapshot().Record(RouteDefault).Source)
}

func TestPollBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	w, cache := newTestWatcher(t, testConfig(), map[Route]string{RouteDefault: srv.URL})
	w.pollAll(context.Background())

	require.False(t, cache.IsHealthy(RouteDefault))
}

func TestPollRoutesIndependently(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"failing":false,"minResponseTime":1}`))
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	w, cache := newTestWatcher(t, testConfig(), map[Route]string{
		RouteDefault:  broken.URL,
		RouteFallback: healthy.URL,
	})
	w.pollAll(context.Background())

	require.False(t, cache.IsHealthy(RouteDefault))
	require.True(t, cache.IsHealthy(RouteFallback))
}

func TestPollAllInstallsBothRoutesTogether(t *testing.T) {
	// the poll results must land as one snapshot: readers never see one
	// route's fresh record next to the other route's pre-poll record, no
	// matter how far apart the probes finish
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"failing":false,"minResponseTime":1}`))
	}))
	defer fast.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte(`{"failing":true,"minResponseTime":2}`))
	}))
	defer slow.Close()

	w, cache := newTestWatcher(t, testConfig(), map[Route]string{
		RouteDefault:  fast.URL,
		RouteFallback: slow.URL,
	})

	// distinctive pre-state on both routes
	cache.SetSnapshot(Snapshot{
		Default:  Record{Failing: true, MinResponseTime: UnknownResponseTime, Source: SourceError},
		Fallback: Record{Failing: true, MinResponseTime: UnknownResponseTime, Source: SourceError},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.pollAll(context.Background())
	}()

	for sampling := true; sampling; {
		select {
		case <-done:
			sampling = false
		default:
			snap := cache.Snapshot()
			require.Equal(t, snap.Default.Source, snap.Fallback.Source, "routes updated independently")
			time.Sleep(time.Millisecond)
		}
	}

	snap := cache.Snapshot()
	require.Equal(t, SourceOK, snap.Default.Source)
	require.Equal(t, time.Millisecond, snap.Default.MinResponseTime)
	require.Equal(t, SourceOK, snap.Fallback.Source)
	require.True(t, snap.Fallback.Failing)
	require.Equal(t, 2*time.Millisecond, snap.Fallback.MinResponseTime)
}

func TestParseMinResponseTime(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected time.Duration
		errors   bool
	}{
		{name: "integer", raw: `42`, expected: 42 * time.Millisecond},
		{name: "zero", raw: `0`, expected: 0},
		{name: "float", raw: `1.5`, expected: 1500 * time.Microsecond},
		{name: "numeric string", raw: `"42"`, expected: 42 * time.Millisecond},
		{name: "empty", raw: ``, errors: true},
		{name: "non numeric string", raw: `"fast"`, errors: true},
		{name: "bool", raw: `true`, errors: true},
		{name: "null", raw: `null`, errors: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := parseMinResponseTime(jsoniter.RawMessage(tc.raw))
			if tc.errors {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, d)
		})
	}
}
