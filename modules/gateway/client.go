package gateway

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/atomic"

	"github.com/payrelay/payrelay/modules/health"
	"github.com/payrelay/payrelay/pkg/payload"
)

const paymentsPath = "/payments"

// client issues payment POSTs to a single processor route. Outbound
// connections come from PoolCount independent transports round-robined per
// call, each with its own idle pool. Payment POSTs are never hedged; the
// processor deduplicates by correlation id via 409, but there is no reason
// to lean on that.
type client struct {
	route        health.Route
	paymentsURL  string
	successOn409 bool

	pool []*http.Client
	next atomic.Uint32

	breaker *gobreaker.CircuitBreaker
}

func newClient(route health.Route, baseURL string, cfg Config) *client {
	count := cfg.PoolCount
	if count <= 0 {
		count = 1
	}

	pool := make([]*http.Client, count)
	for i := range pool {
		transport := &http.Transport{
			MaxIdleConns:        cfg.PoolSize,
			MaxIdleConnsPerHost: cfg.PoolSize,
			IdleConnTimeout:     30 * time.Second,
			DisableCompression:  true,
		}
		if cfg.Debug && cfg.ConnectTimeout > 0 {
			transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext
		}
		pool[i] = &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		}
	}

	c := &client{
		route:        route,
		paymentsURL:  baseURL + paymentsPath,
		successOn409: cfg.SuccessOn409,
		pool:         pool,
	}

	if cfg.Breaker.Enabled {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    string(route),
			Timeout: cfg.Breaker.OpenFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures
			},
		})
	}

	return c
}

// send POSTs the payload, stamped with requestedAt, to the processor. A nil
// return means the processor acknowledged the payment.
func (c *client) send(ctx context.Context, p payload.Payload, requestedAt time.Time) error {
	if c.breaker == nil {
		return c.post(ctx, p, requestedAt)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.post(ctx, p, requestedAt)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &RequestError{Route: c.route, Err: err}
	}
	return err
}

func (c *client) post(ctx context.Context, p payload.Payload, requestedAt time.Time) error {
	body := p.WithRequestedAt(requestedAt)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.paymentsURL, bytes.NewReader(body))
	if err != nil {
		return &RequestError{Route: c.route, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return &RequestError{Route: c.route, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if c.isSuccess(resp.StatusCode) {
		return nil
	}
	return &UnexpectedStatusError{Route: c.route, Status: resp.StatusCode}
}

func (c *client) httpClient() *http.Client {
	// unsigned modulo, the counter wraps
	return c.pool[c.next.Inc()%uint32(len(c.pool))]
}

func (c *client) isSuccess(status int) bool {
	if status >= 200 && status < 300 {
		return true
	}
	return c.successOn409 && status == http.StatusConflict
}
