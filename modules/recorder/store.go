package recorder

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/payrelay/payrelay/modules/health"
)

// ErrStoreUnavailable is surfaced by Summary when the backing store cannot
// be reached. StoreSuccess never surfaces it; writes are best-effort.
var ErrStoreUnavailable = errors.New("transaction store unavailable")

// Transaction is one successfully routed payment.
type Transaction struct {
	CorrelationID uuid.UUID
	Amount        decimal.Decimal
	Route         health.Route
	InsertedAt    time.Time
}

// RouteSummary aggregates one route over a summary window.
type RouteSummary struct {
	TotalRequests int64   `json:"totalRequests"`
	TotalAmount   float64 `json:"totalAmount"`
}

// Summary always carries both routes, zero-valued when empty.
type Summary struct {
	Default  RouteSummary `json:"default"`
	Fallback RouteSummary `json:"fallback"`
}

// Store is the transaction persistence capability. Summary aggregates the
// half-open interval [from, to) on InsertedAt.
type Store interface {
	StoreSuccess(ctx context.Context, tx Transaction) error
	Summary(ctx context.Context, from, to time.Time) (Summary, error)
	Purge(ctx context.Context) error
	Close()
}
