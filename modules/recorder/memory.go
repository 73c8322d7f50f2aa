package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payrelay/payrelay/modules/health"
)

// memoryStore keeps transactions in process memory. It backs local runs
// without a database and the test suites.
type memoryStore struct {
	mtx sync.RWMutex
	txs []Transaction
}

func newMemoryStore() *memoryStore {
	return &memoryStore{}
}

func (s *memoryStore) StoreSuccess(_ context.Context, tx Transaction) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.txs = append(s.txs, tx)
	return nil
}

func (s *memoryStore) Summary(_ context.Context, from, to time.Time) (Summary, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var (
		out            Summary
		defaultAmount  = decimal.Zero
		fallbackAmount = decimal.Zero
	)
	for _, tx := range s.txs {
		if tx.InsertedAt.Before(from) || !tx.InsertedAt.Before(to) {
			continue
		}
		if tx.Route == health.RouteFallback {
			out.Fallback.TotalRequests++
			fallbackAmount = fallbackAmount.Add(tx.Amount)
		} else {
			out.Default.TotalRequests++
			defaultAmount = defaultAmount.Add(tx.Amount)
		}
	}
	out.Default.TotalAmount = defaultAmount.InexactFloat64()
	out.Fallback.TotalAmount = fallbackAmount.InexactFloat64()
	return out, nil
}

func (s *memoryStore) Purge(context.Context) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.txs = nil
	return nil
}

func (s *memoryStore) Close() {}
