// Package buffer is the bounded in-memory FIFO that decouples payment
// ingestion from dispatch. Producers are inbound HTTP handlers, consumers
// are dispatcher workers. Entries are ordered by a (monotonic nanos, unique
// tag) key, so take-smallest yields insertion order and a requeued payment
// always lands at the tail with a fresh key.
package buffer

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/payrelay/payrelay/pkg/payload"
)

var (
	metricQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "payrelay",
		Name:      "buffer_queue_length",
		Help:      "Current number of queued payments.",
	})
	metricInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "payrelay",
		Name:      "buffer_in_flight",
		Help:      "Workers currently dispatching a payment.",
	})
	metricEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "buffer_enqueued_total",
		Help:      "Total payments admitted to the queue.",
	})
	metricDequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "buffer_dequeued_total",
		Help:      "Total payments taken from the queue.",
	})
	metricRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "payrelay",
		Name:      "buffer_rejected_total",
		Help:      "Total payments refused because the queue was full.",
	})
	metricQueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "payrelay",
		Name:      "buffer_queue_wait_seconds",
		Help:      "Time a payment spent queued before a worker took it.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("payment queue is full")

// seqKey orders entries. nanos comes from the process monotonic clock; tag
// breaks ties between entries that observe the same nanosecond reading and
// carries no other meaning.
type seqKey struct {
	nanos int64
	tag   uint64
}

func (k seqKey) less(o seqKey) bool {
	if k.nanos != o.nanos {
		return k.nanos < o.nanos
	}
	return k.tag < o.tag
}

type entry struct {
	key        seqKey
	payload    payload.Payload
	enqueuedAt time.Time
}

// shard is one slice of the ordered structure. Keys are process-monotonic,
// so inserts are almost always appends; out-of-order inserts only happen on
// identical nanosecond readings racing across shards.
type shard struct {
	mtx   sync.Mutex
	items []entry
	head  int

	// headKey mirrors the key of the current head so take-smallest can scan
	// shards without locking them.
	headKey atomic.Pointer[seqKey]
}

func (s *shard) insert(e entry) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	n := len(s.items)
	if n == s.head {
		// empty: reset instead of growing forever
		s.items = s.items[:0]
		s.head = 0
		s.items = append(s.items, e)
		s.headKey.Store(&e.key)
		return
	}

	if e.key.less(s.items[s.head].key) {
		// new head
		s.items = append(s.items, entry{})
		copy(s.items[s.head+1:], s.items[s.head:])
		s.items[s.head] = e
		s.headKey.Store(&e.key)
		return
	}

	if s.items[n-1].key.less(e.key) {
		s.items = append(s.items, e)
		return
	}

	// rare: insertion between head and tail
	i := sort.Search(n-s.head, func(i int) bool {
		return e.key.less(s.items[s.head+i].key)
	}) + s.head
	s.items = append(s.items, entry{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = e
}

// pop removes and returns the shard head. ok is false when the shard is
// empty.
func (s *shard) pop() (entry, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.head == len(s.items) {
		return entry{}, false
	}

	e := s.items[s.head]
	s.items[s.head] = entry{} // release the payload bytes
	s.head++

	if s.head == len(s.items) {
		s.items = s.items[:0]
		s.head = 0
		s.headKey.Store(nil)
	} else {
		s.headKey.Store(&s.items[s.head].key)
		// reclaim the dead prefix once it dominates the backing array
		if s.head > len(s.items)/2 && s.head > 64 {
			n := copy(s.items, s.items[s.head:])
			s.items = s.items[:n]
			s.head = 0
		}
	}

	return e, true
}

// Buffer is the multi-producer multi-consumer payment queue.
type Buffer struct {
	cfg Config

	shards []*shard
	next   atomic.Uint64 // round-robin shard selector
	tag    atomic.Uint64 // unique_tag source
	start  time.Time     // monotonic clock base

	size     atomic.Int64
	inFlight atomic.Int64
}

func New(cfg Config) *Buffer {
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}

	b := &Buffer{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		start:  time.Now(),
	}
	for i := range b.shards {
		b.shards[i] = &shard{}
	}
	return b
}

// Enqueue admits a payment. The capacity check is a best-effort pre-read:
// racing producers may land marginally above the cap, bounded by the number
// of concurrent producers. Never blocks.
func (b *Buffer) Enqueue(p payload.Payload) error {
	if b.cfg.MaxSize > 0 && b.size.Load() >= int64(b.cfg.MaxSize) {
		metricRejected.Inc()
		return ErrQueueFull
	}

	now := time.Now()
	e := entry{
		key: seqKey{
			nanos: now.Sub(b.start).Nanoseconds(),
			tag:   b.tag.Inc(),
		},
		payload:    p,
		enqueuedAt: now,
	}

	b.shards[b.next.Inc()%uint64(len(b.shards))].insert(e)

	metricQueueLength.Set(float64(b.size.Inc()))
	metricEnqueued.Inc()
	return nil
}

// Dequeue removes and returns the payment with the smallest sequence key,
// along with how long it waited in the queue. ok is false when the queue is
// empty. Safe for concurrent consumers: losing a race for the head shows up
// as an internal retry, never as an error.
func (b *Buffer) Dequeue() (p payload.Payload, wait time.Duration, ok bool) {
	for {
		min := -1
		var minKey seqKey
		for i, s := range b.shards {
			k := s.headKey.Load()
			if k == nil {
				continue
			}
			if min == -1 || k.less(minKey) {
				min = i
				minKey = *k
			}
		}
		if min == -1 {
			return payload.Payload{}, 0, false
		}

		e, got := b.shards[min].pop()
		if !got {
			// another consumer drained this shard between the scan and the
			// pop; re-read
			continue
		}

		wait = time.Since(e.enqueuedAt)
		metricQueueLength.Set(float64(b.decClamped(&b.size)))
		metricDequeued.Inc()
		metricQueueWait.Observe(wait.Seconds())
		return e.payload, wait, true
	}
}

// Size is the current queue length. Exact for the goroutine that performed
// the last update, eventually consistent for everyone else.
func (b *Buffer) Size() int {
	return int(b.size.Load())
}

// InFlight is the number of workers currently dispatching.
func (b *Buffer) InFlight() int {
	return int(b.inFlight.Load())
}

// WorkerStarted marks a worker as dispatching a payment.
func (b *Buffer) WorkerStarted() {
	metricInFlight.Set(float64(b.inFlight.Inc()))
}

// WorkerFinished marks a dispatch as done, clamping at zero.
func (b *Buffer) WorkerFinished() {
	metricInFlight.Set(float64(b.decClamped(&b.inFlight)))
}

// decClamped decrements c but never below zero.
func (b *Buffer) decClamped(c *atomic.Int64) int64 {
	for {
		cur := c.Load()
		if cur <= 0 {
			return 0
		}
		if c.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}
