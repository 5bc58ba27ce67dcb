package pipeline

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/calprice/auctiond/internal/domain"
)

// PollingConfig holds the polling-queue parameters.
type PollingConfig struct {
	// Interval is the default per-auction polling interval.
	Interval time.Duration
	// EndGame is the interval once a snapshot reports 30s or less remaining.
	EndGame time.Duration
	// MinSpacing is the global floor between successive upstream fetches.
	MinSpacing time.Duration
	// BreakerCooldown is the re-enqueue backoff applied on CircuitOpen.
	BreakerCooldown time.Duration
}

// pollEntry is one queued auction.
type pollEntry struct {
	id       string
	dueAt    time.Time
	interval time.Duration
	failures int
	removed  bool
	index    int // heap index
}

// pollHeap orders entries by due time.
type pollHeap []*pollEntry

func (h pollHeap) Len() int            { return len(h) }
func (h pollHeap) Less(i, j int) bool  { return h[i].dueAt.Before(h[j].dueAt) }
func (h pollHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *pollHeap) Push(x any)         { e := x.(*pollEntry); e.index = len(*h); *h = append(*h, e) }
func (h *pollHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// PollingQueue polls a set of auction IDs in due-time order with a single
// worker. It is the cold standby for the event stream and the primary
// pipeline when the stream is disabled.
type PollingQueue struct {
	cfg     PollingConfig
	fetcher domain.AuctionFetcher
	emit    func(domain.SnapshotEvent)
	logger  *slog.Logger

	// spacing enforces the global minimum gap between upstream fetches
	// regardless of queue length.
	spacing *rate.Limiter

	mu      sync.Mutex
	queue   pollHeap
	entries map[string]*pollEntry
	wake    chan struct{}
}

// NewPollingQueue creates a PollingQueue; Run must be started for polling to
// happen.
func NewPollingQueue(cfg PollingConfig, fetcher domain.AuctionFetcher, emit func(domain.SnapshotEvent), logger *slog.Logger) *PollingQueue {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Second
	}
	if cfg.EndGame <= 0 {
		cfg.EndGame = 2 * time.Second
	}
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = 150 * time.Millisecond
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	return &PollingQueue{
		cfg:     cfg,
		fetcher: fetcher,
		emit:    emit,
		logger:  logger.With(slog.String("component", "polling")),
		spacing: rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		entries: make(map[string]*pollEntry),
		wake:    make(chan struct{}, 1),
	}
}

// Start enqueues an auction due immediately. Starting a queued id is a no-op.
func (q *PollingQueue) Start(id string) {
	q.mu.Lock()
	if _, ok := q.entries[id]; !ok {
		e := &pollEntry{id: id, dueAt: time.Now(), interval: q.cfg.Interval}
		q.entries[id] = e
		heap.Push(&q.queue, e)
	}
	q.mu.Unlock()
	q.signal()
}

// Stop removes an auction from the queue before returning. A fetch already in
// flight completes but its result is discarded by the router gate.
func (q *PollingQueue) Stop(id string) {
	q.mu.Lock()
	if e, ok := q.entries[id]; ok {
		e.removed = true
		// The entry is off the heap while the worker holds it popped.
		if e.index >= 0 && e.index < len(q.queue) && q.queue[e.index] == e {
			heap.Remove(&q.queue, e.index)
		}
		delete(q.entries, id)
	}
	q.mu.Unlock()
	q.signal()
}

// Run is the single polling worker. It blocks until the context is cancelled.
func (q *PollingQueue) Run(ctx context.Context) error {
	q.logger.Info("polling queue started")
	defer q.logger.Info("polling queue stopped")

	for {
		e, wait := q.next()
		if e == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
			}
			continue
		}

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-q.wake:
				timer.Stop()
				q.requeue(e, e.dueAt)
				continue
			case <-timer.C:
			}
		}

		// Global spacing between fetches.
		if err := q.spacing.Wait(ctx); err != nil {
			return err
		}

		q.poll(ctx, e)
	}
}

// next pops the head entry and reports how long until it is due. A nil entry
// means the queue is empty.
func (q *PollingQueue) next() (*pollEntry, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) == 0 {
		return nil, 0
	}
	e := heap.Pop(&q.queue).(*pollEntry)
	return e, time.Until(e.dueAt)
}

// requeue pushes an entry back with a new due time, unless it was stopped
// while popped.
func (q *PollingQueue) requeue(e *pollEntry, dueAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.removed {
		return
	}
	if _, ok := q.entries[e.id]; !ok {
		return
	}
	e.dueAt = dueAt
	heap.Push(&q.queue, e)
}

// poll fetches one auction and re-enqueues it per the failure rules.
func (q *PollingQueue) poll(ctx context.Context, e *pollEntry) {
	product, err := q.fetcher.FetchAuction(ctx, e.id)
	now := time.Now()

	switch {
	case err == nil:
		e.failures = 0
		e.interval = q.cfg.Interval
		if product.Snapshot.TimeRemaining(now) <= domain.EndingThreshold {
			e.interval = q.cfg.EndGame
		}
		q.emit(domain.SnapshotEvent{AuctionID: e.id, Snapshot: product.Snapshot, Source: domain.SourcePolling})
		q.requeue(e, now.Add(e.interval))

	case errors.Is(err, domain.ErrCircuitOpen):
		// Transient: back off for the breaker cooldown without counting a
		// pipeline failure.
		q.requeue(e, now.Add(q.cfg.BreakerCooldown))

	default:
		e.failures++
		delay := e.interval
		if e.failures >= 3 {
			// Skip a full cycle after three consecutive failures.
			delay = e.interval * 3
			e.failures = 0
		}
		q.logger.Warn("poll failed",
			slog.String("auction_id", e.id),
			slog.String("error", err.Error()),
		)
		q.requeue(e, now.Add(delay))
	}
}

// signal nudges the worker to re-examine the queue head.
func (q *PollingQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
