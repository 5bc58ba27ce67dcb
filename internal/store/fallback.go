package store

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/calprice/auctiond/internal/domain"
)

// Fallback decorates a primary store with an in-memory stand-in. Operations
// go to the primary; when the primary fails they are retried against memory
// and the store reports Degraded until a primary operation succeeds again.
//
// Reads consult memory after a primary miss while degraded, so writes that
// landed in memory during an outage stay visible.
type Fallback struct {
	primary  domain.Store
	memory   *Memory
	degraded atomic.Bool
	logger   *slog.Logger
}

// NewFallback wraps primary. A nil primary yields a memory-only store that is
// permanently degraded.
func NewFallback(primary domain.Store, logger *slog.Logger) *Fallback {
	f := &Fallback{
		primary: primary,
		memory:  NewMemory(),
		logger:  logger.With(slog.String("component", "store")),
	}
	if primary == nil {
		f.degraded.Store(true)
	}
	return f
}

// Degraded reports whether the store is currently running on memory.
func (f *Fallback) Degraded() bool {
	return f.degraded.Load()
}

// markFailure flips to degraded mode, logging the transition once.
func (f *Fallback) markFailure(err error) {
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Warn("primary store unavailable, degrading to memory",
			slog.String("error", err.Error()),
		)
	}
}

// markSuccess flips back to healthy mode, logging the transition once.
func (f *Fallback) markSuccess() {
	if f.primary == nil {
		return
	}
	if f.degraded.CompareAndSwap(true, false) {
		f.logger.Info("primary store recovered")
	}
}

// storeFailure distinguishes backend failures from logical outcomes such as
// a missing key.
func storeFailure(err error) bool {
	return err != nil && !errors.Is(err, domain.ErrNotFound)
}

// Get retrieves the value at key.
func (f *Fallback) Get(ctx context.Context, key string) ([]byte, error) {
	if f.primary != nil {
		val, err := f.primary.Get(ctx, key)
		if !storeFailure(err) {
			wasDegraded := f.degraded.Load()
			f.markSuccess()
			if err == nil {
				return val, nil
			}
			// Primary miss: a degraded-period write may live in memory.
			if wasDegraded {
				return f.memory.Get(ctx, key)
			}
			return nil, err
		}
		f.markFailure(err)
	}
	return f.memory.Get(ctx, key)
}

// Set writes value at key with the given TTL.
func (f *Fallback) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.primary != nil {
		err := f.primary.Set(ctx, key, value, ttl)
		if err == nil {
			f.markSuccess()
			return nil
		}
		f.markFailure(err)
	}
	return f.memory.Set(ctx, key, value, ttl)
}

// Delete removes key from both backends.
func (f *Fallback) Delete(ctx context.Context, key string) error {
	_ = f.memory.Delete(ctx, key)
	if f.primary != nil {
		err := f.primary.Delete(ctx, key)
		if err == nil {
			f.markSuccess()
			return nil
		}
		f.markFailure(err)
	}
	return nil
}

// List returns all pairs under prefix, merging memory entries over primary
// ones while degraded.
func (f *Fallback) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if f.primary != nil {
		out, err := f.primary.List(ctx, prefix)
		if err == nil {
			wasDegraded := f.degraded.Load()
			f.markSuccess()
			if wasDegraded {
				mem, _ := f.memory.List(ctx, prefix)
				for k, v := range mem {
					out[k] = v
				}
			}
			return out, nil
		}
		f.markFailure(err)
	}
	return f.memory.List(ctx, prefix)
}

// AppendSorted appends to the score-ordered collection at key.
func (f *Fallback) AppendSorted(ctx context.Context, key string, score int64, value []byte) error {
	if f.primary != nil {
		err := f.primary.AppendSorted(ctx, key, score, value)
		if err == nil {
			f.markSuccess()
			return nil
		}
		f.markFailure(err)
	}
	return f.memory.AppendSorted(ctx, key, score, value)
}

// ListSorted returns the entries under key in ascending score order.
func (f *Fallback) ListSorted(ctx context.Context, key string) ([]domain.SortedEntry, error) {
	if f.primary != nil {
		out, err := f.primary.ListSorted(ctx, key)
		if err == nil {
			f.markSuccess()
			return out, nil
		}
		f.markFailure(err)
	}
	return f.memory.ListSorted(ctx, key)
}

// Health reports Healthy when the primary responds, Degraded while running on
// memory.
func (f *Fallback) Health(ctx context.Context) domain.StoreHealth {
	if f.primary == nil {
		return domain.StoreDegraded
	}
	if f.primary.Health(ctx) == domain.StoreHealthy {
		return domain.StoreHealthy
	}
	return domain.StoreDegraded
}

// Compile-time interface check.
var _ domain.Store = (*Fallback)(nil)
