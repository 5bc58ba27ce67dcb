package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/calprice/auctiond/internal/domain"
)

// Memory implements domain.Store in process memory. It backs the fallback
// wrapper when the primary store is unreachable and doubles as the store used
// in tests. Expiry is lazy: entries are dropped when read past their
// deadline.
type Memory struct {
	mu     sync.RWMutex
	kv     map[string]memEntry
	sorted map[string][]domain.SortedEntry
	now    func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		kv:     make(map[string]memEntry),
		sorted: make(map[string][]domain.SortedEntry),
		now:    time.Now,
	}
}

func (m *Memory) expired(e memEntry) bool {
	return !e.expiresAt.IsZero() && m.now().After(e.expiresAt)
}

// Get retrieves the value at key, returning domain.ErrNotFound for missing or
// expired keys.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.kv[key]
	m.mu.RUnlock()

	if !ok || m.expired(e) {
		return nil, domain.ErrNotFound
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set writes value at key with the given TTL (zero means no expiry).
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	e := memEntry{value: stored}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.kv[key] = e
	m.mu.Unlock()
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.kv, key)
	delete(m.sorted, key)
	m.mu.Unlock()
	return nil
}

// List returns all live key/value pairs whose key starts with prefix.
func (m *Memory) List(_ context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for k, e := range m.kv {
		if !strings.HasPrefix(k, prefix) || m.expired(e) {
			continue
		}
		v := make([]byte, len(e.value))
		copy(v, e.value)
		out[k] = v
	}
	return out, nil
}

// AppendSorted appends value under key with the given millisecond score and
// trims to the newest BidHistoryCap entries within the retention window.
func (m *Memory) AppendSorted(_ context.Context, key string, score int64, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	cutoff := m.now().Add(-TTLBidHistory).UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := append(m.sorted[key], domain.SortedEntry{Score: score, Value: stored})
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score < entries[j].Score })

	// Retention window first, then the size cap from the old end.
	start := 0
	for start < len(entries) && entries[start].Score <= cutoff {
		start++
	}
	entries = entries[start:]
	if overflow := len(entries) - domain.BidHistoryCap; overflow > 0 {
		entries = entries[overflow:]
	}

	m.sorted[key] = entries
	return nil
}

// ListSorted returns the entries under key in ascending score order.
func (m *Memory) ListSorted(_ context.Context, key string) ([]domain.SortedEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.sorted[key]
	out := make([]domain.SortedEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// Health always reports degraded: a memory store is by definition running
// without durable backing.
func (m *Memory) Health(context.Context) domain.StoreHealth {
	return domain.StoreDegraded
}

// Compile-time interface check.
var _ domain.Store = (*Memory)(nil)
