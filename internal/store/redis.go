package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/calprice/auctiond/internal/domain"
)

// Redis implements domain.Store on a single Redis instance.
type Redis struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedis connects to the store URL (redis://...), pings it to verify
// connectivity, and returns the store.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Redis{rdb: rdb, now: time.Now}, nil
}

// Close closes the underlying connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Get retrieves the value at key, returning domain.ErrNotFound for missing
// keys.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("store: get %s: %w", key, err)
	}
	return val, nil
}

// Set writes value at key with the given TTL (zero means no expiry).
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// List returns all key/value pairs whose key starts with prefix, using SCAN
// to avoid blocking the server on large keyspaces.
func (r *Redis) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)

	iter := r.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := r.rdb.Get(ctx, key).Bytes()
		if err != nil {
			// A key can expire between SCAN and GET.
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("store: list %s: %w", prefix, err)
		}
		out[key] = val
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", prefix, err)
	}

	return out, nil
}

// AppendSorted appends value under key with the given millisecond score,
// trims to the newest BidHistoryCap entries, drops entries older than the
// retention window, and refreshes the key TTL — all in one pipeline.
func (r *Redis) AppendSorted(ctx context.Context, key string, score int64, value []byte) error {
	cutoff := r.now().Add(-TTLBidHistory).UnixMilli()

	pipe := r.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: value})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-(domain.BidHistoryCap + 1)))
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, TTLBidHistory)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: append sorted %s: %w", key, err)
	}
	return nil
}

// ListSorted returns the entries under key in ascending score order.
func (r *Redis) ListSorted(ctx context.Context, key string) ([]domain.SortedEntry, error) {
	zs, err := r.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list sorted %s: %w", key, err)
	}

	out := make([]domain.SortedEntry, 0, len(zs))
	for _, z := range zs {
		s, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, domain.SortedEntry{Score: int64(z.Score), Value: []byte(s)})
	}
	return out, nil
}

// Health pings the server.
func (r *Redis) Health(ctx context.Context) domain.StoreHealth {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return domain.StoreDown
	}
	return domain.StoreHealthy
}

// Compile-time interface check.
var _ domain.Store = (*Redis)(nil)
