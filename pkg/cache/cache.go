// Package cache implements BatVault's read-through caches: a Redis
// TTL+SWR key-value layer with negative caching, the two-key evidence
// bundle pattern, and an in-process LRU for request-scoped artifacts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/batvault/batvault/pkg/canonjson"
)

// ETagUnknown mirrors the storage sentinel; writes are skipped for it.
const ETagUnknown = "unknown"

// swrFraction: a hit with less than this fraction of its TTL remaining
// schedules a background refresh.
const swrFraction = 0.2

// negSentinel marks a cached resolver miss.
var negSentinel = []byte(`{"_neg":true}`)

// ErrNegative reports a negative-cache hit: the upstream answered
// "not found" recently and the miss is still fresh.
var ErrNegative = errors.New("cache: negative entry")

// Cache wraps a Redis client with the TTL+SWR read-through pattern.
// A nil client degrades every operation to a miss.
type Cache struct {
	rdb   redis.UniversalClient
	drain chan struct{} // closed on shutdown; SWR refreshes stop starting
}

// New wraps an existing client. rdb may be nil (cache disabled).
func New(rdb redis.UniversalClient) *Cache {
	return &Cache{rdb: rdb, drain: make(chan struct{})}
}

// NewFromURL dials Redis from a URL like redis://host:6379/0.
func NewFromURL(url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w", err)
	}
	return New(redis.NewClient(opts)), nil
}

// Close stops scheduling SWR refreshes. In-flight refreshes observe
// cancellation at their next suspension point.
func (c *Cache) Close() {
	select {
	case <-c.drain:
	default:
		close(c.drain)
	}
}

// Ping reports the round-trip latency to Redis. Used by load shedding.
func (c *Cache) Ping(ctx context.Context) (time.Duration, error) {
	if c.rdb == nil {
		return 0, errors.New("cache: no redis client")
	}
	start := time.Now()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("cache: ping: %w", err)
	}
	return time.Since(start), nil
}

// Key builds a namespaced cache key: the canonical fingerprint of parts
// under a fixed prefix, e.g. bv:mem:v1:resolve:{fp}.
func Key(prefix string, parts ...any) string {
	fp, err := canonjson.Fingerprint(parts)
	if err != nil {
		// Only unmarshalable Go values can land here; parts are wire data.
		fp = "sha256:invalid"
	}
	return prefix + fp
}

// GetJSON reads and decodes a cached value. Returns (false, nil) on
// miss and on decode errors (decode errors are treated as misses);
// ErrNegative on a negative-cache hit.
func (c *Cache) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	if c.rdb == nil {
		return false, nil
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if isNegative(raw) {
		return false, ErrNegative
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, nil
	}
	return true, nil
}

// SetJSON writes a value with TTL. Writes are skipped for the unknown
// snapshot so a stale corpus never poisons the cache.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration, etag string) error {
	if c.rdb == nil || etag == ETagUnknown || etag == "" {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// SetNegative records an upstream miss under the sentinel value.
func (c *Cache) SetNegative(ctx context.Context, key string, ttl time.Duration, etag string) error {
	if c.rdb == nil || etag == ETagUnknown || etag == "" {
		return nil
	}
	if err := c.rdb.Set(ctx, key, negSentinel, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set negative %s: %w", key, err)
	}
	return nil
}

// ReadThrough resolves key via the cache, falling back to load on a
// miss. Loader errors are never cached. A hit in the final fifth of its
// TTL triggers a non-blocking background refresh (stale-while-
// revalidate); the hit is served immediately either way.
func (c *Cache) ReadThrough(ctx context.Context, key string, ttl time.Duration, etag string, out any, load func(context.Context) (any, error)) error {
	hit, err := c.GetJSON(ctx, key, out)
	if errors.Is(err, ErrNegative) {
		return ErrNegative
	}
	if hit {
		c.maybeRefresh(ctx, key, ttl, etag, load)
		return nil
	}

	fresh, err := load(ctx)
	if err != nil {
		return err
	}
	if err := c.SetJSON(ctx, key, fresh, ttl, etag); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
	raw, err := json.Marshal(fresh)
	if err != nil {
		return fmt.Errorf("cache: encode fresh value: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("cache: decode fresh value: %w", err)
	}
	return nil
}

// maybeRefresh schedules an async reload when the entry is near expiry.
func (c *Cache) maybeRefresh(ctx context.Context, key string, ttl time.Duration, etag string, load func(context.Context) (any, error)) {
	if c.rdb == nil {
		return
	}
	remaining, err := c.rdb.TTL(ctx, key).Result()
	if err != nil || remaining < 0 {
		return
	}
	if float64(remaining) >= swrFraction*float64(ttl) {
		return
	}
	select {
	case <-c.drain:
		return
	default:
	}
	go func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		fresh, err := load(refreshCtx)
		if err != nil {
			return // never cache errors
		}
		if err := c.SetJSON(refreshCtx, key, fresh, ttl, etag); err != nil {
			slog.Warn("swr refresh write failed", "key", key, "error", err)
		}
	}()
}

func isNegative(raw []byte) bool {
	var probe struct {
		Neg bool `json:"_neg"`
	}
	return json.Unmarshal(raw, &probe) == nil && probe.Neg
}
