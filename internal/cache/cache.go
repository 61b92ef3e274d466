// Package cache provides the key/value store behind read-through caches.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

type Cache interface {
	// Get returns ok=false on a miss.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// ReadThrough returns the cached JSON value for key, or calls load and caches
// its result for ttl. Cache failures are logged and fall through to load.
func ReadThrough[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	if c != nil {
		raw, ok, err := c.Get(ctx, key)
		if err != nil {
			slog.Warn("cache: get failed", "key", key, "error", err)
		} else if ok {
			var cached T
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
			slog.Warn("cache: discarding undecodable entry", "key", key)
		}
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}

	if c != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			return value, fmt.Errorf("encode cache entry: %w", err)
		}
		if err := c.Set(ctx, key, raw, ttl); err != nil {
			slog.Warn("cache: set failed", "key", key, "error", err)
		}
	}
	return value, nil
}
