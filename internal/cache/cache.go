// Package cache is a thin key/value cache over Redis or process memory.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL applies when a caller passes a zero ttl to GetOrSet.
const DefaultTTL = 300 * time.Second

// ErrMiss is returned by Get for absent or expired keys.
var ErrMiss = errors.New("cache: miss")

// Cache stores opaque byte values. A ttl of zero means no expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// Increment adds delta to an integer counter, creating it at zero. The
	// ttl is applied only when the counter is created.
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// GetMany returns the values of the keys that are present.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	Ping(ctx context.Context) error
}

var (
	fillsMu sync.Mutex
	fills   = make(map[Cache]*singleflight.Group)
)

// fillGroup returns the singleflight group of c. Fills never cross caches.
func fillGroup(c Cache) *singleflight.Group {
	fillsMu.Lock()
	defer fillsMu.Unlock()
	g, ok := fills[c]
	if !ok {
		g = new(singleflight.Group)
		fills[c] = g
	}
	return g
}

// GetOrSet returns the cached value of key, or computes it with fn and
// stores it for ttl. Concurrent misses for the same key share one fn call.
func GetOrSet(ctx context.Context, c Cache, key string, ttl time.Duration, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if b, err := c.Get(ctx, key); err == nil {
		return b, nil
	} else if !errors.Is(err, ErrMiss) {
		return nil, err
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}

	v, err, _ := fillGroup(c).Do(key, func() (any, error) {
		b, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, b, ttl); err != nil {
			return nil, fmt.Errorf("cache fill %s: %w", key, err)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// GetJSON decodes the cached value of key into dst.
func GetJSON(ctx context.Context, c Cache, key string, dst any) error {
	b, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// SetJSON stores v encoded as JSON.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, b, ttl)
}
