package videos

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/daoistvideo/platform/internal/cache"
)

const (
	detailTTL     = 10 * time.Minute
	listTTL       = 5 * time.Minute
	statsTTL      = time.Minute
	categoriesTTL = time.Hour

	detailPrefix  = "video:detail:"
	listGenKey    = "video:list:gen"
	statsKey      = "video:stats"
	categoriesKey = "system:categories"
)

func detailKey(id string) string { return detailPrefix + id }

// listKey names a listing under the current list generation. Bumping the
// generation retires every cached page at once.
func (s *service) listKey(ctx context.Context, filter ListFilter) (string, error) {
	gen, err := s.cache.Increment(ctx, listGenKey, 0, 0)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(raw)
	return fmt.Sprintf("video:list:%d:%s", gen, hex.EncodeToString(sum[:8])), nil
}

// cachedDetail returns the cached video, or false on a miss or cache fault.
func (s *service) cachedDetail(ctx context.Context, id string) (Video, bool) {
	var v Video
	err := cache.GetJSON(ctx, s.cache, detailKey(id), &v)
	if err == nil {
		return v, true
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn("video cache read failed", "video_id", id, "err", err)
	}
	return Video{}, false
}

func (s *service) storeDetail(ctx context.Context, v Video) {
	if err := cache.SetJSON(ctx, s.cache, detailKey(v.ID), v, detailTTL); err != nil {
		s.logger.Warn("video cache write failed", "video_id", v.ID, "err", err)
	}
}

// invalidate drops the cached details of ids, the catalogue stats and every
// cached listing.
func (s *service) invalidate(ctx context.Context, ids ...string) {
	if s.cache == nil {
		return
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, detailKey(id))
	}
	keys = append(keys, statsKey)
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("video cache invalidation failed", "videos", len(ids), "err", err)
	}
	if _, err := s.cache.Increment(ctx, listGenKey, 1, 0); err != nil {
		s.logger.Warn("video list cache invalidation failed", "err", err)
	}
}

// lookupCached serves what it can from the detail cache and loads the rest,
// keeping the requested order.
func (s *service) lookupCached(ctx context.Context, ids []string) ([]Video, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = detailKey(id)
	}
	hits, err := s.cache.GetMany(ctx, keys)
	if err != nil {
		s.logger.Warn("video cache read failed", "videos", len(ids), "err", err)
		hits = nil
	}

	found := make(map[string]Video, len(ids))
	var missing []string
	for _, id := range ids {
		if _, ok := found[id]; ok {
			continue
		}
		if b, ok := hits[detailKey(id)]; ok {
			var v Video
			if json.Unmarshal(b, &v) == nil {
				found[id] = v
				continue
			}
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		loaded, err := s.repo.FindByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, v := range loaded {
			found[v.ID] = v
			s.storeDetail(ctx, v)
		}
	}

	out := make([]Video, 0, len(ids))
	for _, id := range ids {
		if v, ok := found[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// cached decodes key, filling it with fn on a miss. Cache faults fall back
// to fn; errors from fn are returned as they are.
func cached[T any](ctx context.Context, s *service, key string, ttl time.Duration, fn func() (T, error)) (T, error) {
	b, err := cache.GetOrSet(ctx, s.cache, key, ttl, func(context.Context) ([]byte, error) {
		v, err := fn()
		if err != nil {
			return nil, &fillError{err: err}
		}
		return json.Marshal(v)
	})
	var fe *fillError
	switch {
	case errors.As(err, &fe):
		var zero T
		return zero, fe.err
	case err == nil:
		var v T
		if json.Unmarshal(b, &v) == nil {
			return v, nil
		}
	default:
		s.logger.Warn("video cache unavailable", "key", key, "err", err)
	}
	return fn()
}

// fillError marks a failure of the underlying source, not of the cache.
type fillError struct{ err error }

func (e *fillError) Error() string { return e.err.Error() }
func (e *fillError) Unwrap() error { return e.err }
