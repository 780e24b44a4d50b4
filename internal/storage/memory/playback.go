package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/daoistvideo/platform/internal/domain/playback"
)

// PlaybackRepository implements playback.Repository in-memory.
type PlaybackRepository struct {
	mu      sync.RWMutex
	history map[playback.Key]playback.History
}

// NewPlaybackRepository returns an initialized in-memory repository.
func NewPlaybackRepository() *PlaybackRepository {
	return &PlaybackRepository{history: make(map[playback.Key]playback.History)}
}

func (r *PlaybackRepository) Find(_ context.Context, key playback.Key) (playback.History, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.history[key]
	if !ok {
		return playback.History{}, playback.ErrNotFound
	}
	return h, nil
}

func (r *PlaybackRepository) Save(_ context.Context, h playback.History) (playback.History, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := playback.Key{UserID: h.UserID, VideoID: h.VideoID, SessionID: h.SessionID}
	now := nowUTC()
	if existing, ok := r.history[key]; ok {
		h.ID = existing.ID
		h.StartedAt = existing.StartedAt
	}
	if h.ID == "" {
		h.ID = newID()
	}
	if h.StartedAt.IsZero() {
		h.StartedAt = now
	}
	h.UpdatedAt = now
	r.history[key] = h
	return h, nil
}

// ListByUser returns a user's sessions, most recently updated first.
func (r *PlaybackRepository) ListByUser(_ context.Context, userID, videoID string, limit int) ([]playback.History, error) {
	r.mu.RLock()
	out := make([]playback.History, 0)
	for _, h := range r.history {
		if h.UserID != userID {
			continue
		}
		if videoID != "" && h.VideoID != videoID {
			continue
		}
		out = append(out, h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *PlaybackRepository) Stats(_ context.Context, activeSince time.Time) (playback.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s playback.Stats
	var sum float64
	active := make(map[string]struct{})
	for _, h := range r.history {
		s.Total++
		sum += h.CompletionPercentage
		if h.Completed {
			s.Completed++
		}
		if !h.UpdatedAt.Before(activeSince) {
			active[h.UserID] = struct{}{}
		}
	}
	if s.Total > 0 {
		s.AvgCompletionPercentage = sum / float64(s.Total)
	}
	s.ActiveUsers = len(active)
	return s, nil
}

var _ playback.Repository = (*PlaybackRepository)(nil)
