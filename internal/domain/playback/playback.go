// Package playback records how far users have watched each video.
package playback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/daoistvideo/platform/internal/domain/videos"
)

var (
	ErrNotImplemented = errors.New("playback repository: not implemented")
	ErrNotFound       = errors.New("playback history not found")
	ErrValidation     = errors.New("invalid playback data")
)

const (
	completedThreshold  = 90.0
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	activeWindow        = 30 * 24 * time.Hour
)

// History is one viewing session of a video by a user.
type History struct {
	ID                   string
	UserID               string
	VideoID              string
	VideoTitle           string
	SessionID            string
	StartedAt            time.Time
	LastPosition         float64 // seconds
	DurationWatched      float64 // seconds
	Completed            bool
	CompletionPercentage float64
	UpdatedAt            time.Time
}

// Key identifies a session record.
type Key struct {
	UserID    string
	VideoID   string
	SessionID string
}

// Stats summarises playback across all users.
type Stats struct {
	Total                   int
	Completed               int
	AvgCompletionPercentage float64
	ActiveUsers             int
}

// CompletionRate is the share of completed sessions in percent.
func (s Stats) CompletionRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total) * 100
}

// Repository persists playback history.
type Repository interface {
	Find(ctx context.Context, key Key) (History, error)
	Save(ctx context.Context, h History) (History, error)
	ListByUser(ctx context.Context, userID, videoID string, limit int) ([]History, error)
	Stats(ctx context.Context, activeSince time.Time) (Stats, error)
}

// NullRepository returns ErrNotImplemented for all operations.
type NullRepository struct{}

func (NullRepository) Find(context.Context, Key) (History, error) { return History{}, ErrNotImplemented }
func (NullRepository) Save(context.Context, History) (History, error) {
	return History{}, ErrNotImplemented
}
func (NullRepository) ListByUser(context.Context, string, string, int) ([]History, error) {
	return nil, ErrNotImplemented
}
func (NullRepository) Stats(context.Context, time.Time) (Stats, error) {
	return Stats{}, ErrNotImplemented
}

// VideoFinder resolves the video a progress report refers to.
type VideoFinder interface {
	Get(ctx context.Context, id string) (videos.Video, error)
}

// ProgressInput is a position report from the player.
type ProgressInput struct {
	CurrentTime   float64
	TotalDuration float64
	SessionID     string
}

// Progress is the stored position of a session.
type Progress struct {
	CurrentTime          float64
	CompletionPercentage float64
	Completed            bool
	LastUpdated          *time.Time
}

// Service exposes playback tracking.
type Service interface {
	UpdateProgress(ctx context.Context, userID, videoID string, input ProgressInput) (History, error)
	GetProgress(ctx context.Context, userID, videoID, sessionID string) (Progress, error)
	History(ctx context.Context, userID, videoID string, limit int) ([]History, error)
	Stats(ctx context.Context) (Stats, error)
}

type service struct {
	repo   Repository
	videos VideoFinder
	now    func() time.Time
}

// NewService builds the playback service.
func NewService(repo Repository, finder VideoFinder) Service {
	return &service{repo: repo, videos: finder, now: func() time.Time { return time.Now().UTC() }}
}

func (s *service) UpdateProgress(ctx context.Context, userID, videoID string, input ProgressInput) (History, error) {
	if input.CurrentTime < 0 || input.TotalDuration < 0 ||
		math.IsNaN(input.CurrentTime) || math.IsNaN(input.TotalDuration) {
		return History{}, fmt.Errorf("%w: current_time and total_duration must be non-negative", ErrValidation)
	}

	video, err := s.videos.Get(ctx, videoID)
	if err != nil {
		return History{}, err
	}
	if !video.IsActive {
		return History{}, videos.ErrNotFound
	}

	key := Key{UserID: userID, VideoID: videoID, SessionID: strings.TrimSpace(input.SessionID)}
	h, err := s.repo.Find(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		h = History{
			UserID:    key.UserID,
			VideoID:   key.VideoID,
			SessionID: key.SessionID,
			StartedAt: s.now(),
		}
	case err != nil:
		return History{}, err
	}

	h.VideoTitle = video.Title
	h.LastPosition = input.CurrentTime
	if input.CurrentTime > h.DurationWatched {
		h.DurationWatched = input.CurrentTime
	}
	h.CompletionPercentage = Completion(input.CurrentTime, input.TotalDuration)
	if h.CompletionPercentage >= completedThreshold {
		h.Completed = true
	}
	return s.repo.Save(ctx, h)
}

// Completion returns the watched share in percent, capped at 100.
func Completion(current, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Min(current/total*100, 100)
}

func (s *service) GetProgress(ctx context.Context, userID, videoID, sessionID string) (Progress, error) {
	h, err := s.repo.Find(ctx, Key{UserID: userID, VideoID: videoID, SessionID: strings.TrimSpace(sessionID)})
	if errors.Is(err, ErrNotFound) {
		return Progress{}, nil
	}
	if err != nil {
		return Progress{}, err
	}
	updated := h.UpdatedAt
	return Progress{
		CurrentTime:          h.LastPosition,
		CompletionPercentage: h.CompletionPercentage,
		Completed:            h.Completed,
		LastUpdated:          &updated,
	}, nil
}

func (s *service) History(ctx context.Context, userID, videoID string, limit int) ([]History, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.repo.ListByUser(ctx, userID, videoID, limit)
}

func (s *service) Stats(ctx context.Context) (Stats, error) {
	return s.repo.Stats(ctx, s.now().Add(-activeWindow))
}
