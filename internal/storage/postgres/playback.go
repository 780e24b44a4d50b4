package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/daoistvideo/platform/internal/domain/playback"
)

const historySelect = `
        SELECT h.id, h.user_id, h.video_id, COALESCE(v.title, ''), h.session_id, h.started_at,
               h.last_position, h.duration_watched, h.completed, h.completion_percentage, h.updated_at
          FROM playback_history h
          LEFT JOIN videos v ON v.id = h.video_id
`

// PlaybackRepository persists playback sessions in Postgres.
type PlaybackRepository struct {
	db DBTX
}

// NewPlaybackRepository constructs a postgres-backed playback repository.
func NewPlaybackRepository(db DBTX) *PlaybackRepository {
	return &PlaybackRepository{db: db}
}

func scanHistory(row pgx.Row) (playback.History, error) {
	var h playback.History
	err := row.Scan(&h.ID, &h.UserID, &h.VideoID, &h.VideoTitle, &h.SessionID, &h.StartedAt,
		&h.LastPosition, &h.DurationWatched, &h.Completed, &h.CompletionPercentage, &h.UpdatedAt)
	return h, err
}

func (r *PlaybackRepository) Find(ctx context.Context, key playback.Key) (playback.History, error) {
	h, err := scanHistory(r.db.QueryRow(ctx,
		historySelect+` WHERE h.user_id = $1 AND h.video_id = $2 AND h.session_id = $3`,
		key.UserID, key.VideoID, key.SessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return playback.History{}, playback.ErrNotFound
		}
		return playback.History{}, fmt.Errorf("find playback: %w", err)
	}
	return h, nil
}

// Save upserts the session identified by user, video and session id. The
// original id and start time are kept.
func (r *PlaybackRepository) Save(ctx context.Context, h playback.History) (playback.History, error) {
	const upsert = `
        INSERT INTO playback_history (id, user_id, video_id, session_id, started_at, last_position,
                                      duration_watched, completed, completion_percentage, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (user_id, video_id, session_id) DO UPDATE SET
            last_position         = EXCLUDED.last_position,
            duration_watched      = EXCLUDED.duration_watched,
            completed             = EXCLUDED.completed,
            completion_percentage = EXCLUDED.completion_percentage,
            updated_at            = EXCLUDED.updated_at
        RETURNING id, started_at, updated_at
    `
	now := time.Now().UTC()
	id := h.ID
	if id == "" {
		id = uuid.NewString()
	}
	started := h.StartedAt
	if started.IsZero() {
		started = now
	}

	err := r.db.QueryRow(ctx, upsert,
		id,
		h.UserID,
		h.VideoID,
		h.SessionID,
		started,
		h.LastPosition,
		h.DurationWatched,
		h.Completed,
		h.CompletionPercentage,
		now,
	).Scan(&h.ID, &h.StartedAt, &h.UpdatedAt)
	if err != nil {
		return playback.History{}, fmt.Errorf("save playback: %w", err)
	}
	return h, nil
}

// ListByUser returns a user's sessions, most recently updated first.
func (r *PlaybackRepository) ListByUser(ctx context.Context, userID, videoID string, limit int) ([]playback.History, error) {
	query := historySelect + ` WHERE h.user_id = $1`
	args := []any{userID}
	if videoID != "" {
		args = append(args, videoID)
		query += fmt.Sprintf(" AND h.video_id = $%d", len(args))
	}
	query += ` ORDER BY h.updated_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list playback: %w", err)
	}
	defer rows.Close()

	out := make([]playback.History, 0)
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan playback: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *PlaybackRepository) Stats(ctx context.Context, activeSince time.Time) (playback.Stats, error) {
	const query = `
        SELECT COUNT(*),
               COUNT(*) FILTER (WHERE completed),
               COALESCE(AVG(completion_percentage), 0)::DOUBLE PRECISION,
               COUNT(DISTINCT user_id) FILTER (WHERE updated_at >= $1)
          FROM playback_history
    `
	var total, completed, active int64
	var s playback.Stats
	if err := r.db.QueryRow(ctx, query, activeSince).Scan(&total, &completed, &s.AvgCompletionPercentage, &active); err != nil {
		return playback.Stats{}, fmt.Errorf("playback stats: %w", err)
	}
	s.Total = int(total)
	s.Completed = int(completed)
	s.ActiveUsers = int(active)
	return s, nil
}

var _ playback.Repository = (*PlaybackRepository)(nil)
