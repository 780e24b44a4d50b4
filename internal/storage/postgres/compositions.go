package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/daoistvideo/platform/internal/domain/compositions"
	"github.com/daoistvideo/platform/internal/taskmanager"
)

const taskColumns = `id, user_id, status, progress, output_filename, output_file, total_duration, ` +
	`created_at, started_at, completed_at, error_message`

// CompositionRepository persists composition tasks and their selections.
type CompositionRepository struct {
	db DBTX
}

// NewCompositionRepository constructs a postgres-backed composition repository.
func NewCompositionRepository(db DBTX) *CompositionRepository {
	return &CompositionRepository{db: db}
}

func scanTask(row pgx.Row) (compositions.Task, error) {
	var (
		t      compositions.Task
		status string
	)
	err := row.Scan(&t.ID, &t.UserID, &status, &t.Progress, &t.OutputFilename, &t.OutputFile,
		&t.TotalDuration, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.ErrorMessage)
	t.Status = taskmanager.Status(status)
	return t, err
}

// Create stores the task and its selections in one transaction.
func (r *CompositionRepository) Create(ctx context.Context, task compositions.Task) (compositions.Task, error) {
	const insertTask = `
        INSERT INTO composition_tasks (id, user_id, status, progress, output_filename, output_file,
                                       total_duration, created_at, started_at, completed_at, error_message)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
    `
	const insertSelection = `
        INSERT INTO composition_selections (task_id, order_index, video_id, video_title, video_duration)
        VALUES ($1,$2,$3,$4,$5)
    `
	if task.ID == "" {
		return compositions.Task{}, fmt.Errorf("%w: task id is required", compositions.ErrValidation)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = taskmanager.StatusPending
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return compositions.Task{}, fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(ctx, insertTask,
		task.ID,
		task.UserID,
		string(task.Status),
		task.Progress,
		task.OutputFilename,
		task.OutputFile,
		task.TotalDuration,
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
		task.ErrorMessage,
	); err != nil {
		_ = tx.Rollback(ctx)
		return compositions.Task{}, fmt.Errorf("insert composition task: %w", err)
	}
	for _, s := range task.Selections {
		if _, err := tx.Exec(ctx, insertSelection, task.ID, s.OrderIndex, s.VideoID, s.VideoTitle, s.VideoDuration); err != nil {
			_ = tx.Rollback(ctx)
			return compositions.Task{}, fmt.Errorf("insert composition selection: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return compositions.Task{}, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

func (r *CompositionRepository) FindByID(ctx context.Context, id string) (compositions.Task, error) {
	t, err := scanTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM composition_tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return compositions.Task{}, compositions.ErrNotFound
		}
		return compositions.Task{}, fmt.Errorf("find composition task: %w", err)
	}
	tasks := []compositions.Task{t}
	if err := r.attachSelections(ctx, tasks); err != nil {
		return compositions.Task{}, err
	}
	return tasks[0], nil
}

// ListByUser returns the user's tasks newest first.
func (r *CompositionRepository) ListByUser(ctx context.Context, userID string) ([]compositions.Task, error) {
	return r.list(ctx, `WHERE user_id = $1`, userID)
}

// UpdateState applies u in a single statement guarded against leaving a
// terminal state or moving a processing task back to pending.
func (r *CompositionRepository) UpdateState(ctx context.Context, id string, u compositions.StateUpdate) error {
	const update = `
        UPDATE composition_tasks SET
            status        = COALESCE(NULLIF($2::TEXT, ''), status),
            progress      = GREATEST(progress, $3),
            output_file   = COALESCE(NULLIF($4::TEXT, ''), output_file),
            error_message = COALESCE(NULLIF($5::TEXT, ''), error_message),
            started_at    = COALESCE(started_at, $6),
            completed_at  = COALESCE($7, completed_at)
         WHERE id = $1
           AND status NOT IN ('completed', 'failed', 'cancelled')
           AND NOT (status = 'processing' AND $2::TEXT = 'pending')
    `
	tag, err := r.db.Exec(ctx, update, id, string(u.Status), u.Progress, u.OutputFile, u.ErrorMessage, u.StartedAt, u.CompletedAt)
	if err != nil {
		return fmt.Errorf("update composition task: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM composition_tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check composition task: %w", err)
	}
	if !exists {
		return compositions.ErrNotFound
	}
	return nil
}

// ListFinishedBefore returns completed or failed tasks that finished before
// the cutoff.
func (r *CompositionRepository) ListFinishedBefore(ctx context.Context, before time.Time) ([]compositions.Task, error) {
	return r.list(ctx, `WHERE status IN ('completed', 'failed') AND completed_at < $1`, before)
}

func (r *CompositionRepository) ListProcessingStartedBefore(ctx context.Context, before time.Time) ([]compositions.Task, error) {
	return r.list(ctx, `WHERE status = 'processing' AND started_at < $1`, before)
}

func (r *CompositionRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM composition_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete composition task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return compositions.ErrNotFound
	}
	return nil
}

func (r *CompositionRepository) Stats(ctx context.Context, recentSince time.Time) (compositions.Stats, error) {
	const query = `
        SELECT COUNT(*),
               COUNT(*) FILTER (WHERE status = 'completed'),
               COUNT(*) FILTER (WHERE status = 'failed'),
               COUNT(*) FILTER (WHERE created_at >= $1)
          FROM composition_tasks
    `
	var total, ok, failed, recent int64
	if err := r.db.QueryRow(ctx, query, recentSince).Scan(&total, &ok, &failed, &recent); err != nil {
		return compositions.Stats{}, fmt.Errorf("composition stats: %w", err)
	}
	return compositions.Stats{Total: int(total), Successful: int(ok), Failed: int(failed), Recent: int(recent)}, nil
}

func (r *CompositionRepository) list(ctx context.Context, where string, args ...any) ([]compositions.Task, error) {
	rows, err := r.db.Query(ctx, `SELECT `+taskColumns+` FROM composition_tasks `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list composition tasks: %w", err)
	}
	defer rows.Close()

	out := make([]compositions.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan composition task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := r.attachSelections(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachSelections loads the selections of tasks in one query.
func (r *CompositionRepository) attachSelections(ctx context.Context, tasks []compositions.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	ids := make([]string, len(tasks))
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
		index[t.ID] = i
	}

	const query = `
        SELECT task_id, order_index, video_id, video_title, video_duration
          FROM composition_selections
         WHERE task_id = ANY($1)
         ORDER BY task_id, order_index
    `
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("list composition selections: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			taskID string
			s      compositions.Selection
		)
		if err := rows.Scan(&taskID, &s.OrderIndex, &s.VideoID, &s.VideoTitle, &s.VideoDuration); err != nil {
			return fmt.Errorf("scan composition selection: %w", err)
		}
		if i, ok := index[taskID]; ok {
			tasks[i].Selections = append(tasks[i].Selections, s)
		}
	}
	return rows.Err()
}

var _ compositions.Repository = (*CompositionRepository)(nil)
