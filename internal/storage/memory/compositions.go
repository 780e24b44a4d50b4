package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/daoistvideo/platform/internal/domain/compositions"
	"github.com/daoistvideo/platform/internal/taskmanager"
)

// CompositionRepository implements compositions.Repository in-memory.
type CompositionRepository struct {
	mu    sync.RWMutex
	tasks map[string]compositions.Task
}

// NewCompositionRepository returns an initialized in-memory repository.
func NewCompositionRepository() *CompositionRepository {
	return &CompositionRepository{tasks: make(map[string]compositions.Task)}
}

func (r *CompositionRepository) Create(_ context.Context, task compositions.Task) (compositions.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = newID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = nowUTC()
	}
	if task.Status == "" {
		task.Status = taskmanager.StatusPending
	}
	task = copyTask(task)
	r.tasks[task.ID] = task
	return copyTask(task), nil
}

func (r *CompositionRepository) FindByID(_ context.Context, id string) (compositions.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return compositions.Task{}, compositions.ErrNotFound
	}
	return copyTask(t), nil
}

// ListByUser returns the user's tasks newest first.
func (r *CompositionRepository) ListByUser(_ context.Context, userID string) ([]compositions.Task, error) {
	return r.filter(func(t compositions.Task) bool { return t.UserID == userID }), nil
}

func (r *CompositionRepository) UpdateState(_ context.Context, id string, u compositions.StateUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return compositions.ErrNotFound
	}
	if u.Status != "" && !compositions.AllowedTransition(t.Status, u.Status) {
		return nil
	}
	if t.Status.Terminal() {
		return nil
	}

	if u.Status != "" {
		t.Status = u.Status
	}
	if u.Progress > t.Progress {
		t.Progress = u.Progress
	}
	if u.OutputFile != "" {
		t.OutputFile = u.OutputFile
	}
	if u.ErrorMessage != "" {
		t.ErrorMessage = u.ErrorMessage
	}
	if u.StartedAt != nil && t.StartedAt == nil {
		started := *u.StartedAt
		t.StartedAt = &started
	}
	if u.CompletedAt != nil {
		completed := *u.CompletedAt
		t.CompletedAt = &completed
	}
	r.tasks[id] = t
	return nil
}

// ListFinishedBefore returns completed or failed tasks that finished before
// the cutoff.
func (r *CompositionRepository) ListFinishedBefore(_ context.Context, before time.Time) ([]compositions.Task, error) {
	return r.filter(func(t compositions.Task) bool {
		if t.Status != taskmanager.StatusCompleted && t.Status != taskmanager.StatusFailed {
			return false
		}
		return t.CompletedAt != nil && t.CompletedAt.Before(before)
	}), nil
}

func (r *CompositionRepository) ListProcessingStartedBefore(_ context.Context, before time.Time) ([]compositions.Task, error) {
	return r.filter(func(t compositions.Task) bool {
		return t.Status == taskmanager.StatusProcessing && t.StartedAt != nil && t.StartedAt.Before(before)
	}), nil
}

func (r *CompositionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return compositions.ErrNotFound
	}
	delete(r.tasks, id)
	return nil
}

func (r *CompositionRepository) Stats(_ context.Context, recentSince time.Time) (compositions.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s compositions.Stats
	for _, t := range r.tasks {
		s.Total++
		switch t.Status {
		case taskmanager.StatusCompleted:
			s.Successful++
		case taskmanager.StatusFailed:
			s.Failed++
		}
		if !t.CreatedAt.Before(recentSince) {
			s.Recent++
		}
	}
	return s, nil
}

func (r *CompositionRepository) filter(keep func(compositions.Task) bool) []compositions.Task {
	r.mu.RLock()
	out := make([]compositions.Task, 0)
	for _, t := range r.tasks {
		if keep(t) {
			out = append(out, copyTask(t))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func copyTask(t compositions.Task) compositions.Task {
	t.Selections = append([]compositions.Selection(nil), t.Selections...)
	if t.StartedAt != nil {
		v := *t.StartedAt
		t.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		t.CompletedAt = &v
	}
	return t
}

var _ compositions.Repository = (*CompositionRepository)(nil)
