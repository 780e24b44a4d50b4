// Package compositions persists video composition tasks and exposes the
// user-facing operations around them. Execution state lives in the
// taskmanager; the records here mirror it.
package compositions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/daoistvideo/platform/internal/taskmanager"
)

var (
	ErrNotImplemented = errors.New("compositions repository: not implemented")
	ErrNotFound       = errors.New("composition task not found")
	ErrValidation     = errors.New("invalid composition request")
	ErrTooFewVideos   = errors.New("at least 2 videos are required for composition")
	ErrNotCancellable = errors.New("composition task cannot be cancelled")
	ErrNotReady       = errors.New("composition is not completed")
	ErrOutputMissing  = errors.New("composition output file does not exist")
)

const (
	minVideos = 2
	maxVideos = 20

	CancelledByUser = "cancelled by user"
	TimedOut        = "task timed out"
)

// NotCancellableError carries the status that prevented cancellation.
type NotCancellableError struct {
	Status taskmanager.Status
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("composition task is %s and cannot be cancelled", e.Status)
}

func (e *NotCancellableError) Is(target error) bool { return target == ErrNotCancellable }

// Selection is one source video of a composition, in order.
type Selection struct {
	VideoID       string
	OrderIndex    int
	VideoTitle    string
	VideoDuration float64
}

// Task is the persisted record of a composition. ID is the task id issued by
// the task manager.
type Task struct {
	ID             string
	UserID         string
	Status         taskmanager.Status
	Progress       int
	OutputFilename string
	OutputFile     string
	TotalDuration  float64
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ErrorMessage   string
	Selections     []Selection
}

// VideoIDs returns the selected video ids in composition order.
func (t Task) VideoIDs() []string {
	ids := make([]string, len(t.Selections))
	for i, s := range t.Selections {
		ids[i] = s.VideoID
	}
	return ids
}

// Downloadable reports whether the output can be served.
func (t Task) Downloadable() bool {
	return t.Status == taskmanager.StatusCompleted && t.OutputFile != ""
}

// StateUpdate mirrors task manager state onto a record. Empty strings and
// nil times leave the stored values unchanged.
type StateUpdate struct {
	Status       taskmanager.Status
	Progress     int
	OutputFile   string
	ErrorMessage string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Stats summarises composition outcomes.
type Stats struct {
	Total      int
	Successful int
	Failed     int
	Recent     int
}

// SuccessRate is the share of successful tasks in percent.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.Total) * 100
}

// Repository persists composition records.
type Repository interface {
	Create(ctx context.Context, task Task) (Task, error)
	FindByID(ctx context.Context, id string) (Task, error)
	ListByUser(ctx context.Context, userID string) ([]Task, error)
	// UpdateState applies u unless the record is already terminal. Progress
	// never decreases and a processing record never returns to pending.
	UpdateState(ctx context.Context, id string, u StateUpdate) error
	ListFinishedBefore(ctx context.Context, before time.Time) ([]Task, error)
	ListProcessingStartedBefore(ctx context.Context, before time.Time) ([]Task, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context, recentSince time.Time) (Stats, error)
}

// NullRepository returns ErrNotImplemented for all operations.
type NullRepository struct{}

func (NullRepository) Create(context.Context, Task) (Task, error)     { return Task{}, ErrNotImplemented }
func (NullRepository) FindByID(context.Context, string) (Task, error) { return Task{}, ErrNotImplemented }
func (NullRepository) ListByUser(context.Context, string) ([]Task, error) {
	return nil, ErrNotImplemented
}
func (NullRepository) UpdateState(context.Context, string, StateUpdate) error {
	return ErrNotImplemented
}
func (NullRepository) ListFinishedBefore(context.Context, time.Time) ([]Task, error) {
	return nil, ErrNotImplemented
}
func (NullRepository) ListProcessingStartedBefore(context.Context, time.Time) ([]Task, error) {
	return nil, ErrNotImplemented
}
func (NullRepository) Delete(context.Context, string) error { return ErrNotImplemented }
func (NullRepository) Stats(context.Context, time.Time) (Stats, error) {
	return Stats{}, ErrNotImplemented
}

// AllowedTransition reports whether a stored record in status from may move
// to status to.
func AllowedTransition(from, to taskmanager.Status) bool {
	if from.Terminal() {
		return false
	}
	if from == taskmanager.StatusProcessing && to == taskmanager.StatusPending {
		return false
	}
	return true
}
