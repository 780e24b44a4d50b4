// Package taskmanager tracks in-process background tasks: registration,
// state transitions, progress reporting, cancellation and cleanup.
//
// A task moves pending -> processing -> completed | failed | cancelled.
// Pending and processing tasks may be cancelled. Terminal states are final.
package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Stage descriptions set automatically on terminal transitions.
const (
	StageCompleted = "task completed"
	StageFailed    = "task failed"
	StageCancelled = "task cancelled"
	StageQueued    = "waiting for a free worker"
)

// TaskInfo is a snapshot of a registered task.
type TaskInfo struct {
	ID           string
	Status       Status
	Progress     int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	OutputFile   string
	UserID       string
	VideoIDs     []string
}

// ProgressInfo is the client-facing view of a task's progress.
type ProgressInfo struct {
	TaskID                 string
	Status                 Status
	Progress               int
	OutputFile             string
	ErrorMessage           string
	CreatedAt              time.Time
	StartedAt              *time.Time
	CompletedAt            *time.Time
	CurrentStage           string
	EstimatedTimeRemaining *int
}

// Update describes a progress report. Zero-valued optional fields leave the
// stored value unchanged.
type Update struct {
	Progress     int
	Status       Status
	OutputFile   string
	ErrorMessage string
	Stage        string
	ETA          *int
}

// CancelResult mirrors the outcome of a cancellation request.
type CancelResult struct {
	Success bool
	Message string
}

// Executor performs the work of a task. The context is cancelled when the
// task is cancelled or the manager shuts down.
type Executor func(ctx context.Context, taskID string) error

// Observer is notified with a progress snapshot after every state or
// progress change. It runs outside the manager lock.
type Observer func(ProgressInfo)

// Options configures a Manager.
type Options struct {
	Logger *slog.Logger
	// MaxConcurrent bounds the number of executors running at once. Zero
	// means unlimited.
	MaxConcurrent int64
	Observer      Observer
	Now           func() time.Time
}

type task struct {
	info     TaskInfo
	progress ProgressInfo
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// Manager is a concurrency-safe registry of tasks and their progress.
type Manager struct {
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	sem      *semaphore.Weighted

	mu       sync.Mutex
	tasks    map[string]*task
	closing  bool
	wg       sync.WaitGroup
	baseCtx  context.Context
	stopBase context.CancelFunc
}

// New constructs a Manager.
func New(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var sem *semaphore.Weighted
	if opts.MaxConcurrent > 0 {
		sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		logger:   log.With("component", "taskmanager"),
		observer: opts.Observer,
		now:      now,
		sem:      sem,
		tasks:    make(map[string]*task),
		baseCtx:  base,
		stopBase: stop,
	}
}

// Register creates a pending task and returns its id.
func (m *Manager) Register(userID string, videoIDs []string) string {
	id := uuid.NewString()
	now := m.now()

	ctx, cancel := context.WithCancel(m.baseCtx)
	ids := append([]string(nil), videoIDs...)

	m.mu.Lock()
	t := &task{
		info: TaskInfo{
			ID:        id,
			Status:    StatusPending,
			CreatedAt: now,
			UserID:    userID,
			VideoIDs:  ids,
		},
		progress: ProgressInfo{
			TaskID:    id,
			Status:    StatusPending,
			CreatedAt: now,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	m.tasks[id] = t
	snapshot := t.progress
	m.mu.Unlock()

	m.logger.Info("task registered", "task_id", id, "user_id", userID, "video_count", len(ids))
	m.notify(snapshot)
	return id
}

// Start moves a pending task to processing and runs exec in its own
// goroutine.
func (m *Manager) Start(taskID string, exec Executor) error {
	if exec == nil {
		return errors.New("task executor is required")
	}

	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if m.closing {
		m.mu.Unlock()
		return fmt.Errorf("%w: manager is shutting down", ErrInvalidTransition)
	}
	if t.info.Status != StatusPending {
		status := t.info.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, taskID, status)
	}

	now := m.now()
	t.info.Status = StatusProcessing
	t.info.StartedAt = &now
	m.applyLocked(t, Update{Progress: 0, Status: StatusProcessing})
	t.done = make(chan struct{})
	snapshot := t.progress
	ctx, cancel, done := t.ctx, t.cancel, t.done
	m.wg.Add(1)
	m.mu.Unlock()

	m.notify(snapshot)
	m.logger.Info("task started", "task_id", taskID)

	go m.run(ctx, cancel, taskID, exec, done)
	return nil
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, taskID string, exec Executor, done chan struct{}) {
	defer m.wg.Done()
	defer close(done)
	defer cancel()

	err := m.execute(ctx, taskID, exec)
	m.finish(taskID, err)
}

func (m *Manager) execute(ctx context.Context, taskID string, exec Executor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("task executor panicked", "task_id", taskID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()

	if m.sem != nil {
		if !m.sem.TryAcquire(1) {
			m.UpdateProgress(taskID, Update{Stage: StageQueued})
			if err := m.sem.Acquire(ctx, 1); err != nil {
				return err
			}
		}
		defer m.sem.Release(1)
	}

	if m.IsCancelled(taskID) {
		return context.Canceled
	}
	return exec(ctx, taskID)
}

// finish settles a task whose executor has returned without reaching a
// terminal state.
func (m *Manager) finish(taskID string, execErr error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.info.Status.Terminal() {
		m.mu.Unlock()
		return
	}

	u := Update{Progress: 100, Status: StatusCompleted}
	if execErr != nil {
		msg := execErr.Error()
		if m.closing && errors.Is(execErr, context.Canceled) {
			msg = "server shutting down"
		}
		u = Update{Progress: t.info.Progress, Status: StatusFailed, ErrorMessage: msg}
	}
	m.applyLocked(t, u)
	snapshot := t.progress
	m.mu.Unlock()

	if execErr != nil {
		m.logger.Error("task failed", "task_id", taskID, "err", execErr)
	} else {
		m.logger.Info("task completed", "task_id", taskID)
	}
	m.notify(snapshot)
}

// Cancel cancels a pending or processing task.
func (m *Manager) Cancel(taskID string) CancelResult {
	return m.CancelWithReason(taskID, "")
}

// CancelWithReason cancels a pending or processing task and records reason as
// its error message.
func (m *Manager) CancelWithReason(taskID, reason string) CancelResult {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return CancelResult{Message: fmt.Sprintf("task not found: %s", taskID)}
	}
	if t.info.Status != StatusPending && t.info.Status != StatusProcessing {
		status := t.info.Status
		m.mu.Unlock()
		return CancelResult{Message: fmt.Sprintf("task is %s and cannot be cancelled", status)}
	}

	t.cancel()
	m.applyLocked(t, Update{Progress: t.info.Progress, Status: StatusCancelled, ErrorMessage: reason})
	snapshot := t.progress
	m.mu.Unlock()

	m.logger.Info("task cancelled", "task_id", taskID)
	m.notify(snapshot)
	return CancelResult{Success: true, Message: "task cancelled"}
}

// Fail stops a pending or processing task and marks it failed with reason.
// It reports whether the task was stopped.
func (m *Manager) Fail(taskID, reason string) bool {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok || t.info.Status.Terminal() {
		m.mu.Unlock()
		return false
	}

	t.cancel()
	m.applyLocked(t, Update{Progress: t.info.Progress, Status: StatusFailed, ErrorMessage: reason})
	snapshot := t.progress
	m.mu.Unlock()

	m.logger.Warn("task failed", "task_id", taskID, "reason", reason)
	m.notify(snapshot)
	return true
}

// UpdateProgress records a progress report. Progress is clamped to [0,100]
// and never decreases. Status changes after a terminal state are ignored, as
// are reports that move a task backwards or past Start.
func (m *Manager) UpdateProgress(taskID string, u Update) {
	if u.Status != "" && !u.Status.Valid() {
		m.logger.Warn("ignoring invalid task status", "task_id", taskID, "status", u.Status)
		u.Status = ""
	}

	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("progress update for unknown task", "task_id", taskID)
		return
	}
	if t.info.Status.Terminal() {
		status := t.info.Status
		m.mu.Unlock()
		m.logger.Debug("progress update after terminal state ignored", "task_id", taskID, "status", status)
		return
	}
	if u.Status != "" && !reportable(t.info.Status, u.Status) {
		from := t.info.Status
		m.mu.Unlock()
		m.logger.Warn("ignoring task status change", "task_id", taskID, "from", from, "to", u.Status)
		return
	}
	m.applyLocked(t, u)
	snapshot := t.progress
	m.mu.Unlock()

	m.notify(snapshot)
}

// reportable reports whether a progress update may move a task from one
// status to another. Pending tasks only leave pending through Start, Cancel
// or Fail.
func reportable(from, to Status) bool {
	if from == to {
		return true
	}
	return from == StatusProcessing && to.Terminal()
}

// applyLocked updates both the task and its progress entry. m.mu must be held.
func (m *Manager) applyLocked(t *task, u Update) {
	progress := clamp(u.Progress)
	if progress < t.info.Progress {
		m.logger.Debug("progress regression blocked", "task_id", t.info.ID, "from", t.info.Progress, "to", progress)
		progress = t.info.Progress
	}
	if u.Status == StatusCompleted {
		progress = 100
	}

	now := m.now()
	t.info.Progress = progress
	t.progress.Progress = progress

	if u.Status != "" {
		t.info.Status = u.Status
		t.progress.Status = u.Status
	}
	if u.OutputFile != "" {
		t.info.OutputFile = u.OutputFile
		t.progress.OutputFile = u.OutputFile
	}
	if u.ErrorMessage != "" {
		t.info.ErrorMessage = u.ErrorMessage
		t.progress.ErrorMessage = u.ErrorMessage
	}
	if u.Stage != "" {
		t.progress.CurrentStage = u.Stage
	}
	if u.ETA != nil {
		eta := *u.ETA
		t.progress.EstimatedTimeRemaining = &eta
	}

	switch {
	case u.Status == StatusProcessing:
		if t.info.StartedAt == nil {
			t.info.StartedAt = &now
		}
		if t.progress.StartedAt == nil {
			started := *t.info.StartedAt
			t.progress.StartedAt = &started
		}
	case u.Status.Terminal():
		t.info.CompletedAt = &now
		completed := now
		t.progress.CompletedAt = &completed
		t.progress.EstimatedTimeRemaining = nil
		t.progress.CurrentStage = terminalStage(u.Status)
	}
}

func terminalStage(s Status) string {
	switch s {
	case StatusCompleted:
		return StageCompleted
	case StatusFailed:
		return StageFailed
	default:
		return StageCancelled
	}
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Task returns a copy of the task's information.
func (m *Manager) Task(taskID string) (TaskInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return TaskInfo{}, false
	}
	return copyInfo(t.info), true
}

// Progress returns a copy of the task's progress entry.
func (m *Manager) Progress(taskID string) (ProgressInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ProgressInfo{}, false
	}
	return copyProgress(t.progress), true
}

// IsCancelled reports whether the task has been cancelled.
func (m *Manager) IsCancelled(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return false
	}
	return t.info.Status == StatusCancelled
}

// EstimateRemaining extrapolates the remaining seconds of a processing task
// from its elapsed time and progress.
func (m *Manager) EstimateRemaining(taskID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return 0, false
	}
	info := t.info
	if info.Status != StatusProcessing || info.StartedAt == nil || info.Progress <= 0 {
		return 0, false
	}
	elapsed := m.now().Sub(*info.StartedAt).Seconds()
	perPercent := elapsed / float64(info.Progress)
	return int(perPercent * float64(100-info.Progress)), true
}

// CountByStatus returns how many tracked tasks are in status.
func (m *Manager) CountByStatus(status Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.info.Status == status {
			n++
		}
	}
	return n
}

// All returns copies of every tracked task keyed by id.
func (m *Manager) All() map[string]TaskInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]TaskInfo, len(m.tasks))
	for id, t := range m.tasks {
		out[id] = copyInfo(t.info)
	}
	return out
}

// Cleanup forgets a task. A still-running executor is left to finish on its
// own; its later updates are ignored.
func (m *Manager) Cleanup(taskID string) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if ok {
		delete(m.tasks, taskID)
		if t.done == nil {
			t.cancel()
		}
	}
	m.mu.Unlock()

	if ok {
		m.logger.Debug("task cleaned up", "task_id", taskID)
	}
}

// Wait blocks until the task's executor has exited or timeout elapses. It
// returns true when the executor is done or was never started.
func (m *Manager) Wait(taskID string, timeout time.Duration) bool {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	var done chan struct{}
	if ok {
		done = t.done
	}
	m.mu.Unlock()

	if done == nil {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Shutdown cancels every running executor and waits for them to exit or for
// ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	m.stopBase()

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		m.logger.Info("task manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running tasks: %w", ctx.Err())
	}
}

func (m *Manager) notify(p ProgressInfo) {
	if m.observer == nil {
		return
	}
	m.observer(copyProgress(p))
}

func copyInfo(in TaskInfo) TaskInfo {
	out := in
	out.VideoIDs = append([]string(nil), in.VideoIDs...)
	out.StartedAt = copyTime(in.StartedAt)
	out.CompletedAt = copyTime(in.CompletedAt)
	return out
}

func copyProgress(in ProgressInfo) ProgressInfo {
	out := in
	out.StartedAt = copyTime(in.StartedAt)
	out.CompletedAt = copyTime(in.CompletedAt)
	if in.EstimatedTimeRemaining != nil {
		eta := *in.EstimatedTimeRemaining
		out.EstimatedTimeRemaining = &eta
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
