package compositions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/daoistvideo/platform/internal/domain/videos"
	"github.com/daoistvideo/platform/internal/media"
	"github.com/daoistvideo/platform/internal/mediastore"
	"github.com/daoistvideo/platform/internal/taskmanager"
)

const (
	DefaultRetention  = 7 * 24 * time.Hour
	DefaultStaleAfter = 2 * time.Hour
	recentWindow      = 7 * 24 * time.Hour
	mirrorTimeout     = 5 * time.Second
	maxFilenameLength = 255
)

// VideoLookup resolves the source videos of a composition.
type VideoLookup interface {
	Lookup(ctx context.Context, ids []string) ([]videos.Video, error)
}

// OutputStore reads and removes composed files.
type OutputStore interface {
	Stat(ctx context.Context, key string) (mediastore.Info, error)
	Open(ctx context.Context, key string) (*mediastore.Object, error)
	Delete(ctx context.Context, key string) error
}

// CreateInput is a composition request.
type CreateInput struct {
	VideoIDs       []string
	OutputFilename string
}

// OutputInfo describes the composed file of a completed task.
type OutputInfo struct {
	Filename    string
	Size        int64
	SizeMB      float64
	SizeHuman   string
	DownloadURL string
	StreamURL   string
	Exists      bool
	Error       string
}

// LiveInfo is what the task manager knows about a running task.
type LiveInfo struct {
	UserID      string
	VideoCount  int
	IsCancelled bool
}

// Detail merges the stored record with live progress.
type Detail struct {
	Task             Task
	CurrentStage     string
	ETA              *int
	ETAFormatted     string
	Output           *OutputInfo
	Live             *LiveInfo
	AvailableActions []string
}

// CleanupResult reports what CleanupOld removed.
type CleanupResult struct {
	Cleaned int
	Errors  []string
}

// Service exposes composition operations scoped to the requesting user.
type Service interface {
	Create(ctx context.Context, userID string, input CreateInput) (Task, error)
	List(ctx context.Context, userID string) ([]Task, error)
	Detail(ctx context.Context, userID, taskID string) (Detail, error)
	Cancel(ctx context.Context, userID, taskID string) (Task, error)
	OpenOutput(ctx context.Context, userID, taskID string) (*mediastore.Object, Task, error)
	CleanupOld(ctx context.Context, olderThan time.Duration) (CleanupResult, error)
	FailStale(ctx context.Context, after time.Duration) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

// Deps bundles the collaborators of the composition service.
type Deps struct {
	Manager  *taskmanager.Manager
	Videos   VideoLookup
	Files    OutputStore
	Executor taskmanager.Executor
	Logger   *slog.Logger
	Now      func() time.Time
}

type service struct {
	repo     Repository
	manager  *taskmanager.Manager
	videos   VideoLookup
	files    OutputStore
	executor taskmanager.Executor
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds the composition service.
func NewService(repo Repository, deps Deps) Service {
	s := &service{
		repo:     repo,
		manager:  deps.Manager,
		videos:   deps.Videos,
		files:    deps.Files,
		executor: deps.Executor,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

func (s *service) Create(ctx context.Context, userID string, input CreateInput) (Task, error) {
	if s.manager == nil || s.executor == nil || s.videos == nil {
		return Task{}, ErrNotImplemented
	}
	ids, err := validateVideoIDs(input.VideoIDs)
	if err != nil {
		return Task{}, err
	}
	filename, err := sanitizeFilename(input.OutputFilename)
	if err != nil {
		return Task{}, err
	}

	found, err := s.videos.Lookup(ctx, ids)
	if err != nil {
		return Task{}, fmt.Errorf("lookup videos: %w", err)
	}
	byID := make(map[string]videos.Video, len(found))
	for _, v := range found {
		byID[v.ID] = v
	}

	selections := make([]Selection, 0, len(ids))
	var total float64
	for i, id := range ids {
		v, ok := byID[id]
		if !ok || !v.IsActive {
			return Task{}, fmt.Errorf("%w: video %s does not exist or is inactive", ErrValidation, id)
		}
		selections = append(selections, Selection{
			VideoID:       id,
			OrderIndex:    i,
			VideoTitle:    v.Title,
			VideoDuration: v.Duration,
		})
		total += v.Duration
	}

	taskID := s.manager.Register(userID, ids)
	if filename == "" {
		filename = fmt.Sprintf("composed_%s.mp4", taskID[:8])
	}

	task, err := s.repo.Create(ctx, Task{
		ID:             taskID,
		UserID:         userID,
		Status:         taskmanager.StatusPending,
		OutputFilename: filename,
		TotalDuration:  total,
		CreatedAt:      s.now(),
		Selections:     selections,
	})
	if err != nil {
		s.manager.Cleanup(taskID)
		return Task{}, fmt.Errorf("persist composition task: %w", err)
	}

	if err := s.manager.Start(taskID, s.executor); err != nil {
		now := s.now()
		if uerr := s.repo.UpdateState(ctx, taskID, StateUpdate{
			Status:       taskmanager.StatusFailed,
			ErrorMessage: fmt.Sprintf("task could not be started: %v", err),
			CompletedAt:  &now,
		}); uerr != nil {
			s.logger.Error("record start failure failed", "task_id", taskID, "err", uerr)
		}
		return Task{}, fmt.Errorf("start composition task: %w", err)
	}

	s.logger.Info("composition task created", "task_id", taskID, "user_id", userID, "video_count", len(ids))
	return task, nil
}

func validateVideoIDs(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: video ids must not be empty", ErrValidation)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: video list contains duplicates", ErrValidation)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) < minVideos {
		return nil, ErrTooFewVideos
	}
	if len(ids) > maxVideos {
		return nil, fmt.Errorf("%w: at most %d videos can be composed at once", ErrValidation, maxVideos)
	}
	return ids, nil
}

// sanitizeFilename returns "" for an empty name so the caller can derive a
// default from the task id.
func sanitizeFilename(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	name := media.SafeFilename(raw)
	if name == "" {
		return "", fmt.Errorf("%w: invalid output filename", ErrValidation)
	}
	if strings.ToLower(filepath.Ext(name)) != ".mp4" {
		name += ".mp4"
	}
	if len(name) > maxFilenameLength {
		return "", fmt.Errorf("%w: output filename must be at most %d characters", ErrValidation, maxFilenameLength)
	}
	return name, nil
}

func (s *service) List(ctx context.Context, userID string) ([]Task, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *service) owned(ctx context.Context, userID, taskID string) (Task, error) {
	task, err := s.repo.FindByID(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if task.UserID != userID {
		return Task{}, ErrNotFound
	}
	return task, nil
}

func (s *service) Detail(ctx context.Context, userID, taskID string) (Detail, error) {
	task, err := s.owned(ctx, userID, taskID)
	if err != nil {
		return Detail{}, err
	}

	d := Detail{}
	if s.manager != nil {
		if p, ok := s.manager.Progress(taskID); ok {
			task.Status = p.Status
			task.Progress = p.Progress
			if p.StartedAt != nil {
				task.StartedAt = p.StartedAt
			}
			if p.CompletedAt != nil {
				task.CompletedAt = p.CompletedAt
			}
			if p.ErrorMessage != "" {
				task.ErrorMessage = p.ErrorMessage
			}
			if p.OutputFile != "" {
				task.OutputFile = p.OutputFile
			}
			d.CurrentStage = p.CurrentStage

			d.ETA = p.EstimatedTimeRemaining
			if d.ETA == nil {
				if eta, ok := s.manager.EstimateRemaining(taskID); ok {
					d.ETA = &eta
				}
			}
			if d.ETA != nil {
				d.ETAFormatted = FormatETA(*d.ETA)
			}
		}
		if info, ok := s.manager.Task(taskID); ok {
			count := len(info.VideoIDs)
			if count == 0 {
				count = len(task.Selections)
			}
			d.Live = &LiveInfo{
				UserID:      info.UserID,
				VideoCount:  count,
				IsCancelled: s.manager.IsCancelled(taskID),
			}
		}
	}
	d.Task = task

	if task.Downloadable() {
		d.Output = s.outputInfo(ctx, task)
	}

	d.AvailableActions = []string{}
	switch {
	case task.Status == taskmanager.StatusPending || task.Status == taskmanager.StatusProcessing:
		d.AvailableActions = append(d.AvailableActions, "cancel")
	case task.Downloadable():
		d.AvailableActions = append(d.AvailableActions, "download", "stream")
	}
	return d, nil
}

func (s *service) outputInfo(ctx context.Context, task Task) *OutputInfo {
	out := &OutputInfo{
		Filename:    task.OutputFilename,
		DownloadURL: fmt.Sprintf("/api/videos/composition/%s/download", task.ID),
		StreamURL:   fmt.Sprintf("/api/videos/composition/%s/stream", task.ID),
	}
	if s.files == nil {
		out.Error = "output file information unavailable"
		return out
	}
	info, err := s.files.Stat(ctx, task.OutputFile)
	switch {
	case errors.Is(err, mediastore.ErrNotFound):
	case err != nil:
		s.logger.Warn("stat composition output failed", "task_id", task.ID, "err", err)
		out.Error = "output file information unavailable"
	default:
		out.Exists = true
		out.Size = info.Size
		out.SizeMB = media.SizeMB(info.Size)
		out.SizeHuman = humanize.IBytes(uint64(info.Size))
	}
	return out
}

// FormatETA renders seconds as "45s", "2m 5s" or "1h 3m".
func FormatETA(seconds int) string {
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	default:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	}
}

func (s *service) Cancel(ctx context.Context, userID, taskID string) (Task, error) {
	task, err := s.owned(ctx, userID, taskID)
	if err != nil {
		return Task{}, err
	}
	if task.Status.Terminal() {
		return task, &NotCancellableError{Status: task.Status}
	}

	if s.manager != nil {
		res := s.manager.CancelWithReason(taskID, CancelledByUser)
		if !res.Success {
			if info, ok := s.manager.Task(taskID); ok {
				return task, &NotCancellableError{Status: info.Status}
			}
			s.logger.Warn("cancelling composition task unknown to the task manager", "task_id", taskID)
		}
	}

	now := s.now()
	if err := s.repo.UpdateState(ctx, taskID, StateUpdate{
		Status:       taskmanager.StatusCancelled,
		Progress:     task.Progress,
		ErrorMessage: CancelledByUser,
		CompletedAt:  &now,
	}); err != nil {
		return Task{}, err
	}
	s.logger.Info("composition task cancelled", "task_id", taskID, "user_id", userID)
	return s.repo.FindByID(ctx, taskID)
}

func (s *service) OpenOutput(ctx context.Context, userID, taskID string) (*mediastore.Object, Task, error) {
	task, err := s.owned(ctx, userID, taskID)
	if err != nil {
		return nil, Task{}, err
	}
	if !task.Downloadable() {
		return nil, task, ErrNotReady
	}
	if s.files == nil {
		return nil, task, ErrNotImplemented
	}
	obj, err := s.files.Open(ctx, task.OutputFile)
	if errors.Is(err, mediastore.ErrNotFound) {
		return nil, task, ErrOutputMissing
	}
	if err != nil {
		return nil, task, err
	}
	return obj, task, nil
}

func (s *service) CleanupOld(ctx context.Context, olderThan time.Duration) (CleanupResult, error) {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	tasks, err := s.repo.ListFinishedBefore(ctx, s.now().Add(-olderThan))
	if err != nil {
		return CleanupResult{}, err
	}

	res := CleanupResult{Errors: []string{}}
	for _, t := range tasks {
		if t.OutputFile != "" && s.files != nil {
			if err := s.files.Delete(ctx, t.OutputFile); err != nil && !errors.Is(err, mediastore.ErrNotFound) {
				res.Errors = append(res.Errors, fmt.Sprintf("delete output of %s: %v", t.ID, err))
				continue
			}
		}
		if err := s.repo.Delete(ctx, t.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("delete task %s: %v", t.ID, err))
			continue
		}
		if s.manager != nil {
			s.manager.Cleanup(t.ID)
		}
		res.Cleaned++
	}
	s.logger.Info("old composition tasks cleaned", "cleaned", res.Cleaned, "errors", len(res.Errors))
	return res, nil
}

func (s *service) FailStale(ctx context.Context, after time.Duration) (int, error) {
	if after <= 0 {
		after = DefaultStaleAfter
	}
	tasks, err := s.repo.ListProcessingStartedBefore(ctx, s.now().Add(-after))
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, t := range tasks {
		if s.manager != nil {
			s.manager.Fail(t.ID, TimedOut)
		}
		now := s.now()
		if err := s.repo.UpdateState(ctx, t.ID, StateUpdate{
			Status:       taskmanager.StatusFailed,
			Progress:     t.Progress,
			ErrorMessage: TimedOut,
			CompletedAt:  &now,
		}); err != nil {
			s.logger.Error("mark stale composition failed", "task_id", t.ID, "err", err)
			continue
		}
		failed++
	}
	if failed > 0 {
		s.logger.Warn("stale composition tasks failed", "count", failed)
	}
	return failed, nil
}

func (s *service) Stats(ctx context.Context) (Stats, error) {
	return s.repo.Stats(ctx, s.now().Add(-recentWindow))
}

// Mirror copies task manager snapshots onto stored records. Its Observe
// method is installed as the manager's observer.
type Mirror struct {
	repo   Repository
	logger *slog.Logger
}

// NewMirror builds a Mirror over repo.
func NewMirror(repo Repository, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{repo: repo, logger: logger}
}

// Observe persists p. Snapshots for tasks not yet stored are skipped.
func (m *Mirror) Observe(p taskmanager.ProgressInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	err := m.repo.UpdateState(ctx, p.TaskID, StateUpdate{
		Status:       p.Status,
		Progress:     p.Progress,
		OutputFile:   p.OutputFile,
		ErrorMessage: p.ErrorMessage,
		StartedAt:    p.StartedAt,
		CompletedAt:  p.CompletedAt,
	})
	switch {
	case errors.Is(err, ErrNotFound):
		m.logger.Debug("task snapshot for unsaved record skipped", "task_id", p.TaskID)
	case err != nil:
		m.logger.Error("mirror task state failed", "task_id", p.TaskID, "status", p.Status, "err", err)
	}
}
