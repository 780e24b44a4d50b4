// Package composer executes video composition tasks: it validates and
// fetches the source videos, concatenates them with ffmpeg and stores the
// result, reporting progress to the task manager throughout.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/daoistvideo/platform/internal/domain/videos"
	"github.com/daoistvideo/platform/internal/mediastore"
	"github.com/daoistvideo/platform/internal/observability"
	"github.com/daoistvideo/platform/internal/taskmanager"
)

const defaultStepDelay = 500 * time.Millisecond

var errNotEnoughVideos = errors.New("not enough valid videos, at least 2 are required")

// VideoSource resolves the videos of a task.
type VideoSource interface {
	Lookup(ctx context.Context, ids []string) ([]videos.Video, error)
}

// Store reads source videos and writes the composed output.
type Store interface {
	Stat(ctx context.Context, key string) (mediastore.Info, error)
	Fetch(ctx context.Context, key, dst string) error
	PutFile(ctx context.Context, key, localPath, contentType string) error
	Delete(ctx context.Context, key string) error
}

// Concatenator joins local video files.
type Concatenator interface {
	Available() bool
	Concat(ctx context.Context, inputs []string, output string) error
}

// Options configures a Composer.
type Options struct {
	Manager *taskmanager.Manager
	Videos  VideoSource
	Store   Store
	Tools   Concatenator
	TempDir string
	// StepDelay paces the simulated composition used when ffmpeg is missing.
	StepDelay time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Composer runs composition tasks. Run has the taskmanager.Executor
// signature.
type Composer struct {
	manager   *taskmanager.Manager
	videos    VideoSource
	store     Store
	tools     Concatenator
	tempDir   string
	stepDelay time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a Composer.
func New(opts Options) *Composer {
	c := &Composer{
		manager:   opts.Manager,
		videos:    opts.Videos,
		store:     opts.Store,
		tools:     opts.Tools,
		tempDir:   opts.TempDir,
		stepDelay: opts.StepDelay,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if c.stepDelay <= 0 {
		c.stepDelay = defaultStepDelay
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "composer")
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Run composes the videos of taskID. A cancelled task returns
// context.Canceled; every other failure is reported as
// "video composition failed: ...".
func (c *Composer) Run(ctx context.Context, taskID string) (err error) {
	ctx, span := observability.StartSpan(ctx, "composition.run", attribute.String("task.id", taskID))
	defer func() {
		if err != nil && !errors.Is(err, context.Canceled) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	err = c.run(ctx, taskID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || c.manager.IsCancelled(taskID):
		c.logger.Info("composition cancelled", "task_id", taskID)
		return context.Canceled
	default:
		msg := fmt.Sprintf("video composition failed: %v", err)
		c.manager.UpdateProgress(taskID, taskmanager.Update{Status: taskmanager.StatusFailed, ErrorMessage: msg})
		return errors.New(msg)
	}
}

func (c *Composer) run(ctx context.Context, taskID string) error {
	info, ok := c.manager.Task(taskID)
	if !ok {
		return fmt.Errorf("task %s is not registered", taskID)
	}

	vids, err := c.activeVideos(ctx, taskID, info.VideoIDs)
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp(c.tempDir, "compose-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			c.logger.Warn("remove work dir failed", "task_id", taskID, "path", workDir, "err", err)
		}
	}()

	if err := c.validate(ctx, taskID, vids); err != nil {
		return err
	}

	now := c.now()
	name := fmt.Sprintf("composed_%s.mp4", now.Format("20060102_150405"))
	local := filepath.Join(workDir, name)

	if c.tools != nil && c.tools.Available() {
		err = c.compose(ctx, taskID, vids, workDir, local)
	} else {
		c.logger.Warn("ffmpeg unavailable, using simulated composition", "task_id", taskID)
		local, err = c.simulate(ctx, taskID, vids, local)
	}
	if err != nil {
		return err
	}

	if err := c.checkCancel(ctx, taskID); err != nil {
		return err
	}
	key := path.Join("composed", now.Format("2006/01/02"), filepath.Base(local))
	c.progress(taskID, 95, "storing composed video")
	if err := c.store.PutFile(ctx, key, local, contentType(local)); err != nil {
		return fmt.Errorf("store output: %w", err)
	}

	if err := c.checkCancel(ctx, taskID); err != nil {
		if derr := c.store.Delete(context.WithoutCancel(ctx), key); derr != nil && !errors.Is(derr, mediastore.ErrNotFound) {
			c.logger.Warn("remove output of cancelled task failed", "task_id", taskID, "path", key, "err", derr)
		}
		return err
	}

	c.manager.UpdateProgress(taskID, taskmanager.Update{
		Progress:   100,
		Status:     taskmanager.StatusCompleted,
		OutputFile: key,
	})
	c.logger.Info("composition finished", "task_id", taskID, "path", key, "video_count", len(vids))
	return nil
}

// activeVideos keeps the requested order and drops missing or inactive
// videos.
func (c *Composer) activeVideos(ctx context.Context, taskID string, ids []string) ([]videos.Video, error) {
	found, err := c.videos.Lookup(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load videos: %w", err)
	}
	byID := make(map[string]videos.Video, len(found))
	for _, v := range found {
		byID[v.ID] = v
	}
	out := make([]videos.Video, 0, len(ids))
	for _, id := range ids {
		v, ok := byID[id]
		if !ok || !v.IsActive {
			c.logger.Warn("video missing or inactive", "task_id", taskID, "video_id", id)
			continue
		}
		out = append(out, v)
	}
	if len(out) < 2 {
		return nil, errNotEnoughVideos
	}
	return out, nil
}

func (c *Composer) validate(ctx context.Context, taskID string, vids []videos.Video) error {
	c.manager.UpdateProgress(taskID, taskmanager.Update{
		Progress: 0,
		Status:   taskmanager.StatusProcessing,
		Stage:    "validating video files",
	})
	for i, v := range vids {
		if err := c.checkCancel(ctx, taskID); err != nil {
			return err
		}
		c.progress(taskID, i*30/len(vids), fmt.Sprintf("validating video files (%d/%d): %s", i+1, len(vids), v.Title))
		if _, err := c.store.Stat(ctx, v.FilePath); err != nil {
			c.logger.Warn("video file not available", "task_id", taskID, "video_id", v.ID, "path", v.FilePath, "err", err)
		}
	}
	c.progress(taskID, 30, "validation finished, preparing composition")
	return nil
}

func (c *Composer) compose(ctx context.Context, taskID string, vids []videos.Video, workDir, output string) error {
	inputs := make([]string, 0, len(vids))
	for i, v := range vids {
		if err := c.checkCancel(ctx, taskID); err != nil {
			return err
		}
		c.progress(taskID, 30+i*30/len(vids), fmt.Sprintf("fetching video segments (%d/%d): %s", i+1, len(vids), v.Title))

		dst := filepath.Join(workDir, fmt.Sprintf("input_%02d%s", i, path.Ext(v.FilePath)))
		if err := c.store.Fetch(ctx, v.FilePath, dst); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("fetch video failed", "task_id", taskID, "video_id", v.ID, "err", err)
			continue
		}
		inputs = append(inputs, dst)
	}
	if len(inputs) == 0 {
		return errors.New("no valid video files to compose")
	}

	if err := c.checkCancel(ctx, taskID); err != nil {
		return err
	}
	c.progress(taskID, 70, "concatenating video segments")
	if err := c.tools.Concat(ctx, inputs, output); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	c.progress(taskID, 90, "writing composed video")
	return nil
}

var simulatedStages = []struct {
	progress int
	stage    string
}{
	{30, "initialising composition environment"},
	{40, "analysing video formats"},
	{50, "processing video encoding"},
	{60, "merging audio tracks"},
	{70, "merging video tracks"},
	{80, "optimising output quality"},
	{90, "generating final file"},
}

// simulate walks the composition stages without ffmpeg and copies the first
// video as output. When even that is impossible it writes a text placeholder
// and returns its path instead of output.
func (c *Composer) simulate(ctx context.Context, taskID string, vids []videos.Video, output string) (string, error) {
	for _, s := range simulatedStages {
		if err := c.checkCancel(ctx, taskID); err != nil {
			return "", err
		}
		c.progress(taskID, s.progress, s.stage)

		timer := time.NewTimer(c.stepDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	if err := c.store.Fetch(ctx, vids[0].FilePath, output); err == nil {
		return output, nil
	} else if ctx.Err() != nil {
		return "", ctx.Err()
	} else {
		c.logger.Warn("copy first video failed, writing placeholder", "task_id", taskID, "err", err)
	}

	placeholder := strings.TrimSuffix(output, ".mp4") + "_mock.txt"
	var b strings.Builder
	fmt.Fprintf(&b, "simulated composition\ntask: %s\ncomposed at: %s\n", taskID, c.now().Format(time.RFC3339))
	for i, v := range vids {
		fmt.Fprintf(&b, "%d. %s\n", i+1, v.Title)
	}
	if err := os.WriteFile(placeholder, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write placeholder: %w", err)
	}
	return placeholder, nil
}

func (c *Composer) progress(taskID string, p int, stage string) {
	u := taskmanager.Update{Progress: p, Stage: stage}
	if eta, ok := c.manager.EstimateRemaining(taskID); ok {
		u.ETA = &eta
	}
	c.manager.UpdateProgress(taskID, u)
}

func (c *Composer) checkCancel(ctx context.Context, taskID string) error {
	if ctx.Err() != nil || c.manager.IsCancelled(taskID) {
		return context.Canceled
	}
	return nil
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".txt") {
		return "text/plain; charset=utf-8"
	}
	return "video/mp4"
}
