package composer_test

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/daoistvideo/platform/internal/composer"
	"github.com/daoistvideo/platform/internal/domain/videos"
	"github.com/daoistvideo/platform/internal/logger"
	"github.com/daoistvideo/platform/internal/mediastore"
	memstore "github.com/daoistvideo/platform/internal/storage/memory"
	"github.com/daoistvideo/platform/internal/taskmanager"
)

type fakeTools struct {
	available bool
	block     bool
	err       error
	started   chan struct{}
}

func (f *fakeTools) Available() bool { return f.available }

func (f *fakeTools) Concat(ctx context.Context, inputs []string, output string) error {
	if f.started != nil {
		close(f.started)
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	var joined []byte
	for _, in := range inputs {
		b, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		joined = append(joined, b...)
	}
	return os.WriteFile(output, joined, 0o644)
}

type fixture struct {
	manager *taskmanager.Manager
	store   *mediastore.Local
	videos  videos.Service
	ids     []string
}

func newFixture(t *testing.T, contents ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := mediastore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	repo := memstore.NewVideoRepository()
	f := &fixture{
		manager: taskmanager.New(taskmanager.Options{Logger: logger.Discard()}),
		store:   store,
		videos:  videos.NewService(repo, videos.Deps{}),
	}
	for i, content := range contents {
		key := "videos/2024/01/clip" + string(rune('a'+i)) + ".mp4"
		if err := store.Put(ctx, key, strings.NewReader(content), int64(len(content)), "video/mp4"); err != nil {
			t.Fatal(err)
		}
		v, err := repo.Save(ctx, videos.Video{Title: "clip " + content, FilePath: key, IsActive: true})
		if err != nil {
			t.Fatal(err)
		}
		f.ids = append(f.ids, v.ID)
	}
	return f
}

func (f *fixture) composer(t *testing.T, tools composer.Concatenator) *composer.Composer {
	return composer.New(composer.Options{
		Manager:   f.manager,
		Videos:    f.videos,
		Store:     f.store,
		Tools:     tools,
		TempDir:   t.TempDir(),
		StepDelay: time.Millisecond,
		Logger:    logger.Discard(),
	})
}

func (f *fixture) run(t *testing.T, c *composer.Composer, ids []string) string {
	t.Helper()
	id := f.manager.Register("user-1", ids)
	if err := f.manager.Start(id, c.Run); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return id
}

func (f *fixture) wait(t *testing.T, id string) taskmanager.TaskInfo {
	t.Helper()
	if !f.manager.Wait(id, 5*time.Second) {
		t.Fatalf("task %s did not finish", id)
	}
	info, _ := f.manager.Task(id)
	return info
}

func (f *fixture) read(t *testing.T, key string) string {
	t.Helper()
	obj, err := f.store.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("open %s: %v", key, err)
	}
	defer obj.Close()
	b, err := io.ReadAll(obj)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestRunConcatenatesWithFFmpeg(t *testing.T) {
	f := newFixture(t, "AAA", "BBB", "CCC")
	c := f.composer(t, &fakeTools{available: true})

	info := f.wait(t, f.run(t, c, f.ids))
	if info.Status != taskmanager.StatusCompleted || info.Progress != 100 {
		t.Fatalf("expected completed task, got %s at %d (%s)", info.Status, info.Progress, info.ErrorMessage)
	}
	if !strings.HasPrefix(info.OutputFile, "composed/") || !strings.HasSuffix(info.OutputFile, ".mp4") {
		t.Fatalf("unexpected output key %s", info.OutputFile)
	}
	if got := f.read(t, info.OutputFile); got != "AAABBBCCC" {
		t.Fatalf("unexpected composed content %q", got)
	}
}

func TestRunSimulatesWithoutFFmpeg(t *testing.T) {
	f := newFixture(t, "first", "second")
	c := f.composer(t, &fakeTools{available: false})

	info := f.wait(t, f.run(t, c, f.ids))
	if info.Status != taskmanager.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", info.Status, info.ErrorMessage)
	}
	if got := f.read(t, info.OutputFile); got != "first" {
		t.Fatalf("expected first video copied, got %q", got)
	}
}

func TestRunFailsWithTooFewActiveVideos(t *testing.T) {
	f := newFixture(t, "only")
	c := f.composer(t, &fakeTools{available: true})

	info := f.wait(t, f.run(t, c, append(f.ids, "missing")))
	if info.Status != taskmanager.StatusFailed {
		t.Fatalf("expected failed, got %s", info.Status)
	}
	if !strings.HasPrefix(info.ErrorMessage, "video composition failed: ") {
		t.Fatalf("unexpected error message %q", info.ErrorMessage)
	}
}

func TestRunReportsConcatErrors(t *testing.T) {
	f := newFixture(t, "a", "b")
	c := f.composer(t, &fakeTools{available: true, err: errors.New("codec exploded")})

	info := f.wait(t, f.run(t, c, f.ids))
	if info.Status != taskmanager.StatusFailed || !strings.Contains(info.ErrorMessage, "codec exploded") {
		t.Fatalf("unexpected result %s %q", info.Status, info.ErrorMessage)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, "a", "b")
	tools := &fakeTools{available: true, block: true, started: make(chan struct{})}
	c := f.composer(t, tools)

	id := f.run(t, c, f.ids)
	select {
	case <-tools.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("concat never started")
	}
	if res := f.manager.CancelWithReason(id, "cancelled by user"); !res.Success {
		t.Fatalf("cancel failed: %s", res.Message)
	}

	info := f.wait(t, id)
	if info.Status != taskmanager.StatusCancelled || info.OutputFile != "" {
		t.Fatalf("unexpected cancelled task %+v", info)
	}
	usage, err := f.store.Usage(context.Background(), "composed")
	if err != nil || usage != 0 {
		t.Fatalf("expected no composed output, got %d (%v)", usage, err)
	}
}
