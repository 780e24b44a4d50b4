//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/daoistvideo/platform/internal/domain/compositions"
	"github.com/daoistvideo/platform/internal/domain/playback"
	"github.com/daoistvideo/platform/internal/domain/users"
	"github.com/daoistvideo/platform/internal/domain/videos"
	pgstorage "github.com/daoistvideo/platform/internal/storage/postgres"
	"github.com/daoistvideo/platform/internal/taskmanager"
)

func TestRepositoriesIntegration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	userRepo := pgstorage.NewUserRepository(db)
	videoRepo := pgstorage.NewVideoRepository(db)
	playbackRepo := pgstorage.NewPlaybackRepository(db)
	compRepo := pgstorage.NewCompositionRepository(db)

	admin, err := userRepo.Save(ctx, users.User{Username: "laozi", Email: "Laozi@example.com", Role: users.RoleAdmin, IsActive: true, PasswordHash: "x"})
	if err != nil {
		t.Fatalf("save user: %v", err)
	}
	if _, err := userRepo.Save(ctx, users.User{Username: "other", Email: "laozi@example.com", Role: users.RoleUser, PasswordHash: "x"}); !errors.Is(err, users.ErrEmailExists) {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}
	if _, err := userRepo.FindByEmail(ctx, "LAOZI@example.com"); err != nil {
		t.Fatalf("find by email: %v", err)
	}

	var ids []string
	for i, title := range []string{"Dawn", "Dusk"} {
		v, err := videoRepo.Save(ctx, videos.Video{
			Title: title, FilePath: "videos/" + title + ".mp4", Duration: float64(10 * (i + 1)),
			Category: videos.CategoryMeditation, UploaderID: admin.ID, UploaderName: admin.Username, IsActive: true,
		})
		if err != nil {
			t.Fatalf("save video: %v", err)
		}
		ids = append(ids, v.ID)
	}
	if n, err := videoRepo.IncrementViews(ctx, ids[0]); err != nil || n != 1 {
		t.Fatalf("increment views: %d %v", n, err)
	}
	list, total, err := videoRepo.List(ctx, videos.ListFilter{Search: "daw", Limit: 10})
	if err != nil || total != 1 || len(list) != 1 {
		t.Fatalf("list videos: %v total=%d len=%d", err, total, len(list))
	}

	h, err := playbackRepo.Save(ctx, playback.History{UserID: admin.ID, VideoID: ids[0], LastPosition: 5, CompletionPercentage: 50})
	if err != nil {
		t.Fatalf("save playback: %v", err)
	}
	again, err := playbackRepo.Save(ctx, playback.History{UserID: admin.ID, VideoID: ids[0], LastPosition: 9.5, CompletionPercentage: 95, Completed: true})
	if err != nil {
		t.Fatalf("update playback: %v", err)
	}
	if again.ID != h.ID || !again.StartedAt.Equal(h.StartedAt) {
		t.Fatalf("expected the session to be updated in place")
	}

	task, err := compRepo.Create(ctx, compositions.Task{
		ID: "11111111-2222-3333-4444-555555555555", UserID: admin.ID, OutputFilename: "dao.mp4", TotalDuration: 30,
		Selections: []compositions.Selection{
			{VideoID: ids[0], OrderIndex: 0, VideoTitle: "Dawn", VideoDuration: 10},
			{VideoID: ids[1], OrderIndex: 1, VideoTitle: "Dusk", VideoDuration: 20},
		},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	now := time.Now().UTC()
	if err := compRepo.UpdateState(ctx, task.ID, compositions.StateUpdate{Status: taskmanager.StatusProcessing, Progress: 60, StartedAt: &now}); err != nil {
		t.Fatalf("update state: %v", err)
	}
	if err := compRepo.UpdateState(ctx, task.ID, compositions.StateUpdate{Status: taskmanager.StatusPending, Progress: 10}); err != nil {
		t.Fatalf("update state: %v", err)
	}
	got, err := compRepo.FindByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("find task: %v", err)
	}
	if got.Status != taskmanager.StatusProcessing || got.Progress != 60 || len(got.Selections) != 2 {
		t.Fatalf("unexpected task state: %+v", got)
	}
	if err := compRepo.Delete(ctx, task.ID); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if _, err := compRepo.FindByID(ctx, task.ID); !errors.Is(err, compositions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
