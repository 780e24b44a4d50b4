package playback_test

import (
	"context"
	"errors"
	"testing"

	"github.com/daoistvideo/platform/internal/domain/playback"
	"github.com/daoistvideo/platform/internal/domain/videos"
	memstore "github.com/daoistvideo/platform/internal/storage/memory"
)

func setup(t *testing.T) (playback.Service, videos.Video, videos.Video) {
	t.Helper()
	ctx := context.Background()
	videoRepo := memstore.NewVideoRepository()
	active, err := videoRepo.Save(ctx, videos.Video{Title: "Qingjing Jing", IsActive: true})
	if err != nil {
		t.Fatal(err)
	}
	hidden, err := videoRepo.Save(ctx, videos.Video{Title: "Hidden", IsActive: false})
	if err != nil {
		t.Fatal(err)
	}
	svc := playback.NewService(memstore.NewPlaybackRepository(), videos.NewService(videoRepo, videos.Deps{}))
	return svc, active, hidden
}

func TestUpdateProgressTracksCompletion(t *testing.T) {
	ctx := context.Background()
	svc, video, _ := setup(t)

	h, err := svc.UpdateProgress(ctx, "u1", video.ID, playback.ProgressInput{CurrentTime: 30, TotalDuration: 120, SessionID: "s1"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if h.CompletionPercentage != 25 || h.Completed || h.VideoTitle != "Qingjing Jing" {
		t.Fatalf("unexpected history %+v", h)
	}

	h2, err := svc.UpdateProgress(ctx, "u1", video.ID, playback.ProgressInput{CurrentTime: 110, TotalDuration: 120, SessionID: "s1"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if h2.ID != h.ID {
		t.Fatalf("expected the same session record to be reused")
	}
	if !h2.Completed || h2.DurationWatched != 110 {
		t.Fatalf("expected completed session, got %+v", h2)
	}

	p, err := svc.GetProgress(ctx, "u1", video.ID, "s1")
	if err != nil {
		t.Fatalf("get progress failed: %v", err)
	}
	if p.CurrentTime != 110 || !p.Completed || p.LastUpdated == nil {
		t.Fatalf("unexpected progress %+v", p)
	}
}

func TestUpdateProgressValidation(t *testing.T) {
	ctx := context.Background()
	svc, video, hidden := setup(t)

	if _, err := svc.UpdateProgress(ctx, "u1", video.ID, playback.ProgressInput{CurrentTime: -1, TotalDuration: 10}); !errors.Is(err, playback.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := svc.UpdateProgress(ctx, "u1", hidden.ID, playback.ProgressInput{CurrentTime: 1, TotalDuration: 10}); !errors.Is(err, videos.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for inactive video, got %v", err)
	}
	if _, err := svc.UpdateProgress(ctx, "u1", "missing", playback.ProgressInput{}); !errors.Is(err, videos.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown video, got %v", err)
	}
}

func TestGetProgressWithoutHistory(t *testing.T) {
	svc, video, _ := setup(t)
	p, err := svc.GetProgress(context.Background(), "u1", video.ID, "")
	if err != nil {
		t.Fatalf("get progress failed: %v", err)
	}
	if p != (playback.Progress{}) {
		t.Fatalf("expected zero progress, got %+v", p)
	}
}

func TestCompletion(t *testing.T) {
	cases := []struct{ current, total, want float64 }{
		{0, 0, 0},
		{50, 0, 0},
		{50, 100, 50},
		{150, 100, 100},
	}
	for _, tc := range cases {
		if got := playback.Completion(tc.current, tc.total); got != tc.want {
			t.Fatalf("Completion(%v, %v) = %v, want %v", tc.current, tc.total, got, tc.want)
		}
	}
}

func TestHistoryAndStats(t *testing.T) {
	ctx := context.Background()
	svc, video, _ := setup(t)

	for _, s := range []string{"a", "b", "c"} {
		if _, err := svc.UpdateProgress(ctx, "u1", video.ID, playback.ProgressInput{CurrentTime: 95, TotalDuration: 100, SessionID: s}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.UpdateProgress(ctx, "u2", video.ID, playback.ProgressInput{CurrentTime: 5, TotalDuration: 100}); err != nil {
		t.Fatal(err)
	}

	list, err := svc.History(ctx, "u1", "", 2)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(list))
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 4 || stats.Completed != 3 || stats.ActiveUsers != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.CompletionRate() != 75 {
		t.Fatalf("unexpected completion rate %v", stats.CompletionRate())
	}
}
