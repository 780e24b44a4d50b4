package videos_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/daoistvideo/platform/internal/domain/videos"
	"github.com/daoistvideo/platform/internal/logger"
	"github.com/daoistvideo/platform/internal/media"
	memstore "github.com/daoistvideo/platform/internal/storage/memory"
)

type fakeFiles struct {
	mu    sync.Mutex
	files map[string]string
}

func (f *fakeFiles) PutFile(_ context.Context, key, localPath, _ string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = map[string]string{}
	}
	f.files[key] = string(data)
	return nil
}

func (f *fakeFiles) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, key)
	return nil
}

type fakeInspector struct {
	meta     media.Metadata
	probeErr error
	thumbErr error
}

func (f fakeInspector) Probe(context.Context, string) (media.Metadata, error) {
	return f.meta, f.probeErr
}

func (f fakeInspector) Thumbnail(_ context.Context, _, dst string) error {
	if f.thumbErr != nil {
		return f.thumbErr
	}
	return os.WriteFile(dst, []byte("jpeg"), 0o644)
}

var fixedNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

func newService(t *testing.T, inspector videos.Inspector) (videos.Service, *fakeFiles, *memstore.VideoRepository) {
	t.Helper()
	repo := memstore.NewVideoRepository()
	files := &fakeFiles{}
	svc := videos.NewService(repo, videos.Deps{
		Files:         files,
		Inspector:     inspector,
		TempDir:       t.TempDir(),
		MaxUploadSize: 1024,
		Logger:        logger.Discard(),
		Now:           func() time.Time { return fixedNow },
	})
	return svc, files, repo
}

func upload(t *testing.T, svc videos.Service, title string) videos.Video {
	t.Helper()
	v, err := svc.Upload(context.Background(), videos.UploadInput{
		Title:       title,
		Filename:    "dao de jing.mp4",
		ContentType: "video/mp4",
		Size:        5,
		Body:        strings.NewReader("video"),
		UploaderID:  "admin-1",
	})
	if err != nil {
		t.Fatalf("upload %q failed: %v", title, err)
	}
	return v
}

func TestUploadStoresFileMetadataAndThumbnail(t *testing.T) {
	svc, files, _ := newService(t, fakeInspector{meta: media.Metadata{Duration: 12.5, Width: 1280, Height: 720, FPS: 25, Bitrate: 1000}})

	v := upload(t, svc, "  Dao De Jing  ")
	if v.Title != "Dao De Jing" || v.Category != videos.CategoryOther || !v.IsActive {
		t.Fatalf("unexpected video %+v", v)
	}
	if !strings.HasPrefix(v.FilePath, "videos/2024/03/") || !strings.HasSuffix(v.FilePath, "_dao_de_jing.mp4") {
		t.Fatalf("unexpected storage key %s", v.FilePath)
	}
	if v.Duration != 12.5 || v.Width != 1280 || v.FileSize != 5 {
		t.Fatalf("metadata not applied: %+v", v)
	}
	if want := "thumbnails/thumbnail_" + v.ID + ".jpg"; v.Thumbnail != want {
		t.Fatalf("expected thumbnail %s, got %s", want, v.Thumbnail)
	}
	if files.files[v.FilePath] != "video" {
		t.Fatalf("video content not stored")
	}
}

func TestUploadToleratesInspectorFailures(t *testing.T) {
	svc, _, _ := newService(t, fakeInspector{probeErr: errors.New("no ffprobe"), thumbErr: errors.New("no ffmpeg")})

	v := upload(t, svc, "Qingjing Jing")
	if v.ID == "" || v.Thumbnail != "" || v.Duration != 0 {
		t.Fatalf("unexpected video %+v", v)
	}
}

func TestUploadValidation(t *testing.T) {
	svc, files, _ := newService(t, nil)
	ctx := context.Background()

	cases := []videos.UploadInput{
		{Title: "ok title", Filename: "a.txt", ContentType: "text/plain", Size: 3, Body: strings.NewReader("abc")},
		{Title: "ok title", Filename: "a.mp4", ContentType: "video/mp4", Size: 2048, Body: strings.NewReader("abc")},
		{Title: "x", Filename: "a.mp4", ContentType: "video/mp4", Size: 3, Body: strings.NewReader("abc")},
		{Title: "ok title", Category: "cooking", Filename: "a.mp4", ContentType: "video/mp4", Size: 3, Body: strings.NewReader("abc")},
		// declared size lies; the received bytes exceed the limit
		{Title: "ok title", Filename: "a.mp4", ContentType: "video/mp4", Size: -1, Body: strings.NewReader(strings.Repeat("x", 2048))},
	}
	for i, in := range cases {
		if _, err := svc.Upload(ctx, in); !errors.Is(err, videos.ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
	if len(files.files) != 0 {
		t.Fatalf("no file should be stored, got %v", files.files)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	svc, _, repo := newService(t, nil)
	ctx := context.Background()

	a := upload(t, svc, "Alpha meditation")
	b := upload(t, svc, "Beta ritual")
	c := upload(t, svc, "Gamma teaching")

	// distinct upload times so the default ordering is deterministic
	for i, v := range []videos.Video{a, b, c} {
		v.UploadTime = fixedNow.Add(time.Duration(i) * time.Minute)
		if _, err := repo.Save(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := svc.Delete(ctx, b.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	page, err := svc.List(ctx, videos.ListFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var titles []string
	for _, v := range page.Items {
		titles = append(titles, v.Title)
	}
	if diff := cmp.Diff([]string{"Gamma teaching", "Alpha meditation"}, titles); diff != "" {
		t.Fatalf("unexpected public listing (-want +got):\n%s", diff)
	}

	all, err := svc.List(ctx, videos.ListFilter{IncludeInactive: true, Ordering: videos.Ordering{Field: "title"}})
	if err != nil {
		t.Fatalf("admin list failed: %v", err)
	}
	if all.Total != 3 || all.Items[0].Title != "Alpha meditation" {
		t.Fatalf("unexpected admin listing %+v", all)
	}

	found, err := svc.Search(ctx, videos.SearchInput{Query: "gamma"})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if found.Total != 1 || found.Items[0].ID != c.ID {
		t.Fatalf("unexpected search result %+v", found)
	}
}

func TestViewIncrementsAndHidesInactive(t *testing.T) {
	svc, _, _ := newService(t, nil)
	ctx := context.Background()
	v := upload(t, svc, "Huangting Jing")

	for i := 1; i <= 3; i++ {
		got, err := svc.View(ctx, v.ID)
		if err != nil {
			t.Fatalf("view failed: %v", err)
		}
		if got.ViewCount != int64(i) {
			t.Fatalf("expected %d views, got %d", i, got.ViewCount)
		}
	}

	if err := svc.Delete(ctx, v.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := svc.View(ctx, v.ID); !errors.Is(err, videos.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for inactive video, got %v", err)
	}
}

func TestBatchOperations(t *testing.T) {
	svc, _, _ := newService(t, nil)
	ctx := context.Background()
	a := upload(t, svc, "One video")
	b := upload(t, svc, "Two video")

	if _, err := svc.BatchDelete(ctx, nil); !errors.Is(err, videos.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty batch, got %v", err)
	}

	n, err := svc.BatchUpdateCategory(ctx, []string{a.ID, b.ID, "missing"}, "meditation")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 updated, got %d (%v)", n, err)
	}
	if _, err := svc.BatchUpdateCategory(ctx, []string{a.ID}, "cooking"); !errors.Is(err, videos.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown category, got %v", err)
	}

	n, err = svc.BatchDelete(ctx, []string{a.ID, a.ID})
	if err != nil || n != 1 {
		t.Fatalf("expected 1 deleted, got %d (%v)", n, err)
	}
	// already inactive videos are not counted twice
	n, err = svc.BatchDelete(ctx, []string{a.ID, b.ID})
	if err != nil || n != 1 {
		t.Fatalf("expected 1 deleted, got %d (%v)", n, err)
	}
}

func TestUpdateAndStats(t *testing.T) {
	svc, _, _ := newService(t, nil)
	ctx := context.Background()
	v := upload(t, svc, "Original")

	title, category := "Renamed", "chanting"
	updated, err := svc.Update(ctx, v.ID, videos.UpdateInput{Title: &title, Category: &category})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Title != "Renamed" || updated.Category != videos.CategoryChanting {
		t.Fatalf("unexpected update %+v", updated)
	}
	if _, err := svc.View(ctx, v.ID); err != nil {
		t.Fatal(err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 1 || stats.UploadedSince != 1 || stats.TotalViews != 1 || stats.TotalSize != 5 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.AvgViews() != 1 {
		t.Fatalf("unexpected average %v", stats.AvgViews())
	}
}

func TestParseOrdering(t *testing.T) {
	o, err := videos.ParseOrdering("-view_count", videos.PublicOrderFields...)
	if err != nil || o != (videos.Ordering{Field: "view_count", Desc: true}) {
		t.Fatalf("unexpected ordering %+v (%v)", o, err)
	}
	if _, err := videos.ParseOrdering("file_size", videos.PublicOrderFields...); !errors.Is(err, videos.ErrValidation) {
		t.Fatalf("file_size must be admin only, got %v", err)
	}
	if o, _ := videos.ParseOrdering(""); o != videos.DefaultOrdering {
		t.Fatalf("expected default ordering, got %+v", o)
	}
}
