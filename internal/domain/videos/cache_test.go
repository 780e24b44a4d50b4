package videos_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/google/go-cmp/cmp"

	"github.com/daoistvideo/platform/internal/cache"
	"github.com/daoistvideo/platform/internal/domain/videos"
	"github.com/daoistvideo/platform/internal/logger"
	memstore "github.com/daoistvideo/platform/internal/storage/memory"
)

func newCachedService(t *testing.T) (videos.Service, *memstore.VideoRepository, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	rc := cache.NewRedisWithPool(&redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", s.Addr())
		},
	})
	t.Cleanup(func() { rc.Close() })

	repo := memstore.NewVideoRepository()
	svc := videos.NewService(repo, videos.Deps{
		Files:         &fakeFiles{},
		TempDir:       t.TempDir(),
		MaxUploadSize: 1024,
		Cache:         rc,
		Logger:        logger.Discard(),
		Now:           func() time.Time { return fixedNow },
	})
	return svc, repo, s
}

// rename changes a title behind the service's back.
func rename(t *testing.T, repo *memstore.VideoRepository, id, title string) {
	t.Helper()
	ctx := context.Background()
	v, err := repo.FindByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	v.Title = title
	if _, err := repo.Save(ctx, v); err != nil {
		t.Fatal(err)
	}
}

func TestDetailCachedUntilUpdate(t *testing.T) {
	ctx := context.Background()
	svc, repo, s := newCachedService(t)
	v := upload(t, svc, "Qingjing Jing")

	if _, err := svc.Get(ctx, v.ID); err != nil {
		t.Fatal(err)
	}
	if !s.Exists("daoist_video:video:detail:" + v.ID) {
		t.Fatalf("expected the video detail in redis, keys %v", s.Keys())
	}

	rename(t, repo, v.ID, "Changed elsewhere")
	got, err := svc.Get(ctx, v.ID)
	if err != nil || got.Title != "Qingjing Jing" {
		t.Fatalf("expected the cached title, got %q (%v)", got.Title, err)
	}

	title := "Qingjing Jing, annotated"
	if _, err := svc.Update(ctx, v.ID, videos.UpdateInput{Title: &title}); err != nil {
		t.Fatal(err)
	}
	got, err = svc.Get(ctx, v.ID)
	if err != nil || got.Title != title {
		t.Fatalf("expected the updated title, got %q (%v)", got.Title, err)
	}

	if err := svc.Delete(ctx, v.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := svc.Get(ctx, v.ID); got.IsActive {
		t.Fatalf("deleted video still active in cache")
	}
}

func TestViewKeepsCachedCountCurrent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newCachedService(t)
	v := upload(t, svc, "Morning practice")

	for i := 0; i < 2; i++ {
		if _, err := svc.View(ctx, v.ID); err != nil {
			t.Fatal(err)
		}
	}
	got, err := svc.Get(ctx, v.ID)
	if err != nil || got.ViewCount != 2 {
		t.Fatalf("expected 2 views, got %d (%v)", got.ViewCount, err)
	}
	stats, err := svc.Stats(ctx)
	if err != nil || stats.TotalViews != 2 {
		t.Fatalf("expected stats to follow views, got %+v (%v)", stats, err)
	}
}

func TestListCacheRetiredByWrites(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newCachedService(t)
	a := upload(t, svc, "Zhuangzi")
	b := upload(t, svc, "Liezi")

	page, err := svc.List(ctx, videos.ListFilter{})
	if err != nil || page.Total != 2 {
		t.Fatalf("expected 2 videos, got %d (%v)", page.Total, err)
	}

	rename(t, repo, a.ID, "Changed elsewhere")
	page, _ = svc.List(ctx, videos.ListFilter{})
	for _, v := range page.Items {
		if v.Title == "Changed elsewhere" {
			t.Fatalf("expected the cached listing")
		}
	}

	if _, err := svc.BatchUpdateCategory(ctx, []string{b.ID}, "teaching"); err != nil {
		t.Fatal(err)
	}
	page, _ = svc.List(ctx, videos.ListFilter{Category: videos.CategoryTeaching})
	if page.Total != 1 || page.Items[0].ID != b.ID {
		t.Fatalf("category change not visible: %+v", page)
	}

	if _, err := svc.BatchDelete(ctx, []string{a.ID}); err != nil {
		t.Fatal(err)
	}
	page, _ = svc.List(ctx, videos.ListFilter{})
	if page.Total != 1 || page.Items[0].ID != b.ID {
		t.Fatalf("batch delete not visible: %+v", page)
	}
}

func TestLookupReadsDetailCache(t *testing.T) {
	ctx := context.Background()
	svc, repo, s := newCachedService(t)
	a := upload(t, svc, "Neiye")
	b := upload(t, svc, "Huangting Jing")

	first, err := svc.Lookup(ctx, []string{a.ID, b.ID, a.ID, "missing"})
	if err != nil {
		t.Fatal(err)
	}
	ids := func(vs []videos.Video) []string {
		out := make([]string, len(vs))
		for i, v := range vs {
			out[i] = v.ID
		}
		return out
	}
	if diff := cmp.Diff([]string{a.ID, b.ID, a.ID}, ids(first)); diff != "" {
		t.Fatalf("lookup order mismatch (-want +got):\n%s", diff)
	}
	if !s.Exists("daoist_video:video:detail:"+a.ID) || !s.Exists("daoist_video:video:detail:"+b.ID) {
		t.Fatalf("lookup did not fill the detail cache, keys %v", s.Keys())
	}

	rename(t, repo, b.ID, "Changed elsewhere")
	again, err := svc.Lookup(ctx, []string{b.ID})
	if err != nil || len(again) != 1 || again[0].Title != "Huangting Jing" {
		t.Fatalf("expected the cached video, got %+v (%v)", again, err)
	}
}

func TestCategoriesAndStatsCached(t *testing.T) {
	ctx := context.Background()
	svc, _, s := newCachedService(t)

	if diff := cmp.Diff(videos.Categories(), svc.Categories(ctx)); diff != "" {
		t.Fatalf("categories mismatch (-want +got):\n%s", diff)
	}
	if !s.Exists("daoist_video:system:categories") {
		t.Fatalf("categories not cached, keys %v", s.Keys())
	}

	if st, err := svc.Stats(ctx); err != nil || st.Total != 0 {
		t.Fatalf("unexpected empty stats %+v (%v)", st, err)
	}
	upload(t, svc, "Cantong Qi")
	if st, err := svc.Stats(ctx); err != nil || st.Total != 1 {
		t.Fatalf("upload did not refresh stats: %+v (%v)", st, err)
	}
}
