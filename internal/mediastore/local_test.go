package mediastore_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/daoistvideo/platform/internal/mediastore"
)

func newLocal(t *testing.T) *mediastore.Local {
	t.Helper()
	store, err := mediastore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	return store
}

func TestLocalPutOpenDelete(t *testing.T) {
	ctx := context.Background()
	store := newLocal(t)

	if err := store.Put(ctx, "videos/2024/01/a.mp4", strings.NewReader("abc"), 3, "video/mp4"); err != nil {
		t.Fatalf("put: %v", err)
	}

	obj, err := store.Open(ctx, "videos/2024/01/a.mp4")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, err := io.ReadAll(obj)
	obj.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "abc" || obj.Info.Size != 3 || obj.Info.ContentType != "video/mp4" {
		t.Fatalf("unexpected object %q %+v", body, obj.Info)
	}

	if err := store.Delete(ctx, "videos/2024/01/a.mp4"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Stat(ctx, "videos/2024/01/a.mp4"); !errors.Is(err, mediastore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "videos/2024/01/a.mp4"); !errors.Is(err, mediastore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	store := newLocal(t)
	for _, key := range []string{"", "../etc/passwd", "videos/../../x", "/"} {
		if err := store.Put(context.Background(), key, strings.NewReader("x"), 1, ""); !errors.Is(err, mediastore.ErrInvalidKey) {
			t.Fatalf("key %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestLocalPutFileFetchAndUsage(t *testing.T) {
	ctx := context.Background()
	store := newLocal(t)

	src := filepath.Join(t.TempDir(), "src.mp4")
	if err := os.WriteFile(src, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.PutFile(ctx, "videos/a.mp4", src, "video/mp4"); err != nil {
		t.Fatalf("put file: %v", err)
	}
	if err := store.Put(ctx, "videos/b.mp4", strings.NewReader("12345"), 5, "video/mp4"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, "composed/c.mp4", strings.NewReader("1"), 1, "video/mp4"); err != nil {
		t.Fatalf("put: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "out.mp4")
	if err := store.Fetch(ctx, "videos/a.mp4", dst); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "0123456789" {
		t.Fatalf("unexpected fetched content %q", got)
	}

	usage, err := store.Usage(ctx, "videos")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage != 15 {
		t.Fatalf("expected 15 bytes under videos, got %d", usage)
	}

	infos, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var keys []string
	for _, i := range infos {
		keys = append(keys, i.Key)
	}
	if diff := cmp.Diff([]string{"composed/c.mp4", "videos/a.mp4", "videos/b.mp4"}, keys); diff != "" {
		t.Fatalf("unexpected keys (-want +got):\n%s", diff)
	}

	if usage, err := store.Usage(ctx, "missing"); err != nil || usage != 0 {
		t.Fatalf("expected zero usage for missing prefix, got %d %v", usage, err)
	}
}
