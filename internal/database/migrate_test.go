package database_test

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/daoistvideo/platform/internal/database"
)

func TestMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(database.MigrationsFS(), ".")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file in migrations: %s", name)
		}
	}
	if len(ups) == 0 {
		t.Fatalf("expected embedded migrations")
	}
	if diff := cmp.Diff(ups, downs); diff != "" {
		t.Fatalf("up and down migrations differ (-up +down):\n%s", diff)
	}
}

func TestLatestVersion(t *testing.T) {
	v, err := database.LatestVersion()
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if v != 4 {
		t.Fatalf("expected latest version 4, got %d", v)
	}
}

func TestMigrationsCreateTables(t *testing.T) {
	want := []string{"users", "videos", "playback_history", "composition_tasks", "composition_selections"}
	var all strings.Builder
	err := fs.WalkDir(database.MigrationsFS(), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".up.sql") {
			return err
		}
		b, err := fs.ReadFile(database.MigrationsFS(), path)
		if err != nil {
			return err
		}
		all.Write(b)
		return nil
	})
	if err != nil {
		t.Fatalf("walk migrations: %v", err)
	}
	for _, table := range want {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("no migration creates table %s", table)
		}
	}
}
