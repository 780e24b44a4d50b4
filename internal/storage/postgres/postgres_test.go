//go:build integration

package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/daoistvideo/platform/internal/database"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping postgres integration tests")
	}

	ctx := context.Background()
	db, err := database.Connect(ctx, database.Options{URL: dsn})
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.RunMigrations(ctx, database.NewMigrator(dsn, nil)); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	applied, err := db.MigrationsApplied(ctx)
	if err != nil || !applied {
		t.Fatalf("expected migrations applied, got %v (%v)", applied, err)
	}

	cleanupTables(t, db)
	return db
}

func cleanupTables(t *testing.T, db *database.DB) {
	t.Helper()
	stmts := []string{
		"TRUNCATE composition_selections CASCADE",
		"TRUNCATE composition_tasks CASCADE",
		"TRUNCATE playback_history CASCADE",
		"TRUNCATE videos CASCADE",
		"TRUNCATE users CASCADE",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(context.Background(), stmt); err != nil {
			t.Fatalf("cleanup %s: %v", stmt, err)
		}
	}
}
