package config_test

import (
	"testing"
	"time"

	"github.com/daoistvideo/platform/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPPort != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.HTTPPort)
	}
	if cfg.DataBackend != "memory" {
		t.Fatalf("expected memory backend, got %s", cfg.DataBackend)
	}
	if cfg.Composition.StaleAfter != 2*time.Hour {
		t.Fatalf("expected 2h stale threshold, got %s", cfg.Composition.StaleAfter)
	}
	if cfg.Media.MaxUploadSize != 500*1024*1024 {
		t.Fatalf("expected 500MB upload limit, got %d", cfg.Media.MaxUploadSize)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	if _, err := config.Load(); err == nil {
		t.Fatalf("expected error without JWT_SECRET")
	}
}

func TestLoadPostgresRequiresURL(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DATA_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := config.Load(); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
}

func TestLoadAdminEmails(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ADMIN_EMAILS", "a@example.com,b@example.com")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(cfg.Mail.AdminEmails) != 2 {
		t.Fatalf("expected 2 admin emails, got %v", cfg.Mail.AdminEmails)
	}
}
