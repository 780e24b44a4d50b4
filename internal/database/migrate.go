package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationsTable is created by golang-migrate to track the schema version.
const MigrationsTable = "schema_migrations"

// Migrator defines an interface capable of applying schema migrations.
type Migrator interface {
	Up(ctx context.Context) error
}

// SchemaMigrator applies the embedded migrations with golang-migrate.
type SchemaMigrator struct {
	URL    string
	Logger *slog.Logger
}

// NewMigrator builds a migrator for the database at url.
func NewMigrator(url string, logger *slog.Logger) *SchemaMigrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchemaMigrator{URL: url, Logger: logger}
}

// Printf implements migrate.Logger.
func (m *SchemaMigrator) Printf(format string, v ...any) {
	m.Logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Verbose implements migrate.Logger.
func (m *SchemaMigrator) Verbose() bool { return true }

func (m *SchemaMigrator) open() (*migrate.Migrate, error) {
	if m.URL == "" {
		return nil, errors.New("migrator requires a database URL")
	}
	src, err := iofs.New(migrationFiles, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations source: %w", err)
	}
	mg, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(m.URL))
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	mg.Log = m
	return mg, nil
}

// Up applies all pending migrations. Cancelling ctx stops after the
// migration in flight.
func (m *SchemaMigrator) Up(ctx context.Context) error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer mg.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.Logger.Info("stopping migrations")
			mg.GracefulStop <- true
		case <-done:
		}
	}()

	start := time.Now()
	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := mg.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	m.Logger.Info("schema up to date", "version", version, "dirty", dirty, "took", time.Since(start))
	return nil
}

// LatestVersion returns the newest embedded migration version.
func LatestVersion() (uint, error) {
	src, err := iofs.New(migrationFiles, migrationsDir)
	if err != nil {
		return 0, fmt.Errorf("open migrations source: %w", err)
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("first migration: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("next migration: %w", err)
		}
		v = next
	}
}

// migrateURL rewrites a postgres:// URL to the scheme of the pgx/v5 driver.
func migrateURL(url string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(url, scheme) {
			return "pgx5://" + strings.TrimPrefix(url, scheme)
		}
	}
	return url
}
