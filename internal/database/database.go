package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Options configures the Postgres connection pool.
type Options struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Logger          *slog.Logger
	PingTimeout     time.Duration
}

const (
	defaultPingTimeout = 5 * time.Second

	// undefinedTable is the Postgres error code for a missing relation.
	undefinedTable = "42P01"
)

// DB wraps *pgxpool.Pool to centralize lifecycle management.
type DB struct {
	*pgxpool.Pool
	logger *slog.Logger
}

// Connect initializes a pooled connection using the provided options.
func Connect(ctx context.Context, opts Options) (*DB, error) {
	if opts.URL == "" {
		return nil, errors.New("database URL is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.ConnMaxLifetime > 0 {
		cfg.MaxConnLifetime = opts.ConnMaxLifetime
	}
	if opts.ConnMaxIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("database connected", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)

	return &DB{Pool: pool, logger: log}, nil
}

// Close releases database resources.
func (db *DB) Close() {
	if db == nil || db.Pool == nil {
		return
	}
	db.Pool.Close()
}

// RunMigrations applies pending migrations with the given migrator.
func (db *DB) RunMigrations(ctx context.Context, migrator Migrator) error {
	if migrator == nil {
		db.logger.Info("no migrator configured; skipping migrations")
		return nil
	}

	db.logger.Info("running migrations")
	if err := migrator.Up(ctx); err != nil {
		return err
	}

	db.logger.Info("migrations completed")
	return nil
}

// MigrationsApplied reports whether the schema is at the newest embedded
// migration and not left dirty by a failed run.
func (db *DB) MigrationsApplied(ctx context.Context) (bool, error) {
	latest, err := LatestVersion()
	if err != nil {
		return false, err
	}

	var (
		version int64
		dirty   bool
	)
	err = db.QueryRow(ctx, `SELECT version, dirty FROM `+MigrationsTable+` LIMIT 1`).Scan(&version, &dirty)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read migration version: %w", err)
	}
	return !dirty && version >= int64(latest), nil
}
