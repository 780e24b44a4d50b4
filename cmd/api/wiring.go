package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/daoistvideo/platform/internal/cache"
	"github.com/daoistvideo/platform/internal/config"
	"github.com/daoistvideo/platform/internal/database"
	"github.com/daoistvideo/platform/internal/domain"
	"github.com/daoistvideo/platform/internal/janitor"
	"github.com/daoistvideo/platform/internal/mediastore"
	"github.com/daoistvideo/platform/internal/notify"
	"github.com/daoistvideo/platform/internal/storage/memory"
	pgstorage "github.com/daoistvideo/platform/internal/storage/postgres"
)

// backupKeepDays is how long the janitor keeps backups around.
const backupKeepDays = 30

// app holds the wired container and the resources it must release.
type app struct {
	container *domain.Container
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func dbOptions(cfg config.Config, logr *slog.Logger) database.Options {
	return database.Options{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		Logger:          logr,
	}
}

func buildApp(ctx context.Context, cfg config.Config, logr *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	notifier := notify.New(notify.SMTPConfig{
		Addr:     cfg.Mail.SMTPAddr,
		Username: cfg.Mail.SMTPUsername,
		Password: cfg.Mail.SMTPPassword,
		From:     cfg.Mail.From,
	}, logr)
	opts := domain.Options{Config: cfg, Notifier: notifier, Logger: logr}

	switch cfg.DataBackend {
	case "memory":
		logr.Info("using in-memory repositories (DATA_BACKEND=memory)")
		opts.UserRepo = memory.NewUserRepository()
		opts.VideoRepo = memory.NewVideoRepository()
		opts.PlaybackRepo = memory.NewPlaybackRepository()
		opts.CompositionRepo = memory.NewCompositionRepository()
	case "postgres":
		db, err := database.Connect(ctx, dbOptions(cfg, logr))
		if err != nil {
			return fail(fmt.Errorf("connect database: %w", err))
		}
		a.closers = append(a.closers, db.Close)

		if err := db.RunMigrations(ctx, database.NewMigrator(cfg.DatabaseURL, logr)); err != nil {
			return fail(fmt.Errorf("database migrations: %w", err))
		}
		logr.Info("using postgres repositories (DATA_BACKEND=postgres)")
		opts.UserRepo = pgstorage.NewUserRepository(db)
		opts.VideoRepo = pgstorage.NewVideoRepository(db)
		opts.PlaybackRepo = pgstorage.NewPlaybackRepository(db)
		opts.CompositionRepo = pgstorage.NewCompositionRepository(db)
		opts.DB = db
		opts.MigrationsApplied = db.MigrationsApplied
	default:
		return fail(fmt.Errorf("unsupported data backend: %s", cfg.DataBackend))
	}

	if cfg.RedisURL != "" {
		rc := cache.NewRedis(cfg.RedisURL)
		a.closers = append(a.closers, func() {
			if err := rc.Close(); err != nil {
				logr.Error("error closing redis pool", "err", err)
			}
		})
		if err := rc.Ping(ctx); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		logr.Info("using redis cache")
		opts.Cache = rc
	} else {
		opts.Cache = cache.NewMemory()
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	opts.Store = store

	c, err := domain.New(opts)
	if err != nil {
		return fail(err)
	}
	a.container = c
	return a, nil
}

func buildStore(ctx context.Context, cfg config.Config) (mediastore.Store, error) {
	switch strings.ToLower(cfg.Media.Backend) {
	case "minio":
		store, err := mediastore.NewMinIO(ctx, mediastore.MinIOConfig{
			Endpoint:  cfg.Media.MinIOEndpoint,
			AccessKey: cfg.Media.MinIOAccessKey,
			SecretKey: cfg.Media.MinIOSecretKey,
			Bucket:    cfg.Media.MinIOBucket,
			UseSSL:    cfg.Media.MinIOUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("connect minio: %w", err)
		}
		return store, nil
	default:
		store, err := mediastore.NewLocal(cfg.Media.Root)
		if err != nil {
			return nil, fmt.Errorf("open media root: %w", err)
		}
		return store, nil
	}
}

// janitor assembles the housekeeping jobs.
func (a *app) janitor(cfg config.Config, logr *slog.Logger) *janitor.Janitor {
	c := a.container
	return janitor.New(cfg.Composition.JanitorInterval, logr,
		janitor.Job{Name: "cleanup-compositions", Run: func(ctx context.Context) error {
			res, err := c.Compositions.CleanupOld(ctx, cfg.Composition.Retention)
			if err != nil {
				return err
			}
			logr.Info("old compositions removed", "cleaned", res.Cleaned, "errors", len(res.Errors))
			return nil
		}},
		janitor.Job{Name: "fail-stale-compositions", Run: func(ctx context.Context) error {
			_, err := c.Compositions.FailStale(ctx, cfg.Composition.StaleAfter)
			return err
		}},
		janitor.Job{Name: "system-check", Run: func(ctx context.Context) error {
			_, err := c.System.RunCheck(ctx)
			return err
		}},
		janitor.Job{Name: "cleanup-backups", Run: func(ctx context.Context) error {
			_, err := c.System.CleanupBackups(backupKeepDays)
			return err
		}},
	)
}
