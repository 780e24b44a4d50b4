package domain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/daoistvideo/platform/internal/auth"
	"github.com/daoistvideo/platform/internal/cache"
	"github.com/daoistvideo/platform/internal/composer"
	"github.com/daoistvideo/platform/internal/config"
	"github.com/daoistvideo/platform/internal/domain/compositions"
	"github.com/daoistvideo/platform/internal/domain/playback"
	"github.com/daoistvideo/platform/internal/domain/users"
	"github.com/daoistvideo/platform/internal/domain/videos"
	"github.com/daoistvideo/platform/internal/media"
	"github.com/daoistvideo/platform/internal/mediastore"
	"github.com/daoistvideo/platform/internal/monitoring"
	"github.com/daoistvideo/platform/internal/notify"
	"github.com/daoistvideo/platform/internal/observability"
	"github.com/daoistvideo/platform/internal/taskmanager"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Container wires domain services and the supporting monitoring services
// together.
type Container struct {
	Users        users.Service
	Videos       videos.Service
	Playback     playback.Service
	Compositions compositions.Service

	Manager  *taskmanager.Manager
	Composer *composer.Composer

	Issuer      *auth.Issuer
	AuthLimiter *auth.RateLimiter

	Performance *monitoring.PerformanceMonitor
	Requests    *monitoring.RequestMetrics
	Errors      *monitoring.ErrorReporter
	System      *monitoring.SystemMonitor
	Health      *monitoring.HealthChecker
	Metrics     *observability.Metrics

	Store         mediastore.Store
	MaxUploadSize int64
}

// Options configures the domain container. Nil repositories fall back to the
// Null implementations.
type Options struct {
	Config config.Config

	UserRepo        users.Repository
	VideoRepo       videos.Repository
	PlaybackRepo    playback.Repository
	CompositionRepo compositions.Repository

	Store    mediastore.Store
	Tools    *media.Toolchain
	Cache    cache.Cache
	Notifier notify.Notifier
	Metrics  *observability.Metrics

	// DB is pinged by the health check; nil means in-memory storage.
	DB                monitoring.Pinger
	MigrationsApplied func(ctx context.Context) (bool, error)

	// BcryptCost overrides the password hashing cost when positive.
	BcryptCost int

	Logger *slog.Logger
}

// New constructs a domain container with provided repositories.
func New(opts Options) (*Container, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("domain: media store is required")
	}

	userRepo := opts.UserRepo
	if userRepo == nil {
		userRepo = users.NullRepository{}
	}
	videoRepo := opts.VideoRepo
	if videoRepo == nil {
		videoRepo = videos.NullRepository{}
	}
	playbackRepo := opts.PlaybackRepo
	if playbackRepo == nil {
		playbackRepo = playback.NullRepository{}
	}
	compositionRepo := opts.CompositionRepo
	if compositionRepo == nil {
		compositionRepo = compositions.NullRepository{}
	}
	c := opts.Cache
	if c == nil {
		c = cache.NewMemory()
	}
	tools := opts.Tools
	if tools == nil {
		tools = media.NewToolchain(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, logger)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLog(logger)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	userSvc := users.NewCachedService(userRepo, opts.BcryptCost, c)
	videoSvc := videos.NewService(videoRepo, videos.Deps{
		Files:         opts.Store,
		Inspector:     tools,
		TempDir:       cfg.Media.TempDir,
		MaxUploadSize: cfg.Media.MaxUploadSize,
		Cache:         c,
		Logger:        logger.With("component", "videos"),
	})
	playbackSvc := playback.NewService(playbackRepo, videoSvc)

	mirror := compositions.NewMirror(compositionRepo, logger.With("component", "compositions"))
	manager := taskmanager.New(taskmanager.Options{
		Logger:        logger.With("component", "taskmanager"),
		MaxConcurrent: cfg.Composition.MaxConcurrent,
		Observer: func(p taskmanager.ProgressInfo) {
			mirror.Observe(p)
			if p.Status.Terminal() {
				metrics.CompositionFinished(string(p.Status))
			}
		},
	})
	metrics.RegisterTaskGauges(func(status string) int {
		return manager.CountByStatus(taskmanager.Status(status))
	}, string(taskmanager.StatusPending), string(taskmanager.StatusProcessing))

	comp := composer.New(composer.Options{
		Manager: manager,
		Videos:  videoSvc,
		Store:   opts.Store,
		Tools:   tools,
		TempDir: cfg.Media.TempDir,
		Logger:  logger.With("component", "composer"),
	})
	compositionSvc := compositions.NewService(compositionRepo, compositions.Deps{
		Manager:  manager,
		Videos:   videoSvc,
		Files:    opts.Store,
		Executor: comp.Run,
		Logger:   logger.With("component", "compositions"),
	})

	recipients := adminRecipients(userSvc, cfg.Mail.AdminEmails, logger)
	mediaRoot := ""
	if local, ok := opts.Store.(*mediastore.Local); ok {
		mediaRoot = local.Root
	}

	return &Container{
		Users:        userSvc,
		Videos:       videoSvc,
		Playback:     playbackSvc,
		Compositions: compositionSvc,
		Manager:      manager,
		Composer:     comp,
		Issuer:       auth.NewIssuer(cfg.JWTSecret, cfg.JWTExpiry, cfg.RefreshTokenTTL, c),
		AuthLimiter:  auth.NewRateLimiter(cfg.AuthRateLimit, cfg.AuthRateBurst),
		Performance:  monitoring.NewPerformanceMonitor(c, logger),
		Requests:     monitoring.NewRequestMetrics(),
		Errors: monitoring.NewErrorReporter(monitoring.ErrorReporterOptions{
			Dir:        cfg.Monitoring.ErrorReportDir,
			Interval:   cfg.Monitoring.ErrorReportInterval,
			Notifier:   notifier,
			Recipients: recipients,
			Logger:     logger,
		}),
		System: monitoring.NewSystemMonitor(monitoring.SystemOptions{
			Sources: monitoring.Sources{
				Users:        userSvc,
				Videos:       videoSvc,
				Compositions: compositionSvc,
				Playback:     playbackSvc,
			},
			Snapshot:   Snapshotter{Users: userSvc, Videos: videoSvc},
			Media:      opts.Store,
			MediaRoot:  mediaRoot,
			BackupRoot: cfg.Monitoring.BackupRoot,
			Notifier:   notifier,
			Recipients: recipients,
			Cache:      c,
			Logger:     logger,
		}),
		Health: monitoring.NewHealthChecker(monitoring.HealthCheckerOptions{
			DB:                opts.DB,
			Cache:             c,
			MediaRoot:         mediaRoot,
			MigrationsApplied: opts.MigrationsApplied,
			Version:           Version,
		}),
		Metrics:       metrics,
		Store:         opts.Store,
		MaxUploadSize: cfg.Media.MaxUploadSize,
	}, nil
}

// adminRecipients merges the configured addresses with the emails of admin
// accounts.
func adminRecipients(svc users.Service, configured []string, logger *slog.Logger) monitoring.Recipients {
	return func(ctx context.Context) []string {
		seen := make(map[string]struct{})
		var out []string
		add := func(addr string) {
			addr = strings.ToLower(strings.TrimSpace(addr))
			if addr == "" {
				return
			}
			if _, ok := seen[addr]; ok {
				return
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
		for _, addr := range configured {
			add(addr)
		}
		all, err := svc.List(ctx)
		if err != nil {
			logger.Warn("list admin recipients failed", "err", err)
			return out
		}
		for _, u := range all {
			if u.IsAdmin() && u.IsActive {
				add(u.Email)
			}
		}
		return out
	}
}

// UserRecord is a user as written to a backup snapshot.
type UserRecord struct {
	ID           string    `yaml:"id"`
	Username     string    `yaml:"username"`
	Email        string    `yaml:"email,omitempty"`
	FirstName    string    `yaml:"first_name,omitempty"`
	LastName     string    `yaml:"last_name,omitempty"`
	Role         string    `yaml:"role"`
	IsActive     bool      `yaml:"is_active"`
	PasswordHash string    `yaml:"password_hash"`
	CreatedAt    time.Time `yaml:"created_at"`
}

// VideoRecord is a video as written to a backup snapshot.
type VideoRecord struct {
	ID           string    `yaml:"id"`
	Title        string    `yaml:"title"`
	Description  string    `yaml:"description,omitempty"`
	FilePath     string    `yaml:"file_path"`
	Thumbnail    string    `yaml:"thumbnail,omitempty"`
	FileSize     int64     `yaml:"file_size"`
	Duration     float64   `yaml:"duration"`
	Category     string    `yaml:"category"`
	UploadTime   time.Time `yaml:"upload_time"`
	UploaderID   string    `yaml:"uploader_id"`
	UploaderName string    `yaml:"uploader_name,omitempty"`
	ViewCount    int64     `yaml:"view_count"`
	IsActive     bool      `yaml:"is_active"`
}

// Snapshot is the database section of a backup.
type Snapshot struct {
	TakenAt time.Time     `yaml:"taken_at"`
	Users   []UserRecord  `yaml:"users"`
	Videos  []VideoRecord `yaml:"videos"`
}

// Snapshotter dumps accounts and the video catalogue for backups.
type Snapshotter struct {
	Users  users.Service
	Videos videos.Service
}

// Snapshot implements monitoring.Snapshotter.
func (s Snapshotter) Snapshot(ctx context.Context) (any, error) {
	snap := Snapshot{TakenAt: time.Now().UTC(), Users: []UserRecord{}, Videos: []VideoRecord{}}

	all, err := s.Users.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for _, u := range all {
		snap.Users = append(snap.Users, UserRecord{
			ID:           u.ID,
			Username:     u.Username,
			Email:        u.Email,
			FirstName:    u.FirstName,
			LastName:     u.LastName,
			Role:         string(u.Role),
			IsActive:     u.IsActive,
			PasswordHash: u.PasswordHash,
			CreatedAt:    u.CreatedAt,
		})
	}

	for offset := 0; ; {
		page, err := s.Videos.List(ctx, videos.ListFilter{
			IncludeInactive: true,
			Ordering:        videos.Ordering{Field: "upload_time"},
			Offset:          offset,
			Limit:           videos.MaxPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("list videos: %w", err)
		}
		for _, v := range page.Items {
			snap.Videos = append(snap.Videos, VideoRecord{
				ID:           v.ID,
				Title:        v.Title,
				Description:  v.Description,
				FilePath:     v.FilePath,
				Thumbnail:    v.Thumbnail,
				FileSize:     v.FileSize,
				Duration:     v.Duration,
				Category:     string(v.Category),
				UploadTime:   v.UploadTime,
				UploaderID:   v.UploaderID,
				UploaderName: v.UploaderName,
				ViewCount:    v.ViewCount,
				IsActive:     v.IsActive,
			})
		}
		offset += len(page.Items)
		if len(page.Items) == 0 || offset >= page.Total {
			break
		}
	}
	return snap, nil
}
