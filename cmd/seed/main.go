package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/daoistvideo/platform/internal/config"
	"github.com/daoistvideo/platform/internal/database"
	"github.com/daoistvideo/platform/internal/domain/users"
	"github.com/daoistvideo/platform/internal/domain/videos"
	"github.com/daoistvideo/platform/internal/logger"
	pgstorage "github.com/daoistvideo/platform/internal/storage/postgres"
)

type seedOptions struct {
	adminPassword string
	userPassword  string
}

func main() {
	var opts seedOptions
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed the database with demo accounts and catalogue entries",
		Long: `Creates an admin and a regular account plus a few catalogue entries.
Catalogue entries point at media keys under videos/seed/ which must be
uploaded separately before they can be played. Running it twice is safe.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.adminPassword, "admin-password", "daoist-admin-pass", "password for the admin account")
	cmd.Flags().StringVar(&opts.userPassword, "user-password", "daoist-user-pass", "password for the demo user account")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts seedOptions) error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		return err
	}

	logr := logger.New(cfg.Env)

	if cfg.DataBackend != "postgres" {
		err := errors.New("seed command requires DATA_BACKEND=postgres")
		logr.Error(err.Error())
		return err
	}

	db, err := database.Connect(ctx, database.Options{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		Logger:          logr,
	})
	if err != nil {
		logr.Error("failed to connect database", "err", err)
		return err
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, database.NewMigrator(cfg.DatabaseURL, logr)); err != nil {
		logr.Error("migrations failed", "err", err)
		return err
	}

	userRepo := pgstorage.NewUserRepository(db)
	videoRepo := pgstorage.NewVideoRepository(db)
	userSvc := users.NewService(userRepo)

	accounts := []users.RegisterInput{
		{Username: "admin", Email: "admin@daoist-videos.local", Password: opts.adminPassword, Role: users.RoleAdmin},
		{Username: "student", Email: "student@daoist-videos.local", Password: opts.userPassword, Role: users.RoleUser},
	}

	created := make([]users.User, 0, len(accounts))
	for _, in := range accounts {
		in.PasswordConfirm = in.Password
		u, err := userSvc.Register(ctx, in)
		if errors.Is(err, users.ErrUsernameExists) {
			u, err = userRepo.FindByUsername(ctx, in.Username)
		}
		if err != nil {
			logr.Error("failed to seed user", "username", in.Username, "err", err)
			return err
		}
		created = append(created, u)
	}
	admin := created[0]

	sampleVideos := []videos.Video{
		{Title: "Dao De Jing Chapter One", Description: "A reading of the opening chapter.", Category: videos.CategoryDaoistClassic, Duration: 312},
		{Title: "Morning Stillness Meditation", Description: "Guided sitting practice.", Category: videos.CategoryMeditation, Duration: 900},
		{Title: "Temple Morning Chant", Description: "Recorded morning liturgy.", Category: videos.CategoryChanting, Duration: 540},
	}

	now := time.Now().UTC()
	for i, v := range sampleVideos {
		v.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("daoist-videos:seed:"+v.Title)).String()
		v.FilePath = fmt.Sprintf("videos/seed/sample-%d.mp4", i+1)
		v.UploadTime = now.Add(-time.Duration(len(sampleVideos)-i) * time.Hour)
		v.UploaderID = admin.ID
		v.UploaderName = admin.Username
		v.IsActive = true

		saved, err := videoRepo.Save(ctx, v)
		if err != nil {
			logr.Error("failed to seed video", "title", v.Title, "err", err)
			return err
		}
		logr.Info("seeded video", "video_id", saved.ID, "title", saved.Title)
	}

	for _, u := range created {
		fmt.Printf("User: %s (%s, %s)\n", u.Username, u.Role, u.ID)
	}

	logr.Info("seed complete")
	return nil
}
