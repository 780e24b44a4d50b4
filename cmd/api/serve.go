package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/daoistvideo/platform/internal/httpapi"
	"github.com/daoistvideo/platform/internal/observability"
	"github.com/daoistvideo/platform/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with its background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logr, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Service:     "daoist-video-api",
		Environment: cfg.Env,
		Exporter:    cfg.OTelExporter,
		Endpoint:    cfg.OTelEndpoint,
	})
	if err != nil {
		logr.Error("failed to init tracing", "err", err)
		return err
	}

	a, err := buildApp(ctx, cfg, logr)
	if err != nil {
		logr.Error("failed to init application", "err", err)
		return err
	}
	defer a.Close()

	c := a.container
	srv := server.New(cfg, logr, server.Deps{
		Issuer:      c.Issuer,
		Metrics:     c.Metrics,
		Performance: c.Performance,
		Requests:    c.Requests,
		Errors:      c.Errors,
		Health:      c.Health,
	})
	httpapi.Register(srv.Router(), logr, c)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Run)
	g.Go(func() error { return a.janitor(cfg, logr).Run(gctx) })
	g.Go(func() error { return c.Errors.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := c.Manager.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logr.Error("api exited with error", "err", err)
		return err
	}
	logr.Info("api stopped")
	return nil
}
