package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/daoistvideo/platform/internal/config"
	"github.com/daoistvideo/platform/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// overrides are flag values that take precedence over the environment.
var overrides struct {
	port int
	env  string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "daoist-api",
		Short:         "Daoist video platform API server and maintenance commands",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().IntVar(&overrides.port, "port", 0, "HTTP port, overrides HTTP_PORT")
	root.PersistentFlags().StringVar(&overrides.env, "env", "", "environment name, overrides APP_ENV")
	root.AddCommand(newServeCmd(), newMigrateCmd(), newJanitorCmd())
	return root
}

// loadConfig reads the environment and builds the process logger. Failures
// are logged before being returned so cobra can stay silent.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		return config.Config{}, nil, err
	}
	if overrides.port > 0 {
		cfg.HTTPPort = overrides.port
	}
	if overrides.env != "" {
		cfg.Env = overrides.env
	}
	logr := logger.New(cfg.Env)
	slog.SetDefault(logr)
	return cfg, logr, nil
}
