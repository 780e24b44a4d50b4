package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newJanitorCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Run housekeeping: old compositions, stale tasks, storage checks and backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logr, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, logr)
			if err != nil {
				logr.Error("failed to init application", "err", err)
				return err
			}
			defer a.Close()

			j := a.janitor(cfg, logr)
			if once {
				return j.RunOnce(ctx)
			}
			return j.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run every job a single time and exit")
	return cmd
}
