package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-news-ingest/internal/scheduler"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the scheduler and the operator HTTP server",
		Long: `Runs an ingestion cycle every cycle.interval and serves /healthz, /readyz,
/metrics and the /v1 cycle and source endpoints until SIGINT or SIGTERM.`,
		RunE: withApp(func(cmd *cobra.Command, instance App) error {
			err := instance.Run(cmd.Context())
			switch {
			case errors.Is(err, scheduler.ErrLocked):
				return fmt.Errorf("another newsingest instance holds the scheduler lock: %w", err)
			case err != nil && !errors.Is(err, context.Canceled):
				return fmt.Errorf("run: %w", err)
			}
			instance.Logger().Info("newsingest stopped")
			return nil
		}),
	}
}
