// Package cmd defines the newsingest command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-ingest/internal/app"
	"github.com/JakeFAU/realtime-news-ingest/internal/config"
	"github.com/JakeFAU/realtime-news-ingest/internal/orchestrator"
)

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands use. Tests inject a fake through newApp.
type App interface {
	Run(ctx context.Context) error
	RunCycle(ctx context.Context) (orchestrator.Report, error)
	Reembed(ctx context.Context, limit int) (orchestrator.ReembedReport, error)
	Migrate() (uint, bool, error)
	Logger() *zap.Logger
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "newsingest",
		Short: "Ingests tech news from several sources and drops semantic duplicates.",
		Long: `newsingest polls Hacker News, RSS/Atom feeds, arXiv and GitHub releases on a
schedule, normalizes what it finds, embeds every article and stores only the
ones that are not near-duplicates of something already seen.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			instance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, instance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars prefixed NEWSINGEST_ override it")

	cmd.AddCommand(newRunCmd(), newOnceCmd(), newReembedCmd(), newMigrateCmd())
	return cmd
}

// withApp resolves the App built by the root command and closes it once fn
// returns, whether or not fn failed.
func withApp(fn func(cmd *cobra.Command, instance App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) (err error) {
		instance, ok := cmd.Context().Value(appKey).(App)
		if !ok || instance == nil {
			return errors.New("application not initialized")
		}
		defer func() {
			if closeErr := instance.Close(context.WithoutCancel(cmd.Context())); closeErr != nil {
				err = errors.Join(err, fmt.Errorf("shutdown: %w", closeErr))
			}
		}()
		return fn(cmd, instance)
	}
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
