package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-news-ingest/internal/app"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies pending schema migrations to the configured store",
		RunE: withApp(func(cmd *cobra.Command, instance App) error {
			version, dirty, err := instance.Migrate()
			if errors.Is(err, app.ErrNoSchema) {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to migrate for the in-memory store")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d (dirty=%t)\n", version, dirty)
			return nil
		}),
	}
}
