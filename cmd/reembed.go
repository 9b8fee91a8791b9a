package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newReembedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reembed",
		Short: "Retries embedding for articles stored without a vector",
		Long: `Articles stored while the embedding provider was unavailable carry no vector
and are never used for matching. reembed embeds up to --limit of them, oldest
first, and runs each through deduplication again.`,
		RunE: withApp(func(cmd *cobra.Command, instance App) error {
			if limit <= 0 {
				return errors.New("--limit must be > 0")
			}
			report, err := instance.Reembed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"candidates=%d embedded=%d still_degraded=%d unique=%d duplicate=%d failed=%d (%dms)\n",
				report.Candidates, report.Embedded, report.Degraded, report.Unique, report.Duplicate, report.Failed, report.DurationMS)
			return nil
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of degraded articles to process")
	return cmd
}
