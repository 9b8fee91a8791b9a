package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-news-ingest/internal/orchestrator"
)

func newOnceCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Runs a single ingestion cycle and prints its report",
		RunE: withApp(func(cmd *cobra.Command, instance App) error {
			report, err := instance.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return fmt.Errorf("encode report: %w", err)
				}
			} else {
				writeReport(cmd.OutOrStdout(), report)
			}
			if report.State == orchestrator.StatePartiallyFailed {
				return fmt.Errorf("cycle %s: %d source(s) failed", report.ID, len(report.Failed()))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func writeReport(w io.Writer, report orchestrator.Report) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle(fmt.Sprintf("cycle %s (%s, %dms)", report.ID, report.State, report.DurationMS))
	tw.AppendHeader(table.Row{"source", "pages", "fetched", "new", "duplicate", "degraded", "skipped", "failed", "circuit", "error"})
	for _, src := range report.Sources {
		c := src.Counts
		tw.AppendRow(table.Row{src.Name, src.Pages, c.Fetched, c.New, c.Duplicate, c.Degraded, c.Skipped, c.Failed, src.Circuit, src.Error})
	}
	t := report.Totals
	tw.AppendFooter(table.Row{"total", "", t.Fetched, t.New, t.Duplicate, t.Degraded, t.Skipped, t.Failed, "", ""})

	configs := make([]table.ColumnConfig, 0, 8)
	for col := 2; col <= 8; col++ {
		configs = append(configs, table.ColumnConfig{Number: col, Align: text.AlignRight, AlignFooter: text.AlignRight})
	}
	configs = append(configs, table.ColumnConfig{Number: 10, WidthMax: 60})
	tw.SetColumnConfigs(configs)
	tw.Render()
}
