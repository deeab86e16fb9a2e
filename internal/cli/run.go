package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"listing-sentinel/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run scheduled sweeps and the status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var (
	sweepSkipClassify bool
	sweepJSON         bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single sweep now",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := getApp().Sweep(cmd.Context(), app.SweepOptions{SkipClassify: sweepSkipClassify})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if sweepJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		if report.Skipped {
			fmt.Fprintln(out, "sweep skipped: another instance holds the lock")
			return nil
		}
		fmt.Fprintf(out, "listings: %d  classified: %d/%d  alerts: %d  undelivered: %d\n",
			report.Listings,
			report.Classification.Succeeded, report.Classification.Total,
			report.Alerts, report.Undelivered)
		return nil
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify one batch of pending reviews",
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := getApp().Classify(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "total: %d  succeeded: %d  failed: %d  retryable: %d\n",
			summary.Total, summary.Succeeded, summary.Failed, summary.Retryable)
		for kind, n := range summary.ByKind {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d\n", kind, n)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepSkipClassify, "skip-classify", false, "Only recompute snapshots from already classified reviews")
	sweepCmd.Flags().BoolVar(&sweepJSON, "json", false, "Print the sweep report as JSON")
}
