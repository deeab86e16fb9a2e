package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"listing-sentinel/internal/app"
)

var (
	showListing string
	alertsLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the latest listing snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), app.ShowOptions{ListingID: showListing})
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Display recently delivered alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if alertsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Alerts(cmd.Context(), cmd.OutOrStdout(), alertsLimit)
	},
}

func init() {
	showCmd.Flags().StringVar(&showListing, "listing", "", "Show current and previous snapshot of one listing")
	alertsCmd.Flags().IntVar(&alertsLimit, "limit", 20, "Number of alerts to display")
}
