package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"listing-sentinel/internal/app"
	"listing-sentinel/internal/ingest"
)

var (
	simulateListing string
	simulateOld     string
	simulateNew     string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次价格变动并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOld == "" || simulateNew == "" {
			return errors.New("--old 与 --new 必须提供")
		}
		oldPrice, err := ingest.ParsePrice(simulateOld)
		if err != nil {
			return err
		}
		newPrice, err := ingest.ParsePrice(simulateNew)
		if err != nil {
			return err
		}
		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			ListingID: simulateListing,
			OldPrice:  oldPrice,
			NewPrice:  newPrice,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateListing, "listing", "simulated-listing", "Listing id shown in the alert")
	simulateCmd.Flags().StringVar(&simulateOld, "old", "", "基准价格 (major units, e.g. 56000)")
	simulateCmd.Flags().StringVar(&simulateNew, "new", "", "当前价格 (major units)")
}
