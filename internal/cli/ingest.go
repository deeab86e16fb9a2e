package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"listing-sentinel/internal/app"
)

var (
	ingestPrices  string
	ingestReviews string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Import price and review CSV exports",
	RunE: func(cmd *cobra.Command, args []string) error {
		prices, reviews, err := getApp().Ingest(cmd.Context(), app.IngestOptions{
			PricesPath:  ingestPrices,
			ReviewsPath: ingestReviews,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if ingestPrices != "" {
			fmt.Fprintf(out, "prices: %d rows, %d new, %d skipped\n", prices.Rows, prices.Inserted, prices.Skipped)
		}
		if ingestReviews != "" {
			fmt.Fprintf(out, "reviews: %d rows, %d new, %d skipped\n", reviews.Rows, reviews.Inserted, reviews.Skipped)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestPrices, "prices", "", "CSV with listing_id,price,observed_at columns")
	ingestCmd.Flags().StringVar(&ingestReviews, "reviews", "", "CSV with listing_id (or product_asin), review_id and text columns")
}
