package metrics

import (
	"errors"
	"time"

	"listing-sentinel/internal/model"
)

// SnapshotOptions tune how a snapshot is derived.
type SnapshotOptions struct {
	// RecentWindow is the number of most recent prices averaged for the trend.
	RecentWindow int
	// MinReviews is the classified-review count below which the sentiment
	// ratios are considered too thin to publish.
	MinReviews int
}

// BuildSnapshot derives the current listing snapshot from chronologically
// ordered price history and sentiment counts. The latest price point is the
// current price.
func BuildSnapshot(listingID string, history []model.PricePoint, counts model.SentimentCounts, opts SnapshotOptions, at time.Time) (model.ListingSnapshot, error) {
	if len(history) == 0 {
		return model.ListingSnapshot{}, ErrEmptySample
	}

	prices := make([]int64, len(history))
	for i, p := range history {
		prices[i] = p.Price
	}
	current := prices[len(prices)-1]

	min, max, err := PriceRange(prices)
	if err != nil {
		return model.ListingSnapshot{}, err
	}
	score := DealScore(current, min, max)

	trend, trendPct, err := TrendFromHistory(prices, opts.RecentWindow)
	if err != nil && !errors.Is(err, ErrZeroHistoricalAverage) {
		return model.ListingSnapshot{}, err
	}

	snap := model.ListingSnapshot{
		ListingID:      listingID,
		Price:          current,
		DealScore:      score,
		Recommendation: Recommend(score).Label,
		TrendLabel:     trend,
		TrendPct:       trendPct,
		ReviewCount:    counts.Total(),
		TakenAt:        at,
	}

	if counts.Total() > 0 && counts.Total() >= opts.MinReviews {
		agg, err := Aggregate(counts)
		if err != nil {
			return model.ListingSnapshot{}, err
		}
		snap.Ratios = agg.Ratios
		snap.HasSentiment = true
	}

	return snap, nil
}
