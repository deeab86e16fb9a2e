package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-sentinel/internal/model"
)

func pricePoints(listingID string, prices ...int64) []model.PricePoint {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.PricePoint, len(prices))
	for i, p := range prices {
		out[i] = model.PricePoint{ListingID: listingID, Price: p, ObservedAt: base.Add(time.Duration(i) * time.Hour)}
	}
	return out
}

func TestBuildSnapshot(t *testing.T) {
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	snap, err := BuildSnapshot("L1", pricePoints("L1", 50, 52, 49, 55, 48), model.SentimentCounts{Positive: 40, Negative: 5, Neutral: 6}, SnapshotOptions{RecentWindow: 1, MinReviews: 5}, at)
	require.NoError(t, err)

	assert.Equal(t, int64(48), snap.Price)
	assert.Equal(t, 100, snap.DealScore)
	assert.Equal(t, RecommendBuyNow, snap.Recommendation)
	assert.Equal(t, model.TrendFalling, snap.TrendLabel)
	assert.True(t, snap.HasSentiment)
	assert.InDelta(t, 40.0/51.0, snap.Ratios.Positive, 1e-9)
	assert.Equal(t, at, snap.TakenAt)
}

func TestBuildSnapshotBelowMinReviews(t *testing.T) {
	snap, err := BuildSnapshot("L1", pricePoints("L1", 100), model.SentimentCounts{Positive: 2}, SnapshotOptions{MinReviews: 5}, time.Now())
	require.NoError(t, err)
	assert.False(t, snap.HasSentiment)
	assert.Equal(t, 2, snap.ReviewCount)
	assert.Equal(t, 100, snap.DealScore)
}

func TestBuildSnapshotWithoutHistory(t *testing.T) {
	_, err := BuildSnapshot("L1", nil, model.SentimentCounts{}, SnapshotOptions{}, time.Now())
	require.ErrorIs(t, err, ErrEmptySample)
}
