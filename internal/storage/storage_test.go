package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-sentinel/internal/config"
	"listing-sentinel/internal/model"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	lite, err := Open(ctx, config.DatabaseConfig{
		Driver:      config.DriverSQLite,
		DSN:         filepath.Join(t.TempDir(), "nested", "sentinel.db"),
		AutoMigrate: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(lite.Close)

	mem, err := Open(ctx, config.DatabaseConfig{Driver: config.DriverMemory}, zerolog.Nop())
	require.NoError(t, err)

	return map[string]Store{"sqlite": lite, "memory": mem}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "mysql"}, zerolog.Nop())
	require.Error(t, err)
}

func TestIngestAndPriceHistory(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			points := []model.PricePoint{
				{ListingID: "b", Price: 500, ObservedAt: t0},
				{ListingID: "a", Price: 300, ObservedAt: t0.Add(2 * time.Hour)},
				{ListingID: "a", Price: 200, ObservedAt: t0},
				{ListingID: "a", Price: 100, ObservedAt: t0.Add(-48 * time.Hour)},
			}
			n, err := store.InsertPricePoints(ctx, points)
			require.NoError(t, err)
			assert.Equal(t, 4, n)

			n, err = store.InsertPricePoints(ctx, points[:2])
			require.NoError(t, err)
			assert.Equal(t, 0, n, "duplicates are ignored")

			ids, err := store.ListListingIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, ids)

			history, err := store.PriceHistory(ctx, "a", t0.Add(-time.Hour))
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, int64(200), history[0].Price)
			assert.Equal(t, int64(300), history[1].Price)
			assert.True(t, history[1].ObservedAt.Equal(t0.Add(2*time.Hour)))
		})
	}
}

func TestUnclassifiedReviews(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reviews := []model.Review{
				{ListingID: "a", ReviewID: "r1", Text: "great", ObservedAt: t0},
				{ListingID: "a", ReviewID: "r2", Text: "bad", ObservedAt: t0.Add(time.Minute)},
				{ListingID: "a", ReviewID: "r3", Text: "meh", ObservedAt: t0.Add(2 * time.Minute)},
				{ListingID: "a", ReviewID: "r4", Text: "", ObservedAt: t0.Add(3 * time.Minute)},
			}
			n, err := store.InsertReviews(ctx, reviews)
			require.NoError(t, err)
			assert.Equal(t, 4, n)

			require.NoError(t, store.SaveResult(ctx, model.ClassificationResult{
				RequestID: "q1", ListingID: "a", ReviewID: "r1", Label: model.SentimentPositive,
				Confidence: 95, Latency: 120 * time.Millisecond, TokensUsed: 110, ClassifiedAt: t0,
			}))
			require.NoError(t, store.SaveFailure(ctx, model.ClassificationFailure{
				RequestID: "q2", ListingID: "a", ReviewID: "r2", Kind: model.FailureTimeout,
				Reason: "deadline", Attempts: 3, Retryable: true, FailedAt: t0,
			}))
			require.NoError(t, store.SaveFailure(ctx, model.ClassificationFailure{
				RequestID: "q4", ListingID: "a", ReviewID: "r4", Kind: model.FailureEmptyInput,
				Reason: "empty", Attempts: 0, Retryable: false, FailedAt: t0,
			}))

			pending, err := store.ListUnclassifiedReviews(ctx, 10, 0)
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, "r3", pending[0].ReviewID, "never-failed reviews go first")
			assert.Equal(t, "r2", pending[1].ReviewID)

			limited, err := store.ListUnclassifiedReviews(ctx, 1, 0)
			require.NoError(t, err)
			require.Len(t, limited, 1)
			assert.Equal(t, "r3", limited[0].ReviewID)

			capped, err := store.ListUnclassifiedReviews(ctx, 10, 1)
			require.NoError(t, err)
			require.Len(t, capped, 1, "r2 used up its failed sweeps")
			assert.Equal(t, "r3", capped[0].ReviewID)
		})
	}
}

func TestSentimentCounts(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			labels := []model.Sentiment{
				model.SentimentPositive, model.SentimentPositive,
				model.SentimentNegative, model.SentimentNeutral,
			}
			for i, label := range labels {
				require.NoError(t, store.SaveResult(ctx, model.ClassificationResult{
					RequestID:    "req-" + string(rune('a'+i)),
					ListingID:    "a",
					ReviewID:     "r" + string(rune('a'+i)),
					Label:        label,
					ClassifiedAt: t0,
				}))
			}
			require.NoError(t, store.SaveResult(ctx, model.ClassificationResult{
				RequestID: "other", ListingID: "b", ReviewID: "x", Label: model.SentimentNegative, ClassifiedAt: t0,
			}))

			counts, err := store.SentimentCounts(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, model.SentimentCounts{Positive: 2, Negative: 1, Neutral: 1}, counts)
		})
	}
}

func TestSnapshotsKeepPrevious(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _, err := store.GetSnapshot(ctx, "a")
			require.True(t, errors.Is(err, ErrNotFound))

			first := model.ListingSnapshot{ListingID: "a", Price: 1000, DealScore: 40, TakenAt: t0}
			second := model.ListingSnapshot{ListingID: "a", Price: 900, DealScore: 80, TakenAt: t0.Add(time.Hour)}
			require.NoError(t, store.UpsertSnapshot(ctx, first))

			cur, prev, err := store.GetSnapshot(ctx, "a")
			require.NoError(t, err)
			assert.Nil(t, prev)
			assert.Equal(t, int64(1000), cur.Price)

			require.NoError(t, store.UpsertSnapshot(ctx, second))
			cur, prev, err = store.GetSnapshot(ctx, "a")
			require.NoError(t, err)
			require.NotNil(t, prev)
			assert.Equal(t, int64(900), cur.Price)
			assert.Equal(t, int64(1000), prev.Price)

			all, err := store.ListSnapshots(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, 80, all[0].DealScore)
		})
	}
}

func TestAlertStatesRoundTrip(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := model.NewAlertState("a")
			st.Price = model.TrackState{Status: model.TrackAlerted, Baseline: 56000, LastAlertAt: t0, UpdatedAt: t0}
			st.Sentiment = model.TrackState{Status: model.TrackStable, Baseline: 0.6, UpdatedAt: t0}
			require.NoError(t, store.SaveAlertState(ctx, st))

			st.Price.Baseline = 52000
			require.NoError(t, store.SaveAlertState(ctx, st))

			states, err := store.LoadAlertStates(ctx)
			require.NoError(t, err)
			got, ok := states["a"]
			require.True(t, ok)
			assert.Equal(t, model.TrackAlerted, got.Price.Status)
			assert.Equal(t, 52000.0, got.Price.Baseline)
			assert.True(t, got.Price.LastAlertAt.Equal(t0))
			assert.Equal(t, model.TrackStable, got.Sentiment.Status)
			assert.InDelta(t, 0.6, got.Sentiment.Baseline, 1e-9)
			assert.True(t, got.Sentiment.LastAlertAt.IsZero())
		})
	}
}

func TestAlertLog(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			older := model.AlertEvent{
				ID: "e1", Kind: model.AlertPriceDrop, ListingID: "a",
				OldValue: 1000, NewValue: 900, DeltaPct: -10,
				Snapshot: model.ListingSnapshot{ListingID: "a", Price: 900}, At: t0,
			}
			newer := older
			newer.ID = "e2"
			newer.Kind = model.AlertSentimentDecline
			newer.At = t0.Add(time.Hour)

			require.NoError(t, store.AppendAlert(ctx, older))
			require.NoError(t, store.AppendAlert(ctx, newer))
			require.NoError(t, store.AppendAlert(ctx, older))

			alerts, err := store.ListRecentAlerts(ctx, 10)
			require.NoError(t, err)
			require.Len(t, alerts, 2)
			assert.Equal(t, "e2", alerts[0].ID)
			assert.Equal(t, model.AlertPriceDrop, alerts[1].Kind)
			assert.Equal(t, int64(900), alerts[1].Snapshot.Price)

			one, err := store.ListRecentAlerts(ctx, 1)
			require.NoError(t, err)
			require.Len(t, one, 1)
		})
	}
}

func TestMemoryAdvisoryLock(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	unlock, ok, err := mem.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = mem.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	_, ok, err = mem.TryAdvisoryLock(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPostgresNotConfigured(t *testing.T) {
	var pg *Postgres
	_, err := pg.ListListingIDs(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
}
