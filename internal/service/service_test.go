package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-sentinel/internal/classifier"
	"listing-sentinel/internal/detector"
	"listing-sentinel/internal/metrics"
	"listing-sentinel/internal/model"
	"listing-sentinel/internal/pipeline"
	"listing-sentinel/internal/ratelimit"
	"listing-sentinel/internal/storage"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type keywordClassifier struct{}

func (keywordClassifier) Classify(_ context.Context, req classifier.Request) (classifier.Response, error) {
	label := model.SentimentNegative
	if strings.Contains(req.Text, "good") {
		label = model.SentimentPositive
	}
	return classifier.Response{Label: label, Confidence: 95, TokensUsed: 40}, nil
}

// flakyClassifier times out on every review mentioning "stuck".
type flakyClassifier struct{ stuckCalls atomic.Int32 }

func (c *flakyClassifier) Classify(ctx context.Context, req classifier.Request) (classifier.Response, error) {
	if strings.Contains(req.Text, "stuck") {
		c.stuckCalls.Add(1)
		return classifier.Response{}, classifier.NewError(classifier.KindTimeout, context.DeadlineExceeded)
	}
	return keywordClassifier{}.Classify(ctx, req)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []model.AlertEvent
}

func (d *recordingDispatcher) Deliver(_ context.Context, ev model.AlertEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

type downStore struct{ *storage.Memory }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

type fixture struct {
	store      *storage.Memory
	dispatcher *recordingDispatcher
	service    *Service
}

func newFixture(t *testing.T, store Store, mem *storage.Memory) fixture {
	t.Helper()
	logger := zerolog.Nop()

	limiter, err := ratelimit.New(ratelimit.Options{MaxRequestsPerMinute: 1000, MaxTokensPerMinute: 1_000_000}, logger)
	require.NoError(t, err)
	pipe := pipeline.New(keywordClassifier{}, limiter, mem, pipeline.Options{
		Workers:     2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	}, logger)

	dispatcher := &recordingDispatcher{}
	engine := detector.NewEngine(mem, dispatcher, mem, detector.Options{}, logger)
	require.NoError(t, engine.Load(context.Background()))

	svc := New(nil, store, pipe, engine, Options{
		BatchSize:       50,
		MaxInputChars:   1000,
		MaxOutputTokens: 10,
		HistoryWindow:   90 * 24 * time.Hour,
		Snapshot:        metrics.SnapshotOptions{RecentWindow: 7, MinReviews: 5},
		LockKey:         42,
	}, logger)
	return fixture{store: mem, dispatcher: dispatcher, service: svc}
}

func seed(t *testing.T, mem *storage.Memory) {
	t.Helper()
	ctx := context.Background()
	_, err := mem.InsertPricePoints(ctx, []model.PricePoint{
		{ListingID: "iphone-15", Price: 60000, ObservedAt: t0.Add(-48 * time.Hour)},
		{ListingID: "iphone-15", Price: 56000, ObservedAt: t0.Add(-24 * time.Hour)},
	})
	require.NoError(t, err)

	texts := []string{"good camera", "good battery", "good screen", "bad box", "bad charger", ""}
	reviews := make([]model.Review, len(texts))
	for i, text := range texts {
		reviews[i] = model.Review{ListingID: "iphone-15", ReviewID: string(rune('a' + i)), Text: text, ObservedAt: t0.Add(time.Duration(i) * time.Minute)}
	}
	_, err = mem.InsertReviews(ctx, reviews)
	require.NoError(t, err)
}

func TestSweepBaselinesThenAlertsOnce(t *testing.T) {
	mem := storage.NewMemory()
	seed(t, mem)
	fx := newFixture(t, mem, mem)
	ctx := context.Background()

	report, err := fx.service.Sweep(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Classification.Total)
	assert.Equal(t, 5, report.Classification.Succeeded)
	assert.Equal(t, 1, report.Classification.ByKind[model.FailureEmptyInput])
	assert.Equal(t, 1, report.Listings)
	assert.Equal(t, 0, report.Alerts, "first observation only sets the baseline")

	snap, _, err := mem.GetSnapshot(ctx, "iphone-15")
	require.NoError(t, err)
	assert.Equal(t, int64(56000), snap.Price)
	assert.True(t, snap.HasSentiment)
	assert.InDelta(t, 0.6, snap.Ratios.Positive, 1e-9)

	_, err = mem.InsertPricePoints(ctx, []model.PricePoint{{ListingID: "iphone-15", Price: 52000, ObservedAt: t0.Add(time.Hour)}})
	require.NoError(t, err)

	report, err = fx.service.Sweep(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Classification.Total, "empty review is not offered again")
	assert.Equal(t, 1, report.Alerts)
	require.Len(t, fx.dispatcher.events, 1)
	ev := fx.dispatcher.events[0]
	assert.Equal(t, model.AlertPriceDrop, ev.Kind)
	assert.Equal(t, -7.14, ev.DeltaPct)

	report, err = fx.service.Sweep(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Alerts)
	assert.Len(t, fx.dispatcher.events, 1)

	alerts, err := mem.ListRecentAlerts(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	last, ok := fx.service.LastReport()
	require.True(t, ok)
	assert.Empty(t, last.Error)
}

func TestSweepAbortsWhenStoreIsDown(t *testing.T) {
	mem := storage.NewMemory()
	seed(t, mem)
	fx := newFixture(t, downStore{mem}, mem)

	_, err := fx.service.Sweep(context.Background(), t0)
	require.Error(t, err)

	last, ok := fx.service.LastReport()
	require.True(t, ok)
	assert.Contains(t, last.Error, "store unavailable")
	assert.Empty(t, fx.dispatcher.events)
	_, _, err = mem.GetSnapshot(context.Background(), "iphone-15")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSweepSkipsWhenLockHeldElsewhere(t *testing.T) {
	mem := storage.NewMemory()
	seed(t, mem)
	fx := newFixture(t, mem, mem)

	unlock, ok, err := mem.TryAdvisoryLock(context.Background(), 42)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	report, err := fx.service.Sweep(context.Background(), t0)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, 0, report.Listings)
}

func TestSweepRejectsConcurrentRun(t *testing.T) {
	mem := storage.NewMemory()
	fx := newFixture(t, mem, mem)

	fx.service.running.Lock()
	_, err := fx.service.Sweep(context.Background(), t0)
	fx.service.running.Unlock()
	assert.ErrorIs(t, err, ErrSweepRunning)
}

func TestClassifyWithoutPipeline(t *testing.T) {
	mem := storage.NewMemory()
	seed(t, mem)
	svc := New(nil, mem, nil, nil, Options{}, zerolog.Nop())

	summary, err := svc.Classify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)

	report, err := svc.Sweep(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Listings)
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := New(nil, storage.NewMemory(), nil, nil, Options{}, zerolog.Nop())
	require.Error(t, svc.Run(context.Background()))
}

func TestClassifyStopsRetryingAfterFailedSweeps(t *testing.T) {
	mem := storage.NewMemory()
	ctx := context.Background()
	_, err := mem.InsertReviews(ctx, []model.Review{
		{ListingID: "iphone-15", ReviewID: "s1", Text: "stuck one", ObservedAt: t0},
		{ListingID: "iphone-15", ReviewID: "s2", Text: "stuck two", ObservedAt: t0.Add(time.Minute)},
		{ListingID: "iphone-15", ReviewID: "fresh", Text: "good camera", ObservedAt: t0.Add(time.Hour)},
	})
	require.NoError(t, err)

	logger := zerolog.Nop()
	limiter, err := ratelimit.New(ratelimit.Options{MaxRequestsPerMinute: 1000, MaxTokensPerMinute: 1_000_000}, logger)
	require.NoError(t, err)
	flaky := &flakyClassifier{}
	pipe := pipeline.New(flaky, limiter, mem, pipeline.Options{
		Workers:     1,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	}, logger)
	svc := New(nil, mem, pipe, nil, Options{
		BatchSize:       2,
		MaxFailedSweeps: 2,
		MaxInputChars:   1000,
		MaxOutputTokens: 10,
	}, logger)

	summary, err := svc.Classify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Retryable, "both stuck reviews fail first")

	summary, err = svc.Classify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded, "the never-failed review jumps the queue")

	for range 3 {
		_, err = svc.Classify(ctx)
		require.NoError(t, err)
	}

	counts, err := mem.SentimentCounts(ctx, "iphone-15")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Positive)
	assert.Equal(t, int32(2*2*3), flaky.stuckCalls.Load(), "two reviews, two sweeps, three attempts each")

	pending, err := mem.ListUnclassifiedReviews(ctx, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
