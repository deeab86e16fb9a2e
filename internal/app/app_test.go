package app

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-sentinel/internal/config"
)

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("SENTINEL_DATABASE_DSN", filepath.Join(dir, "sentinel.db"))
	t.Setenv("SENTINEL_ALERTING_MIN_DISPATCH_INTERVAL", "0s")

	cfg, err := config.Load("")
	require.NoError(t, err)
	return NewApp(cfg, zerolog.Nop()), dir
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestIngestSweepShowExport(t *testing.T) {
	a, dir := newTestApp(t)
	ctx := context.Background()
	now := time.Now().UTC()
	day := func(n int) string { return now.Add(time.Duration(-n) * 24 * time.Hour).Format(time.RFC3339) }

	prices := writeFile(t, dir, "prices.csv", fmt.Sprintf("listing_id,price,observed_at\niphone-15,600.00,%s\niphone-15,560.00,%s\n", day(3), day(2)))
	reviews := writeFile(t, dir, "reviews.csv", "listing_id,review_id,text\niphone-15,r1,great phone\n")

	priceReport, reviewReport, err := a.Ingest(ctx, IngestOptions{PricesPath: prices, ReviewsPath: reviews})
	require.NoError(t, err)
	assert.Equal(t, 2, priceReport.Inserted)
	assert.Equal(t, 1, reviewReport.Inserted)

	report, err := a.Sweep(ctx, SweepOptions{SkipClassify: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Listings)
	assert.Equal(t, 0, report.Alerts)

	var out bytes.Buffer
	require.NoError(t, a.Show(ctx, &out, ShowOptions{}))
	assert.Contains(t, out.String(), "iphone-15")
	assert.Contains(t, out.String(), "Rs.560.00")

	out.Reset()
	require.NoError(t, a.Alerts(ctx, &out, 10))
	assert.Contains(t, out.String(), "no alerts found")

	more := writeFile(t, dir, "more.csv", fmt.Sprintf("listing_id,price,observed_at\niphone-15,520.00,%s\n", day(1)))
	_, _, err = a.Ingest(ctx, IngestOptions{PricesPath: more})
	require.NoError(t, err)

	report, err = a.Sweep(ctx, SweepOptions{SkipClassify: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Alerts)

	out.Reset()
	require.NoError(t, a.Alerts(ctx, &out, 10))
	assert.Contains(t, out.String(), "PRICE_DROP")
	assert.Contains(t, out.String(), "-7.14%")

	csvPath := filepath.Join(dir, "out", "history.csv")
	pngPath := filepath.Join(dir, "out", "history.png")
	require.NoError(t, a.Export(ctx, ExportOptions{ListingID: "iphone-15", CSVPath: csvPath, PNGPath: pngPath}))

	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "listing_id,observed_at,price,rolling_avg,baseline,deal_score")
	assert.Contains(t, string(data), "520.00")
	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestSweepRequiresClassifierKey(t *testing.T) {
	a, _ := newTestApp(t)
	_, err := a.Sweep(context.Background(), SweepOptions{})
	require.ErrorContains(t, err, "api_key")
}

func TestExportValidatesOptions(t *testing.T) {
	a, _ := newTestApp(t)
	require.Error(t, a.Export(context.Background(), ExportOptions{CSVPath: "x.csv"}))
	require.Error(t, a.Export(context.Background(), ExportOptions{ListingID: "a"}))
}

func TestSimulateAlert(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.SimulateAlert(ctx, SimulateOptions{ListingID: "iphone-15", OldPrice: 100000, NewPrice: 90000}))
	require.Error(t, a.SimulateAlert(ctx, SimulateOptions{ListingID: "iphone-15", OldPrice: 100000, NewPrice: 99000}))
	require.Error(t, a.SimulateAlert(ctx, SimulateOptions{ListingID: "iphone-15", OldPrice: 0, NewPrice: 99000}))
}

func TestNewDispatcherNeedsAChannel(t *testing.T) {
	a, _ := newTestApp(t)
	a.Config.Alerting.Channels = nil
	_, err := a.newDispatcher()
	require.Error(t, err)

	a.Config.Alerting.Channels = []string{"log", "teams"}
	d, err := a.newDispatcher()
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestDownsampleRows(t *testing.T) {
	rows := make([]exportRow, 10)
	for i := range rows {
		rows[i].Price = int64(i)
	}
	got := downsampleRows(rows, 4)
	require.Len(t, got, 4)
	assert.Equal(t, int64(0), got[0].Price)
	assert.Equal(t, int64(9), got[3].Price)
	assert.Len(t, downsampleRows(rows, 0), 10)
}

func TestEngineUsesConfiguredThresholds(t *testing.T) {
	t.Setenv("SENTINEL_ALERTING_PRICE_DROP_PCT", "8")
	a, _ := newTestApp(t)
	ctx := context.Background()

	store, err := a.openStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	engine, err := a.newEngine(ctx, store)
	require.NoError(t, err)
	th := engine.Thresholds()
	assert.Equal(t, 8.0, th.PriceDropPct)
	assert.Equal(t, 5.0, th.PriceRisePct)
	assert.Equal(t, 10.0, th.SentimentDeltaPct)
}
