package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"listing-sentinel/internal/metrics"
	"listing-sentinel/internal/model"
)

// Export renders a listing's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.ListingID == "" {
		return errors.New("--listing must be provided")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-a.Config.Metrics.HistoryWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	history, err := store.PriceHistory(ctx, opts.ListingID, from)
	if err != nil {
		return err
	}
	points := make([]model.PricePoint, 0, len(history))
	for _, p := range history {
		if p.ObservedAt.Before(to) {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		a.Logger.Info().Str("listing_id", opts.ListingID).Msg("no prices found for export window")
		return nil
	}

	baseline := 0.0
	states, _, err := a.newStateStore(ctx, store)
	if err != nil {
		return err
	}
	all, err := states.LoadAlertStates(ctx)
	if err != nil {
		return err
	}
	if st, ok := all[opts.ListingID]; ok && st.Price.Status != model.TrackNoPrior {
		baseline = st.Price.Baseline
	}

	rows := buildExportRows(points, baseline, a.Config.Metrics.RecentWindow)
	rows = downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(rows)).Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, opts.ListingID, rows); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, opts.ListingID, a.Config.Alerting.Currency, rows); err != nil {
			return err
		}
	}
	return nil
}

type exportRow struct {
	At        time.Time
	Price     int64
	Average   float64
	Baseline  float64
	DealScore int
}

// buildExportRows attaches the rolling mean and the running deal score to
// each observation.
func buildExportRows(points []model.PricePoint, baseline float64, window int) []exportRow {
	if window <= 0 {
		window = 1
	}
	prices := make([]int64, len(points))
	for i, p := range points {
		prices[i] = p.Price
	}

	rows := make([]exportRow, len(points))
	for i, p := range points {
		start := max(0, i+1-window)
		avg, _ := metrics.Mean(prices[start : i+1])
		lo, hi, _ := metrics.PriceRange(prices[:i+1])
		rows[i] = exportRow{
			At:        p.ObservedAt,
			Price:     p.Price,
			Average:   avg,
			Baseline:  baseline,
			DealScore: metrics.DealScore(p.Price, lo, hi),
		}
	}
	return rows
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func majorUnits(minor float64) string {
	return decimal.NewFromFloat(minor).Shift(-2).StringFixed(2)
}

func writeHistoryCSV(path, listingID string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"listing_id", "observed_at", "price", "rolling_avg", "baseline", "deal_score"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		baseline := ""
		if row.Baseline > 0 {
			baseline = majorUnits(row.Baseline)
		}
		record := []string{
			listingID,
			row.At.UTC().Format(time.RFC3339),
			majorUnits(float64(row.Price)),
			majorUnits(row.Average),
			baseline,
			strconv.Itoa(row.DealScore),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeHistoryPNG(path, listingID, currency string, rows []exportRow) error {
	if len(rows) < 2 {
		return fmt.Errorf("need at least two price points to draw a chart, have %d", len(rows))
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	price := make([]float64, len(rows))
	avg := make([]float64, len(rows))
	score := make([]float64, len(rows))
	for i, row := range rows {
		x[i] = row.At
		price[i] = float64(row.Price) / 100
		avg[i] = row.Average / 100
		score[i] = float64(row.DealScore)
	}

	moneyFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, currency+"%.0f")
	}
	series := []chart.Series{
		chart.TimeSeries{Name: "Price", XValues: x, YValues: price},
		chart.TimeSeries{Name: "Rolling average", XValues: x, YValues: avg},
		chart.TimeSeries{Name: "Deal score", XValues: x, YValues: score, YAxis: chart.YAxisSecondary},
	}
	if baseline := rows[0].Baseline; baseline > 0 {
		flat := make([]float64, len(rows))
		for i := range flat {
			flat[i] = baseline / 100
		}
		series = append(series, chart.TimeSeries{Name: "Alert baseline", XValues: x, YValues: flat})
	}

	graph := chart.Chart{
		Title:  listingID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: moneyFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:  "Deal score",
			Range: &chart.ContinuousRange{Min: 0, Max: 100},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
