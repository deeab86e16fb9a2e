// Package ingest loads scraped price observations and reviews from CSV
// exports into the store. Inputs are append-only: rows already present are
// ignored by the store.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-sentinel/internal/model"
	"listing-sentinel/internal/storage"
)

const batchSize = 500

var (
	listingColumns = []string{"listing_id", "product_asin", "asin"}
	reviewIDColumn = []string{"review_id"}
	textColumns    = []string{"text", "review_text", "body"}
	timeColumns    = []string{"observed_at", "date", "scraped_at", "timestamp"}
	priceColumns   = []string{"price"}
	platformColumn = []string{"platform", "seller"}

	timeLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"02/01/2006",
		"January 2, 2006",
		"2 January 2006",
	}
)

// Report counts what an import did.
type Report struct {
	Rows     int
	Inserted int
	Skipped  int
}

// Importer writes parsed rows to an IngestStore.
type Importer struct {
	store  storage.IngestStore
	now    func() time.Time
	logger zerolog.Logger
}

func New(store storage.IngestStore, logger zerolog.Logger) *Importer {
	return &Importer{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "ingest").Logger(),
	}
}

// ImportPrices reads listing_id,price,observed_at rows. Prices are major
// units ("56,999.00", "Rs.56999") and stored as minor units.
func (i *Importer) ImportPrices(ctx context.Context, r io.Reader) (Report, error) {
	var (
		report Report
		batch  []model.PricePoint
	)
	flush := func() error {
		n, err := i.store.InsertPricePoints(ctx, batch)
		if err != nil {
			return fmt.Errorf("insert price points: %w", err)
		}
		report.Inserted += n
		batch = batch[:0]
		return nil
	}

	err := readRows(r, func(line int, row record) error {
		report.Rows++
		listingID := row.get(listingColumns...)
		price, err := ParsePrice(row.get(priceColumns...))
		if listingID == "" || err != nil {
			report.Skipped++
			i.logger.Warn().Int("line", line).Err(err).Msg("skip price row")
			return nil
		}
		observed := i.now()
		if raw := row.get(timeColumns...); raw != "" {
			if observed, err = ParseTime(raw); err != nil {
				report.Skipped++
				i.logger.Warn().Int("line", line).Err(err).Msg("skip price row")
				return nil
			}
		}
		batch = append(batch, model.PricePoint{ListingID: listingID, Price: price, ObservedAt: observed})
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	}, listingColumns, priceColumns)
	if err != nil {
		return report, err
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			return report, err
		}
	}
	i.logger.Info().Int("rows", report.Rows).Int("inserted", report.Inserted).Int("skipped", report.Skipped).Msg("prices imported")
	return report, nil
}

// ImportReviews reads review rows. Rows without a review_id get a stable id
// derived from platform, listing and row position.
func (i *Importer) ImportReviews(ctx context.Context, r io.Reader) (Report, error) {
	var (
		report Report
		batch  []model.Review
	)
	flush := func() error {
		n, err := i.store.InsertReviews(ctx, batch)
		if err != nil {
			return fmt.Errorf("insert reviews: %w", err)
		}
		report.Inserted += n
		batch = batch[:0]
		return nil
	}

	err := readRows(r, func(line int, row record) error {
		idx := report.Rows
		report.Rows++
		listingID := row.get(listingColumns...)
		if listingID == "" {
			report.Skipped++
			i.logger.Warn().Int("line", line).Msg("skip review row without listing id")
			return nil
		}

		reviewID := row.get(reviewIDColumn...)
		if reviewID == "" {
			reviewID = fmt.Sprintf("%s_review_%d", listingID, idx)
			if platform := row.get(platformColumn...); platform != "" {
				reviewID = platform + "_" + reviewID
			}
		}

		observed := i.now()
		if raw := row.get(timeColumns...); raw != "" {
			if t, err := ParseTime(raw); err == nil {
				observed = t
			} else {
				i.logger.Debug().Int("line", line).Str("value", raw).Msg("unparsed review date, using import time")
			}
		}

		// Empty text is kept: the pipeline records it as EMPTY_INPUT.
		batch = append(batch, model.Review{
			ListingID:  listingID,
			ReviewID:   reviewID,
			Text:       row.get(textColumns...),
			ObservedAt: observed,
		})
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	}, listingColumns, textColumns)
	if err != nil {
		return report, err
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			return report, err
		}
	}
	i.logger.Info().Int("rows", report.Rows).Int("inserted", report.Inserted).Int("skipped", report.Skipped).Msg("reviews imported")
	return report, nil
}

// ParsePrice converts a major-unit amount to minor units.
func ParsePrice(raw string) (int64, error) {
	cleaned := strings.TrimSpace(raw)
	for _, prefix := range []string{"Rs.", "Rs", "INR", "₹", "$", "€", "£"} {
		cleaned = strings.TrimPrefix(cleaned, prefix)
	}
	cleaned = strings.ReplaceAll(strings.TrimSpace(cleaned), ",", "")
	if cleaned == "" {
		return 0, errors.New("empty price")
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative price %q", raw)
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

// ParseTime accepts RFC 3339, plain dates and the review-site formats
// seen in scraped exports, plus unix seconds.
func ParseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", raw)
}

type record struct {
	header map[string]int
	fields []string
}

func (r record) get(names ...string) string {
	for _, name := range names {
		if idx, ok := r.header[name]; ok && idx < len(r.fields) {
			return strings.TrimSpace(r.fields[idx])
		}
	}
	return ""
}

// readRows streams a headed CSV, requiring one column of each group.
func readRows(r io.Reader, fn func(line int, row record) error, required ...[]string) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	head, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return errors.New("csv is empty")
	}
	if err != nil {
		return fmt.Errorf("read csv header: %w", err)
	}
	header := make(map[string]int, len(head))
	for idx, name := range head {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		header[name] = idx
	}
	for _, group := range required {
		if !hasAny(header, group) {
			return fmt.Errorf("csv header needs one of %s", strings.Join(group, ", "))
		}
	}

	line := 1
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		line++
		if err != nil {
			return fmt.Errorf("read csv line %d: %w", line, err)
		}
		if err := fn(line, record{header: header, fields: fields}); err != nil {
			return err
		}
	}
}

func hasAny(header map[string]int, names []string) bool {
	for _, name := range names {
		if _, ok := header[name]; ok {
			return true
		}
	}
	return false
}
