package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"listing-sentinel/internal/ingest"
)

// Ingest imports price and review CSV exports into the store.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) (prices, reviews ingest.Report, err error) {
	if opts.PricesPath == "" && opts.ReviewsPath == "" {
		return prices, reviews, errors.New("at least one of --prices or --reviews must be provided")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return prices, reviews, err
	}
	defer store.Close()

	importer := ingest.New(store, a.Logger)
	if opts.PricesPath != "" {
		if prices, err = importFile(ctx, opts.PricesPath, importer.ImportPrices); err != nil {
			return prices, reviews, err
		}
	}
	if opts.ReviewsPath != "" {
		if reviews, err = importFile(ctx, opts.ReviewsPath, importer.ImportReviews); err != nil {
			return prices, reviews, err
		}
	}
	return prices, reviews, nil
}

func importFile(ctx context.Context, path string, fn func(context.Context, io.Reader) (ingest.Report, error)) (ingest.Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return ingest.Report{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	report, err := fn(ctx, f)
	if err != nil {
		return report, fmt.Errorf("import %s: %w", path, err)
	}
	return report, nil
}
