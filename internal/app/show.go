package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"listing-sentinel/internal/model"
	"listing-sentinel/internal/storage"
)

// Show prints the latest snapshot of every listing, or the current and
// previous snapshot of one listing.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var snaps []model.ListingSnapshot
	if opts.ListingID != "" {
		cur, prev, err := store.GetSnapshot(ctx, opts.ListingID)
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(out, "no snapshot for %s\n", opts.ListingID)
			return nil
		}
		if err != nil {
			return err
		}
		snaps = append(snaps, cur)
		if prev != nil {
			snaps = append(snaps, *prev)
		}
	} else {
		snaps, err = store.ListSnapshots(ctx)
		if err != nil {
			return err
		}
	}
	if len(snaps) == 0 {
		fmt.Fprintln(out, "no snapshots found; run a sweep first")
		return nil
	}

	writeSnapshots(out, a.Config.Alerting.Currency, snaps)
	return nil
}

func writeSnapshots(out io.Writer, currency string, snaps []model.ListingSnapshot) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Listing\tTaken (UTC)\tPrice\tDeal\tRecommendation\tTrend\tPositive\tNegative\tReviews")
	for _, s := range snaps {
		positive, negative := "-", "-"
		if s.HasSentiment {
			positive = pct(s.Ratios.Positive)
			negative = pct(s.Ratios.Negative)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s%s\t%d\t%s\t%s %+.1f%%\t%s\t%s\t%d\n",
			s.ListingID,
			s.TakenAt.UTC().Format(time.RFC3339),
			currency, majorUnits(float64(s.Price)),
			s.DealScore,
			s.Recommendation,
			s.TrendLabel, s.TrendPct,
			positive,
			negative,
			s.ReviewCount,
		)
	}
	writer.Flush()
}

// Alerts prints the most recent delivered alerts.
func (a *App) Alerts(ctx context.Context, out io.Writer, limit int) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	alerts, err := store.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tListing\tKind\tOld\tNew\tDelta\tID")
	for _, ev := range alerts {
		oldV, newV := pct(ev.OldValue), pct(ev.NewValue)
		if ev.Kind.IsPrice() {
			oldV = majorUnits(ev.OldValue)
			newV = majorUnits(ev.NewValue)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%+.2f%%\t%s\n",
			ev.At.UTC().Format(time.RFC3339),
			sanitizeInline(ev.ListingID),
			ev.Kind,
			oldV,
			newV,
			ev.DeltaPct,
			ev.ID,
		)
	}
	writer.Flush()
	return nil
}

func pct(ratio float64) string {
	return strconv.FormatFloat(ratio*100, 'f', 1, 64) + "%"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
