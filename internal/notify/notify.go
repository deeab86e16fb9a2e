// Package notify delivers alert events to humans over the configured channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-sentinel/internal/model"
)

// Dispatcher delivers one event. A nil error is the ack the detector waits for
// before advancing the baseline.
type Dispatcher interface {
	Deliver(ctx context.Context, event model.AlertEvent) error
}

// Formatter renders events into human-readable text.
type Formatter struct {
	// Currency is prefixed to prices, e.g. "Rs." or "$".
	Currency     string
	DashboardURL string
}

// Subject is a one-line summary suitable for an email subject or card title.
func (f Formatter) Subject(ev model.AlertEvent) string {
	switch ev.Kind {
	case model.AlertPriceDrop:
		savings := decimal.NewFromFloat(ev.OldValue - ev.NewValue)
		return fmt.Sprintf("Price Drop Alert: %s - save %s", ev.ListingID, f.money(savings))
	case model.AlertPriceRise:
		return fmt.Sprintf("Price Rise: %s now %s", ev.ListingID, f.money(decimal.NewFromFloat(ev.NewValue)))
	case model.AlertSentimentDecline:
		return fmt.Sprintf("Warning: %s sentiment declining", ev.ListingID)
	case model.AlertSentimentImprove:
		return fmt.Sprintf("Positive: %s sentiment improving", ev.ListingID)
	default:
		return fmt.Sprintf("%s: %s", ev.Kind, ev.ListingID)
	}
}

// Text renders the plain-text body.
func (f Formatter) Text(ev model.AlertEvent) string {
	b := strings.Builder{}
	b.WriteString(fmt.Sprintf("[%s] %s\n", ev.Kind, ev.ListingID))
	b.WriteString(fmt.Sprintf("At: %s UTC\n", ev.At.UTC().Format(time.RFC3339)))

	delta := decimal.NewFromFloat(ev.DeltaPct)
	if ev.Kind.IsPrice() {
		b.WriteString(fmt.Sprintf("Old price: %s\n", f.money(decimal.NewFromFloat(ev.OldValue))))
		b.WriteString(fmt.Sprintf("New price: %s\n", f.money(decimal.NewFromFloat(ev.NewValue))))
		b.WriteString(fmt.Sprintf("Change: %s%%\n", signed(delta)))
		if ev.Snapshot.Recommendation != "" {
			b.WriteString(fmt.Sprintf("Deal score: %d/100 (%s)\n", ev.Snapshot.DealScore, ev.Snapshot.Recommendation))
		}
		if ev.Snapshot.TrendLabel != "" {
			b.WriteString(fmt.Sprintf("Trend: %s\n", ev.Snapshot.TrendLabel))
		}
	} else {
		b.WriteString(fmt.Sprintf("Positive sentiment: %s%% -> %s%%\n", ratioPct(ev.OldValue), ratioPct(ev.NewValue)))
		b.WriteString(fmt.Sprintf("Change: %s points\n", signed(delta)))
		if ev.Snapshot.ReviewCount > 0 {
			b.WriteString(fmt.Sprintf("Reviews: %d\n", ev.Snapshot.ReviewCount))
		}
	}
	if f.DashboardURL != "" {
		b.WriteString(fmt.Sprintf("Dashboard: %s\n", f.DashboardURL))
	}
	return b.String()
}

// money renders a minor-unit amount with two decimals.
func (f Formatter) money(minor decimal.Decimal) string {
	return f.Currency + minor.Shift(-2).StringFixed(2)
}

func signed(d decimal.Decimal) string {
	if d.IsPositive() {
		return "+" + d.StringFixed(2)
	}
	return d.StringFixed(2)
}

func ratioPct(r float64) string {
	return decimal.NewFromFloat(r).Shift(2).StringFixed(1)
}

// Log acknowledges every event after writing it to the log.
type Log struct {
	formatter Formatter
	logger    zerolog.Logger
}

// NewLog returns a log-only dispatcher.
func NewLog(formatter Formatter, logger zerolog.Logger) *Log {
	return &Log{formatter: formatter, logger: logger.With().Str("component", "alert_log").Logger()}
}

func (l *Log) Deliver(_ context.Context, ev model.AlertEvent) error {
	l.logger.Info().
		Str("listing_id", ev.ListingID).
		Str("kind", string(ev.Kind)).
		Float64("delta_pct", ev.DeltaPct).
		Msg(l.formatter.Subject(ev))
	return nil
}

// Multi fans an event out to several channels. The event is acked only when
// every channel acks.
type Multi struct {
	names    []string
	channels []Dispatcher
	logger   zerolog.Logger
}

// NewMulti builds an empty fan-out dispatcher.
func NewMulti(logger zerolog.Logger) *Multi {
	return &Multi{logger: logger.With().Str("component", "alert_multi").Logger()}
}

// Add registers a channel.
func (m *Multi) Add(name string, d Dispatcher) *Multi {
	m.names = append(m.names, name)
	m.channels = append(m.channels, d)
	return m
}

// Len returns the number of registered channels.
func (m *Multi) Len() int { return len(m.channels) }

func (m *Multi) Deliver(ctx context.Context, ev model.AlertEvent) error {
	if len(m.channels) == 0 {
		return errors.New("notify: no channels configured")
	}
	var errs []error
	for i, ch := range m.channels {
		if err := ch.Deliver(ctx, ev); err != nil {
			m.logger.Error().Err(err).Str("channel", m.names[i]).Str("listing_id", ev.ListingID).Msg("channel delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", m.names[i], err))
		}
	}
	return errors.Join(errs...)
}

var (
	_ Dispatcher = (*Log)(nil)
	_ Dispatcher = (*Multi)(nil)
)
