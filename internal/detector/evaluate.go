package detector

import (
	"time"

	"github.com/shopspring/decimal"

	"listing-sentinel/internal/model"
)

// Thresholds are the crossing distances measured from the last-alerted value.
// Price thresholds are percentages; the sentiment threshold is in percentage
// points of the positive ratio.
type Thresholds struct {
	PriceDropPct      float64
	PriceRisePct      float64
	SentimentDeltaPct float64
}

// DefaultThresholds returns 5% / 5% / 10 points.
func DefaultThresholds() Thresholds {
	return Thresholds{PriceDropPct: 5, PriceRisePct: 5, SentimentDeltaPct: 10}
}

// TrackOutcome is the evaluation of one monitored signal.
type TrackOutcome struct {
	// Event is set when the threshold was crossed.
	Event *model.AlertEvent
	// Next is the state to persist once the event has been handed off, or
	// immediately when Changed is set without an event.
	Next    model.TrackState
	Changed bool
}

// Decision is the result of evaluating both tracks of a listing against the
// same snapshot.
type Decision struct {
	Price     TrackOutcome
	Sentiment TrackOutcome
}

// Events returns the emitted events, price track first.
func (d Decision) Events() []model.AlertEvent {
	var out []model.AlertEvent
	if d.Price.Event != nil {
		out = append(out, *d.Price.Event)
	}
	if d.Sentiment.Event != nil {
		out = append(out, *d.Sentiment.Event)
	}
	return out
}

var hundred = decimal.NewFromInt(100)

// Evaluate compares a fresh snapshot with the prior state. It is pure: the
// caller decides when the returned next states become durable.
func Evaluate(snap model.ListingSnapshot, prior model.AlertState, th Thresholds, at time.Time) Decision {
	var d Decision

	d.Price = evaluateTrack(prior.Price, decimal.NewFromInt(snap.Price), true, at, func(base, cur decimal.Decimal) (model.AlertKind, decimal.Decimal, bool) {
		delta := cur.Sub(base).Div(base).Mul(hundred)
		switch {
		case delta.IsNegative() && delta.Abs().GreaterThanOrEqual(decimal.NewFromFloat(th.PriceDropPct)):
			return model.AlertPriceDrop, delta, true
		case delta.IsPositive() && delta.GreaterThanOrEqual(decimal.NewFromFloat(th.PriceRisePct)):
			return model.AlertPriceRise, delta, true
		}
		return "", delta, false
	})

	if snap.HasSentiment {
		d.Sentiment = evaluateTrack(prior.Sentiment, decimal.NewFromFloat(snap.Ratios.Positive), false, at, func(base, cur decimal.Decimal) (model.AlertKind, decimal.Decimal, bool) {
			delta := cur.Sub(base).Mul(hundred)
			limit := decimal.NewFromFloat(th.SentimentDeltaPct)
			switch {
			case delta.IsNegative() && delta.Abs().GreaterThanOrEqual(limit):
				return model.AlertSentimentDecline, delta, true
			case delta.IsPositive() && delta.GreaterThanOrEqual(limit):
				return model.AlertSentimentImprove, delta, true
			}
			return "", delta, false
		})
	} else {
		d.Sentiment = TrackOutcome{Next: prior.Sentiment}
	}

	for _, track := range []*TrackOutcome{&d.Price, &d.Sentiment} {
		if track.Event != nil {
			track.Event.ListingID = snap.ListingID
			track.Event.Snapshot = snap
		}
	}
	return d
}

type crossingFunc func(baseline, current decimal.Decimal) (model.AlertKind, decimal.Decimal, bool)

func evaluateTrack(prior model.TrackState, current decimal.Decimal, relative bool, at time.Time, cross crossingFunc) TrackOutcome {
	value, _ := current.Float64()

	if prior.Status == "" || prior.Status == model.TrackNoPrior {
		return TrackOutcome{
			Next:    model.TrackState{Status: model.TrackStable, Baseline: value, UpdatedAt: at},
			Changed: true,
		}
	}

	baseline := decimal.NewFromFloat(prior.Baseline)
	if relative && baseline.IsZero() {
		// No percentage exists against a zero baseline; adopt the new value
		// without alerting.
		if current.IsZero() {
			return TrackOutcome{Next: prior}
		}
		return TrackOutcome{
			Next:    model.TrackState{Status: model.TrackStable, Baseline: value, LastAlertAt: prior.LastAlertAt, UpdatedAt: at},
			Changed: true,
		}
	}

	kind, delta, crossed := cross(baseline, current)
	if !crossed {
		return TrackOutcome{Next: prior}
	}

	pct, _ := delta.Round(2).Float64()
	return TrackOutcome{
		Event: &model.AlertEvent{
			Kind:     kind,
			OldValue: prior.Baseline,
			NewValue: value,
			DeltaPct: pct,
			At:       at,
		},
		Next: model.TrackState{
			Status:      model.TrackAlerted,
			Baseline:    value,
			LastAlertAt: at,
			UpdatedAt:   at,
		},
		Changed: true,
	}
}
