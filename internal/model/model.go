// Package model holds the domain types shared by the pipeline, the metrics
// functions, the change detector and the stores.
package model

import (
	"fmt"
	"strings"
	"time"
)

// PricePoint is one scraped price observation. Prices are minor currency units.
type PricePoint struct {
	ListingID  string
	Price      int64
	ObservedAt time.Time
}

// Review is one scraped review record. Inputs are append-only.
type Review struct {
	ListingID  string
	ReviewID   string
	Text       string
	ObservedAt time.Time
}

// Sentiment is the label returned by the classification service.
type Sentiment string

const (
	SentimentPositive Sentiment = "POSITIVE"
	SentimentNegative Sentiment = "NEGATIVE"
	SentimentNeutral  Sentiment = "NEUTRAL"
)

// ParseSentiment normalises a raw label. Unknown labels are rejected.
func ParseSentiment(raw string) (Sentiment, error) {
	cleaned := strings.ToUpper(strings.Trim(strings.TrimSpace(raw), ".!\"'`"))
	switch Sentiment(cleaned) {
	case SentimentPositive, SentimentNegative, SentimentNeutral:
		return Sentiment(cleaned), nil
	default:
		return "", fmt.Errorf("unknown sentiment label %q", raw)
	}
}

// ClassificationRequest is a unit of work for the classification pipeline.
type ClassificationRequest struct {
	ID            string
	ListingID     string
	ReviewID      string
	Text          string
	EstimatedCost int
}

// ClassificationResult is written once per successful request.
type ClassificationResult struct {
	RequestID    string
	ListingID    string
	ReviewID     string
	Label        Sentiment
	Confidence   float64
	Latency      time.Duration
	TokensUsed   int
	ClassifiedAt time.Time
}

// FailureKind names why a request ended without a result.
type FailureKind string

const (
	FailureRateLimited FailureKind = "RATE_LIMITED"
	FailureTimeout     FailureKind = "TIMEOUT"
	FailureMalformed   FailureKind = "MALFORMED_RESPONSE"
	FailureAuth        FailureKind = "AUTH_ERROR"
	FailureUnavailable FailureKind = "UNAVAILABLE"
	FailureEmptyInput  FailureKind = "EMPTY_INPUT"
	FailureOverBudget  FailureKind = "OVER_BUDGET"
	FailureCancelled   FailureKind = "CANCELLED"
)

// ClassificationFailure is the terminal record of a request that did not
// succeed. Retryable failures are offered to a later sweep again.
type ClassificationFailure struct {
	RequestID string
	ListingID string
	ReviewID  string
	Kind      FailureKind
	Reason    string
	Attempts  int
	Retryable bool
	FailedAt  time.Time
}

// SentimentCounts is the per-listing tally of classified reviews.
type SentimentCounts struct {
	Positive int
	Negative int
	Neutral  int
}

// Total returns the number of classified reviews.
func (c SentimentCounts) Total() int {
	return c.Positive + c.Negative + c.Neutral
}

// SentimentRatios are fractions of the classified reviews per label.
type SentimentRatios struct {
	Positive float64 `json:"positive"`
	Negative float64 `json:"negative"`
	Neutral  float64 `json:"neutral"`
}

// TrendLabel classifies the recent price movement.
type TrendLabel string

const (
	TrendFalling TrendLabel = "FALLING"
	TrendRising  TrendLabel = "RISING"
	TrendStable  TrendLabel = "STABLE"
)

// ListingSnapshot is the freshly computed state of a listing for one sweep.
type ListingSnapshot struct {
	ListingID      string          `json:"listing_id"`
	Price          int64           `json:"price"`
	Ratios         SentimentRatios `json:"ratios"`
	HasSentiment   bool            `json:"has_sentiment"`
	ReviewCount    int             `json:"review_count"`
	DealScore      int             `json:"deal_score"`
	Recommendation string          `json:"recommendation"`
	TrendLabel     TrendLabel      `json:"trend_label"`
	TrendPct       float64         `json:"trend_pct"`
	TakenAt        time.Time       `json:"taken_at"`
}

// AlertKind enumerates the emitted alert types.
type AlertKind string

const (
	AlertPriceDrop        AlertKind = "PRICE_DROP"
	AlertPriceRise        AlertKind = "PRICE_RISE"
	AlertSentimentDecline AlertKind = "SENTIMENT_DECLINE"
	AlertSentimentImprove AlertKind = "SENTIMENT_IMPROVE"
)

// IsPrice reports whether the kind belongs to the price track.
func (k AlertKind) IsPrice() bool {
	return k == AlertPriceDrop || k == AlertPriceRise
}

// AlertEvent is emitted by the detector and delivered once.
// Price values are minor units; sentiment values are positive ratios in [0,1]
// and DeltaPct is expressed in percentage points for the sentiment track.
type AlertEvent struct {
	ID        string          `json:"id"`
	Kind      AlertKind       `json:"kind"`
	ListingID string          `json:"listing_id"`
	OldValue  float64         `json:"old_value"`
	NewValue  float64         `json:"new_value"`
	DeltaPct  float64         `json:"delta_pct"`
	Snapshot  ListingSnapshot `json:"snapshot"`
	At        time.Time       `json:"at"`
}

// TrackStatus is the per-track detector state.
type TrackStatus string

const (
	TrackNoPrior TrackStatus = "NO_PRIOR"
	TrackStable  TrackStatus = "STABLE"
	TrackAlerted TrackStatus = "ALERTED"
)

// TrackState is the durable baseline of one monitored signal.
type TrackState struct {
	Status      TrackStatus `json:"status"`
	Baseline    float64     `json:"baseline"`
	LastAlertAt time.Time   `json:"last_alert_at,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at,omitempty"`
}

// AlertState is the durable per-listing record owned by the detector.
type AlertState struct {
	ListingID string     `json:"listing_id"`
	Price     TrackState `json:"price"`
	Sentiment TrackState `json:"sentiment"`
}

// NewAlertState returns the NO_PRIOR state for a listing.
func NewAlertState(listingID string) AlertState {
	return AlertState{
		ListingID: listingID,
		Price:     TrackState{Status: TrackNoPrior},
		Sentiment: TrackState{Status: TrackNoPrior},
	}
}
