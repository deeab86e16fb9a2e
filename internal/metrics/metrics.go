// Package metrics derives deal score, price trend and sentiment aggregate from
// raw inputs. Every function is pure.
package metrics

import (
	"errors"
	"fmt"

	"listing-sentinel/internal/model"
)

var (
	// ErrEmptySample is returned when an aggregate is requested over no data.
	ErrEmptySample = errors.New("metrics: empty sample")
	// ErrZeroHistoricalAverage makes the trend percentage undefined.
	ErrZeroHistoricalAverage = errors.New("metrics: historical average is zero")
)

const (
	trendThresholdPct       = 5.0
	sentimentLabelThreshold = 0.3
)

// Recommendation labels and the confidence reported with each band.
const (
	RecommendBuyNow   = "BUY_NOW"
	RecommendGoodDeal = "GOOD_DEAL"
	RecommendConsider = "CONSIDER"
	RecommendWait     = "WAIT"
)

// Sentiment aggregate labels.
const (
	AggregatePositive = "POSITIVE"
	AggregateNegative = "NEGATIVE"
	AggregateMixed    = "MIXED"
)

// Recommendation is a deal-score band with its fixed confidence.
type Recommendation struct {
	Label      string
	Confidence int
}

// DealScore rates current against the observed [min, max] range, 100 being
// the cheapest point seen. A flat range scores 100: with no variance there is
// nothing unfavourable to report, which is a policy default and not a signal.
func DealScore(current, min, max int64) int {
	if max == min {
		return 100
	}
	position := float64(current-min) / float64(max-min) * 100
	score := 100 - position
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return int(score + 0.5)
	}
}

// Recommend maps a deal score onto its band.
func Recommend(score int) Recommendation {
	switch {
	case score >= 90:
		return Recommendation{Label: RecommendBuyNow, Confidence: 95}
	case score >= 70:
		return Recommendation{Label: RecommendGoodDeal, Confidence: 85}
	case score >= 50:
		return Recommendation{Label: RecommendConsider, Confidence: 70}
	default:
		return Recommendation{Label: RecommendWait, Confidence: 80}
	}
}

// PriceRange returns the min and max of prices.
func PriceRange(prices []int64) (int64, int64, error) {
	if len(prices) == 0 {
		return 0, 0, ErrEmptySample
	}
	min, max := prices[0], prices[0]
	for _, p := range prices[1:] {
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
	}
	return min, max, nil
}

// Mean returns the arithmetic mean of prices.
func Mean(prices []int64) (float64, error) {
	if len(prices) == 0 {
		return 0, ErrEmptySample
	}
	var sum float64
	for _, p := range prices {
		sum += float64(p)
	}
	return sum / float64(len(prices)), nil
}

// Trend compares recent against historical averages.
func Trend(recentAvg, historicalAvg float64) (model.TrendLabel, float64, error) {
	if historicalAvg == 0 {
		return model.TrendStable, 0, ErrZeroHistoricalAverage
	}
	pct := (recentAvg - historicalAvg) / historicalAvg * 100
	switch {
	case pct < -trendThresholdPct:
		return model.TrendFalling, pct, nil
	case pct > trendThresholdPct:
		return model.TrendRising, pct, nil
	default:
		return model.TrendStable, pct, nil
	}
}

// TrendFromHistory averages the last recentWindow prices against the whole
// history. prices must be in chronological order.
func TrendFromHistory(prices []int64, recentWindow int) (model.TrendLabel, float64, error) {
	historical, err := Mean(prices)
	if err != nil {
		return model.TrendStable, 0, err
	}
	if recentWindow <= 0 || recentWindow > len(prices) {
		recentWindow = len(prices)
	}
	recent, err := Mean(prices[len(prices)-recentWindow:])
	if err != nil {
		return model.TrendStable, 0, err
	}
	return Trend(recent, historical)
}

// SentimentAggregate summarises classified review counts.
type SentimentAggregate struct {
	Score  float64
	Label  string
	Ratios model.SentimentRatios
	Total  int
}

// Aggregate scores (positive - negative) / total. Zero reviews is an input
// error rather than a neutral result.
func Aggregate(counts model.SentimentCounts) (SentimentAggregate, error) {
	if counts.Positive < 0 || counts.Negative < 0 || counts.Neutral < 0 {
		return SentimentAggregate{}, fmt.Errorf("metrics: negative sentiment count %+v", counts)
	}
	total := counts.Total()
	if total == 0 {
		return SentimentAggregate{}, ErrEmptySample
	}

	t := float64(total)
	score := float64(counts.Positive-counts.Negative) / t

	label := AggregateMixed
	switch {
	case score > sentimentLabelThreshold:
		label = AggregatePositive
	case score < -sentimentLabelThreshold:
		label = AggregateNegative
	}

	return SentimentAggregate{
		Score: score,
		Label: label,
		Ratios: model.SentimentRatios{
			Positive: float64(counts.Positive) / t,
			Negative: float64(counts.Negative) / t,
			Neutral:  float64(counts.Neutral) / t,
		},
		Total: total,
	}, nil
}
