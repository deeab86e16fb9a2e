package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"listing-sentinel/internal/model"
)

// rowScanner is satisfied by pgx.Row(s), *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

type rowIterator interface {
	rowScanner
	Next() bool
	Err() error
}

func scanSentimentCounts(rows rowIterator) (model.SentimentCounts, error) {
	var counts model.SentimentCounts
	for rows.Next() {
		var (
			label string
			n     int
		)
		if err := rows.Scan(&label, &n); err != nil {
			return model.SentimentCounts{}, err
		}
		switch model.Sentiment(label) {
		case model.SentimentPositive:
			counts.Positive += n
		case model.SentimentNegative:
			counts.Negative += n
		case model.SentimentNeutral:
			counts.Neutral += n
		}
	}
	return counts, rows.Err()
}

func alertStateArgs(st model.AlertState) []any {
	return []any{
		st.ListingID,
		trackStatus(st.Price.Status), st.Price.Baseline, nullableTime(st.Price.LastAlertAt), nullableTime(st.Price.UpdatedAt),
		trackStatus(st.Sentiment.Status), st.Sentiment.Baseline, nullableTime(st.Sentiment.LastAlertAt), nullableTime(st.Sentiment.UpdatedAt),
	}
}

func trackStatus(s model.TrackStatus) string {
	if s == "" {
		return string(model.TrackNoPrior)
	}
	return string(s)
}

func scanAlertState(row rowScanner) (model.AlertState, error) {
	var (
		st                           model.AlertState
		priceStatus, sentimentStatus string
		priceAlert, priceUpdated     sql.NullTime
		sentAlert, sentUpdated       sql.NullTime
	)
	if err := row.Scan(
		&st.ListingID,
		&priceStatus, &st.Price.Baseline, &priceAlert, &priceUpdated,
		&sentimentStatus, &st.Sentiment.Baseline, &sentAlert, &sentUpdated,
	); err != nil {
		return model.AlertState{}, fmt.Errorf("scan alert state: %w", err)
	}
	st.Price.Status = model.TrackStatus(priceStatus)
	st.Price.LastAlertAt = fromNullTime(priceAlert)
	st.Price.UpdatedAt = fromNullTime(priceUpdated)
	st.Sentiment.Status = model.TrackStatus(sentimentStatus)
	st.Sentiment.LastAlertAt = fromNullTime(sentAlert)
	st.Sentiment.UpdatedAt = fromNullTime(sentUpdated)
	return st, nil
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func alertArgs(ev model.AlertEvent) ([]any, error) {
	doc, err := json.Marshal(ev.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal alert snapshot: %w", err)
	}
	return []any{ev.ID, string(ev.Kind), ev.ListingID, ev.OldValue, ev.NewValue, ev.DeltaPct, doc, ev.At.UTC()}, nil
}

func scanAlert(row rowScanner) (model.AlertEvent, error) {
	var (
		ev   model.AlertEvent
		kind string
		doc  []byte
	)
	if err := row.Scan(&ev.ID, &kind, &ev.ListingID, &ev.OldValue, &ev.NewValue, &ev.DeltaPct, &doc, &ev.At); err != nil {
		return model.AlertEvent{}, fmt.Errorf("scan alert: %w", err)
	}
	ev.Kind = model.AlertKind(kind)
	ev.At = ev.At.UTC()
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &ev.Snapshot); err != nil {
			return model.AlertEvent{}, fmt.Errorf("decode alert snapshot: %w", err)
		}
	}
	return ev, nil
}

func decodeSnapshots(current, previous []byte) (model.ListingSnapshot, *model.ListingSnapshot, error) {
	var cur model.ListingSnapshot
	if err := json.Unmarshal(current, &cur); err != nil {
		return model.ListingSnapshot{}, nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if len(previous) == 0 {
		return cur, nil, nil
	}
	var prev model.ListingSnapshot
	if err := json.Unmarshal(previous, &prev); err != nil {
		return model.ListingSnapshot{}, nil, fmt.Errorf("decode previous snapshot: %w", err)
	}
	return cur, &prev, nil
}
