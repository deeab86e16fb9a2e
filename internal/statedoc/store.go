// Package statedoc keeps the detector state as one JSON document. The
// document keeps the last_prices / last_sentiments / last_check /
// alerts_sent layout of the legacy alert state file, so existing files
// load as a STABLE baseline per listing.
//
// The legacy maps keep their legacy units: last_prices in major currency
// units and last_sentiments as a 0-100 positive percentage. Tracks use the
// detector's units (minor-unit prices, 0-1 ratios).
package statedoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"listing-sentinel/internal/model"
)

// DefaultMaxAlerts bounds the alerts_sent history.
const DefaultMaxAlerts = 500

// Document is the serialised state.
type Document struct {
	LastPrices     map[string]float64          `json:"last_prices"`
	LastSentiments map[string]float64          `json:"last_sentiments"`
	LastCheck      *time.Time                  `json:"last_check"`
	AlertsSent     []model.AlertEvent          `json:"alerts_sent"`
	Tracks         map[string]model.AlertState `json:"tracks,omitempty"`
}

func newDocument() *Document {
	return &Document{
		LastPrices:     make(map[string]float64),
		LastSentiments: make(map[string]float64),
		AlertsSent:     make([]model.AlertEvent, 0),
		Tracks:         make(map[string]model.AlertState),
	}
}

// Store implements the detector's state store and audit log on top of a Blob.
type Store struct {
	blob      Blob
	maxAlerts int
	now       func() time.Time
	logger    zerolog.Logger

	mu  sync.Mutex
	doc *Document
}

// New returns a Store over blob.
func New(blob Blob, logger zerolog.Logger) *Store {
	return &Store{
		blob:      blob,
		maxAlerts: DefaultMaxAlerts,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With().Str("component", "statedoc").Logger(),
	}
}

// load reads the document once. Callers hold mu.
func (s *Store) load(ctx context.Context) (*Document, error) {
	if s.doc != nil {
		return s.doc, nil
	}
	data, err := s.blob.Read(ctx)
	if errors.Is(err, ErrBlobNotFound) {
		s.doc = newDocument()
		return s.doc, nil
	}
	if err != nil {
		return nil, err
	}

	doc := newDocument()
	if len(data) > 0 {
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("decode state document: %w", err)
		}
	}
	if doc.LastPrices == nil {
		doc.LastPrices = make(map[string]float64)
	}
	if doc.LastSentiments == nil {
		doc.LastSentiments = make(map[string]float64)
	}
	if doc.Tracks == nil {
		doc.Tracks = make(map[string]model.AlertState)
	}
	s.doc = doc
	return doc, nil
}

// states merges the explicit tracks with legacy baselines.
func (d *Document) states() map[string]model.AlertState {
	out := make(map[string]model.AlertState, len(d.Tracks))
	for id, price := range d.LastPrices {
		st := model.NewAlertState(id)
		st.Price = model.TrackState{Status: model.TrackStable, Baseline: legacyToMinor(price)}
		out[id] = st
	}
	for id, pct := range d.LastSentiments {
		st, ok := out[id]
		if !ok {
			st = model.NewAlertState(id)
		}
		st.Sentiment = model.TrackState{Status: model.TrackStable, Baseline: legacyToRatio(pct)}
		out[id] = st
	}
	for id, st := range d.Tracks {
		out[id] = st
	}
	return out
}

func (s *Store) LoadAlertStates(ctx context.Context) (map[string]model.AlertState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return doc.states(), nil
}

// SaveAlertState rewrites the whole document. The cached copy only changes
// once the write succeeded.
func (s *Store) SaveAlertState(ctx context.Context, st model.AlertState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(ctx)
	if err != nil {
		return err
	}

	next := doc.clone()
	next.Tracks[st.ListingID] = st
	if st.Price.Status != model.TrackNoPrior && st.Price.Status != "" {
		next.LastPrices[st.ListingID] = minorToLegacy(st.Price.Baseline)
	}
	if st.Sentiment.Status != model.TrackNoPrior && st.Sentiment.Status != "" {
		next.LastSentiments[st.ListingID] = ratioToLegacy(st.Sentiment.Baseline)
	}
	now := s.now()
	next.LastCheck = &now

	if err := s.write(ctx, next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

func (s *Store) AppendAlert(ctx context.Context, ev model.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(ctx)
	if err != nil {
		return err
	}
	for _, existing := range doc.AlertsSent {
		if existing.ID == ev.ID {
			return nil
		}
	}

	next := doc.clone()
	next.AlertsSent = append(next.AlertsSent, ev)
	if over := len(next.AlertsSent) - s.maxAlerts; over > 0 {
		next.AlertsSent = next.AlertsSent[over:]
	}
	if err := s.write(ctx, next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

// ListRecentAlerts returns the newest alerts first.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]model.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := append([]model.AlertEvent(nil), doc.AlertsSent...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) write(ctx context.Context, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state document: %w", err)
	}
	if err := s.blob.Write(ctx, data); err != nil {
		return fmt.Errorf("write state document: %w", err)
	}
	s.logger.Debug().Int("listings", len(doc.Tracks)).Int("alerts", len(doc.AlertsSent)).Msg("state document saved")
	return nil
}

func (d *Document) clone() *Document {
	out := &Document{
		LastPrices:     make(map[string]float64, len(d.LastPrices)),
		LastSentiments: make(map[string]float64, len(d.LastSentiments)),
		LastCheck:      d.LastCheck,
		AlertsSent:     append(make([]model.AlertEvent, 0, len(d.AlertsSent)+1), d.AlertsSent...),
		Tracks:         make(map[string]model.AlertState, len(d.Tracks)),
	}
	for k, v := range d.LastPrices {
		out.LastPrices[k] = v
	}
	for k, v := range d.LastSentiments {
		out.LastSentiments[k] = v
	}
	for k, v := range d.Tracks {
		out.Tracks[k] = v
	}
	return out
}

func legacyToMinor(major float64) float64 {
	return decimal.NewFromFloat(major).Shift(2).Round(0).InexactFloat64()
}

func minorToLegacy(minor float64) float64 {
	return decimal.NewFromFloat(minor).Shift(-2).Round(2).InexactFloat64()
}

func legacyToRatio(pct float64) float64 {
	return decimal.NewFromFloat(pct).Shift(-2).Round(6).InexactFloat64()
}

func ratioToLegacy(ratio float64) float64 {
	return decimal.NewFromFloat(ratio).Shift(2).Round(4).InexactFloat64()
}
