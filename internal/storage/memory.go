package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"listing-sentinel/internal/model"
)

type reviewKey struct {
	listingID string
	reviewID  string
}

// Memory is an in-process Store used by tests and dry runs.
type Memory struct {
	mu        sync.Mutex
	prices    map[string][]model.PricePoint
	reviews   []model.Review
	seen      map[reviewKey]bool
	results   map[reviewKey]model.ClassificationResult
	failures  []model.ClassificationFailure
	failed    map[reviewKey]int
	permanent map[reviewKey]bool
	current   map[string]model.ListingSnapshot
	previous  map[string]model.ListingSnapshot
	states    map[string]model.AlertState
	alerts    []model.AlertEvent
	alertIDs  map[string]bool
	locks     map[int64]bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		prices:    make(map[string][]model.PricePoint),
		seen:      make(map[reviewKey]bool),
		results:   make(map[reviewKey]model.ClassificationResult),
		failed:    make(map[reviewKey]int),
		permanent: make(map[reviewKey]bool),
		current:   make(map[string]model.ListingSnapshot),
		previous:  make(map[string]model.ListingSnapshot),
		states:    make(map[string]model.AlertState),
		alertIDs:  make(map[string]bool),
		locks:     make(map[int64]bool),
	}
}

func (m *Memory) Migrate(context.Context) error { return nil }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

// TryAdvisoryLock emulates a non-blocking process-wide lock.
func (m *Memory) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	return func() {
		m.mu.Lock()
		delete(m.locks, key)
		m.mu.Unlock()
	}, true, nil
}

func (m *Memory) ListUnclassifiedReviews(_ context.Context, limit, maxFailures int) ([]model.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := make([]model.Review, 0)
	for _, r := range m.reviews {
		key := reviewKey{r.ListingID, r.ReviewID}
		if _, done := m.results[key]; done || m.permanent[key] {
			continue
		}
		if maxFailures > 0 && m.failed[key] >= maxFailures {
			continue
		}
		pending = append(pending, r)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		fi := m.failed[reviewKey{pending[i].ListingID, pending[i].ReviewID}]
		fj := m.failed[reviewKey{pending[j].ListingID, pending[j].ReviewID}]
		if fi != fj {
			return fi < fj
		}
		if !pending[i].ObservedAt.Equal(pending[j].ObservedAt) {
			return pending[i].ObservedAt.Before(pending[j].ObservedAt)
		}
		return pending[i].ReviewID < pending[j].ReviewID
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (m *Memory) SaveResult(_ context.Context, r model.ClassificationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reviewKey{r.ListingID, r.ReviewID}
	if _, ok := m.results[key]; !ok {
		m.results[key] = r
	}
	return nil
}

func (m *Memory) SaveFailure(_ context.Context, f model.ClassificationFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, f)
	m.failed[reviewKey{f.ListingID, f.ReviewID}]++
	if !f.Retryable {
		m.permanent[reviewKey{f.ListingID, f.ReviewID}] = true
	}
	return nil
}

// Failures returns a copy of the recorded failures.
func (m *Memory) Failures() []model.ClassificationFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ClassificationFailure(nil), m.failures...)
}

func (m *Memory) ListListingIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.prices))
	for id := range m.prices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) PriceHistory(_ context.Context, listingID string, since time.Time) ([]model.PricePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PricePoint, 0)
	for _, p := range m.prices[listingID] {
		if p.ObservedAt.Before(since) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) SentimentCounts(_ context.Context, listingID string) (model.SentimentCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts model.SentimentCounts
	for key, r := range m.results {
		if key.listingID != listingID {
			continue
		}
		switch r.Label {
		case model.SentimentPositive:
			counts.Positive++
		case model.SentimentNegative:
			counts.Negative++
		case model.SentimentNeutral:
			counts.Neutral++
		}
	}
	return counts, nil
}

func (m *Memory) UpsertSnapshot(_ context.Context, snap model.ListingSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.current[snap.ListingID]; ok {
		m.previous[snap.ListingID] = cur
	}
	m.current[snap.ListingID] = snap
	return nil
}

func (m *Memory) GetSnapshot(_ context.Context, listingID string) (model.ListingSnapshot, *model.ListingSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.current[listingID]
	if !ok {
		return model.ListingSnapshot{}, nil, ErrNotFound
	}
	if prev, ok := m.previous[listingID]; ok {
		return cur, &prev, nil
	}
	return cur, nil, nil
}

func (m *Memory) ListSnapshots(context.Context) ([]model.ListingSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ListingSnapshot, 0, len(m.current))
	for _, snap := range m.current {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListingID < out[j].ListingID })
	return out, nil
}

func (m *Memory) LoadAlertStates(context.Context) (map[string]model.AlertState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.AlertState, len(m.states))
	for id, st := range m.states {
		out[id] = st
	}
	return out, nil
}

func (m *Memory) SaveAlertState(_ context.Context, st model.AlertState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.ListingID] = st
	return nil
}

func (m *Memory) AppendAlert(_ context.Context, ev model.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.alertIDs[ev.ID] {
		return nil
	}
	m.alertIDs[ev.ID] = true
	m.alerts = append(m.alerts, ev)
	return nil
}

func (m *Memory) ListRecentAlerts(_ context.Context, limit int) ([]model.AlertEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AlertEvent, 0, len(m.alerts))
	for i := len(m.alerts) - 1; i >= 0; i-- {
		out = append(out, m.alerts[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) InsertPricePoints(_ context.Context, points []model.PricePoint) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, p := range points {
		history := m.prices[p.ListingID]
		dup := false
		for _, existing := range history {
			if existing.ObservedAt.Equal(p.ObservedAt) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		p.ObservedAt = p.ObservedAt.UTC()
		history = append(history, p)
		sort.Slice(history, func(i, j int) bool { return history[i].ObservedAt.Before(history[j].ObservedAt) })
		m.prices[p.ListingID] = history
		inserted++
	}
	return inserted, nil
}

func (m *Memory) InsertReviews(_ context.Context, reviews []model.Review) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, r := range reviews {
		key := reviewKey{r.ListingID, r.ReviewID}
		if m.seen[key] {
			continue
		}
		m.seen[key] = true
		r.ObservedAt = r.ObservedAt.UTC()
		m.reviews = append(m.reviews, r)
		inserted++
	}
	return inserted, nil
}

var (
	_ Store          = (*Memory)(nil)
	_ AdvisoryLocker = (*Memory)(nil)
)
