// Package detector turns listing snapshots into alert events by comparing them
// with the last-alerted baselines, and owns the durable alert state.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"listing-sentinel/internal/model"
)

// ErrNotLoaded is returned when Process runs before Load.
var ErrNotLoaded = errors.New("detector: alert state not loaded")

// StateStore persists the per-listing alert state.
type StateStore interface {
	LoadAlertStates(ctx context.Context) (map[string]model.AlertState, error)
	SaveAlertState(ctx context.Context, state model.AlertState) error
}

// Dispatcher hands an event to the delivery collaborator. A nil error is an ack.
type Dispatcher interface {
	Deliver(ctx context.Context, event model.AlertEvent) error
}

// AuditLog records delivered alerts.
type AuditLog interface {
	AppendAlert(ctx context.Context, event model.AlertEvent) error
}

// Options configure the engine.
type Options struct {
	// Thresholds left entirely unset fall back to DefaultThresholds.
	// Configured values are validated by config.Validate.
	Thresholds Thresholds
	// Disabled evaluates and advances first-observation baselines but never
	// emits events.
	Disabled bool
	Now      func() time.Time
}

// Result summarises one Process call.
type Result struct {
	ListingID   string
	Delivered   []model.AlertEvent
	Undelivered []model.AlertEvent
}

// Engine is the single writer of alert state. Process calls are serialised.
type Engine struct {
	procMu sync.Mutex

	mu     sync.RWMutex
	states map[string]model.AlertState
	loaded bool

	store      StateStore
	dispatcher Dispatcher
	audit      AuditLog
	opts       Options
	logger     zerolog.Logger
}

// NewEngine wires the engine to its collaborators. audit may be nil.
func NewEngine(store StateStore, dispatcher Dispatcher, audit AuditLog, opts Options, logger zerolog.Logger) *Engine {
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		states:     make(map[string]model.AlertState),
		store:      store,
		dispatcher: dispatcher,
		audit:      audit,
		opts:       opts,
		logger:     logger.With().Str("component", "detector").Logger(),
	}
}

// Load reads the persisted state. It runs once; later calls are no-ops.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return nil
	}

	states, err := e.store.LoadAlertStates(ctx)
	if err != nil {
		return fmt.Errorf("load alert state: %w", err)
	}
	for id, st := range states {
		e.states[id] = st
	}
	e.loaded = true
	e.logger.Info().Int("listings", len(states)).Msg("alert state loaded")
	return nil
}

// Process evaluates one snapshot. Each emitted event is delivered before its
// track's baseline is written; a failed delivery leaves the baseline untouched
// so the crossing is detected again next sweep. A persistence error is
// returned and must abort the sweep.
func (e *Engine) Process(ctx context.Context, snap model.ListingSnapshot) (Result, error) {
	e.procMu.Lock()
	defer e.procMu.Unlock()

	e.mu.RLock()
	loaded := e.loaded
	prior, ok := e.states[snap.ListingID]
	e.mu.RUnlock()
	if !loaded {
		return Result{}, ErrNotLoaded
	}
	if !ok {
		prior = model.NewAlertState(snap.ListingID)
	}

	now := e.opts.Now().UTC()
	decision := Evaluate(snap, prior, e.opts.Thresholds, now)
	result := Result{ListingID: snap.ListingID}

	next := prior
	tracks := []struct {
		outcome TrackOutcome
		apply   func(*model.AlertState, model.TrackState)
	}{
		{decision.Price, func(s *model.AlertState, t model.TrackState) { s.Price = t }},
		{decision.Sentiment, func(s *model.AlertState, t model.TrackState) { s.Sentiment = t }},
	}

	for _, track := range tracks {
		if !track.outcome.Changed {
			continue
		}

		if ev := track.outcome.Event; ev != nil {
			if e.opts.Disabled {
				continue
			}
			ev.ID = uuid.NewString()
			if err := e.dispatcher.Deliver(ctx, *ev); err != nil {
				e.logger.Warn().Err(err).
					Str("listing_id", ev.ListingID).
					Str("kind", string(ev.Kind)).
					Msg("alert delivery failed; baseline kept")
				result.Undelivered = append(result.Undelivered, *ev)
				continue
			}

			track.apply(&next, track.outcome.Next)
			if err := e.persist(ctx, next); err != nil {
				return result, err
			}
			result.Delivered = append(result.Delivered, *ev)

			e.logger.Info().
				Str("listing_id", ev.ListingID).
				Str("kind", string(ev.Kind)).
				Float64("old", ev.OldValue).
				Float64("new", ev.NewValue).
				Float64("delta_pct", ev.DeltaPct).
				Msg("alert emitted")

			if e.audit != nil {
				if err := e.audit.AppendAlert(ctx, *ev); err != nil {
					e.logger.Error().Err(err).Str("listing_id", ev.ListingID).Msg("failed to record alert in audit log")
				}
			}
			continue
		}

		track.apply(&next, track.outcome.Next)
		if err := e.persist(ctx, next); err != nil {
			return result, err
		}
	}

	return result, nil
}

func (e *Engine) persist(ctx context.Context, state model.AlertState) error {
	if err := e.store.SaveAlertState(ctx, state); err != nil {
		return fmt.Errorf("persist alert state for %s: %w", state.ListingID, err)
	}
	e.mu.Lock()
	e.states[state.ListingID] = state
	e.mu.Unlock()
	return nil
}

// State returns the in-memory state of a listing.
func (e *Engine) State(listingID string) (model.AlertState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[listingID]
	return st, ok
}

// Thresholds reports the thresholds the engine evaluates with.
func (e *Engine) Thresholds() Thresholds { return e.opts.Thresholds }

// States returns every known state ordered by listing id.
func (e *Engine) States() []model.AlertState {
	e.mu.RLock()
	out := make([]model.AlertState, 0, len(e.states))
	for _, st := range e.states {
		out = append(out, st)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ListingID < out[j].ListingID })
	return out
}
