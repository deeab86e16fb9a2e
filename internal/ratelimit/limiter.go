package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrCostExceedsCapacity is returned when a single request costs more tokens
// than the window can ever hold.
var ErrCostExceedsCapacity = errors.New("ratelimit: cost exceeds tokens-per-window capacity")

// DefaultWindow is the rolling window the service quotas are expressed in.
const DefaultWindow = time.Minute

// DefaultStatsTimeout bounds one stats write on the acquire path.
const DefaultStatsTimeout = 50 * time.Millisecond

// Options configure the dual-quota limiter.
type Options struct {
	MaxRequestsPerMinute int
	MaxTokensPerMinute   int
	Window               time.Duration
	// Now overrides the clock; used by tests.
	Now func() time.Time
	// Stats receives grant/wait events; best effort.
	Stats StatsRecorder
	// StatsTimeout caps each Stats.Record call.
	StatsTimeout time.Duration
}

// Decision is the outcome of a single TryAcquire call.
type Decision struct {
	Granted bool
	Grant   Grant
	Wait    time.Duration
}

// Grant identifies a usage event recorded in the window.
type Grant struct {
	seq    uint64
	Tokens int
	At     time.Time
}

// Usage is a point-in-time view of the rolling window.
type Usage struct {
	RequestsUsed      int `json:"requests_used"`
	RequestsRemaining int `json:"requests_remaining"`
	TokensUsed        int `json:"tokens_used"`
	TokensRemaining   int `json:"tokens_remaining"`
}

type usageEvent struct {
	seq    uint64
	at     time.Time
	tokens int
}

// Limiter enforces requests-per-window and tokens-per-window at the same time
// over a sliding window. All state lives behind mu; check and commit happen in
// one critical section so two callers cannot take the same last unit.
type Limiter struct {
	mu         sync.Mutex
	events     []usageEvent
	tokensUsed int
	nextSeq    uint64

	maxRequests int
	maxTokens   int
	window      time.Duration
	now         func() time.Time
	stats       StatsRecorder
	statsWait   time.Duration
	logger      zerolog.Logger
}

// New constructs a limiter. Non-positive caps are rejected.
func New(opts Options, logger zerolog.Logger) (*Limiter, error) {
	if opts.MaxRequestsPerMinute <= 0 {
		return nil, fmt.Errorf("ratelimit: max requests per minute must be positive")
	}
	if opts.MaxTokensPerMinute <= 0 {
		return nil, fmt.Errorf("ratelimit: max tokens per minute must be positive")
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	stats := opts.Stats
	if stats == nil {
		stats = NopStats{}
	}
	statsWait := opts.StatsTimeout
	if statsWait <= 0 {
		statsWait = DefaultStatsTimeout
	}

	return &Limiter{
		events:      make([]usageEvent, 0, opts.MaxRequestsPerMinute),
		maxRequests: opts.MaxRequestsPerMinute,
		maxTokens:   opts.MaxTokensPerMinute,
		window:      window,
		now:         now,
		stats:       stats,
		statsWait:   statsWait,
		logger:      logger.With().Str("component", "rate_limiter").Logger(),
	}, nil
}

// TryAcquire grants immediately when both quotas have room for cost, or
// reports the minimum wait until enough usage ages out of the window.
func (l *Limiter) TryAcquire(cost int) (Decision, error) {
	if cost < 0 {
		cost = 0
	}
	if cost > l.maxTokens {
		return Decision{}, ErrCostExceedsCapacity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	requestsFull := len(l.events)+1 > l.maxRequests
	tokensFull := l.tokensUsed+cost > l.maxTokens
	if !requestsFull && !tokensFull {
		l.nextSeq++
		ev := usageEvent{seq: l.nextSeq, at: now, tokens: cost}
		l.events = append(l.events, ev)
		l.tokensUsed += cost
		return Decision{Granted: true, Grant: Grant{seq: ev.seq, Tokens: cost, At: now}}, nil
	}

	var wait time.Duration
	if requestsFull {
		// Enough events must expire to leave one free slot.
		idx := len(l.events) - l.maxRequests
		wait = maxDuration(wait, l.events[idx].at.Add(l.window).Sub(now))
	}
	if tokensFull {
		need := l.tokensUsed + cost - l.maxTokens
		freed := 0
		for _, ev := range l.events {
			freed += ev.tokens
			if freed >= need {
				wait = maxDuration(wait, ev.at.Add(l.window).Sub(now))
				break
			}
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	return Decision{Wait: wait}, nil
}

// Acquire blocks until cost fits into both quotas or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, cost int) (Grant, error) {
	waited := time.Duration(0)
	for {
		decision, err := l.TryAcquire(cost)
		if err != nil {
			return Grant{}, err
		}
		if decision.Granted {
			l.record(ctx, StatsEvent{Granted: true, Tokens: decision.Grant.Tokens, Waited: waited, At: decision.Grant.At})
			return decision.Grant, nil
		}

		l.logger.Debug().Dur("wait", decision.Wait).Int("cost", cost).Msg("quota exhausted; waiting for window to free")
		l.record(ctx, StatsEvent{Granted: false, Tokens: cost, Waited: decision.Wait, At: l.now()})

		timer := time.NewTimer(decision.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Grant{}, ctx.Err()
		case <-timer.C:
		}
		waited += decision.Wait
	}
}

// Settle lowers the recorded token cost of a grant to the actual usage
// reported by the service. Usage is never increased after the grant.
func (l *Limiter) Settle(grant Grant, actualTokens int) {
	if actualTokens < 0 || actualTokens >= grant.Tokens {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.events {
		if l.events[i].seq == grant.seq {
			refund := l.events[i].tokens - actualTokens
			if refund > 0 {
				l.events[i].tokens = actualTokens
				l.tokensUsed -= refund
			}
			return
		}
	}
}

// Usage reports the current rolling-window consumption.
func (l *Limiter) Usage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(l.now())
	return Usage{
		RequestsUsed:      len(l.events),
		RequestsRemaining: l.maxRequests - len(l.events),
		TokensUsed:        l.tokensUsed,
		TokensRemaining:   l.maxTokens - l.tokensUsed,
	}
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := 0
	for cutoff < len(l.events) && !l.events[cutoff].at.Add(l.window).After(now) {
		l.tokensUsed -= l.events[cutoff].tokens
		cutoff++
	}
	if cutoff > 0 {
		l.events = append(l.events[:0], l.events[cutoff:]...)
	}
}

func (l *Limiter) record(ctx context.Context, ev StatsEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.statsWait)
	defer cancel()
	if err := l.stats.Record(ctx, ev); err != nil {
		l.logger.Debug().Err(err).Msg("failed to record limiter stats")
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
