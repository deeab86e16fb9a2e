package notify

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"listing-sentinel/internal/model"
)

// Paced spaces deliveries at least interval apart so a sweep that crosses many
// thresholds at once does not trip the channel's own flood limits.
type Paced struct {
	next    Dispatcher
	limiter *rate.Limiter
}

// NewPaced wraps next. A non-positive interval disables pacing.
func NewPaced(next Dispatcher, interval time.Duration) Dispatcher {
	if interval <= 0 {
		return next
	}
	return &Paced{next: next, limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (p *Paced) Deliver(ctx context.Context, ev model.AlertEvent) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for dispatch slot: %w", err)
	}
	return p.next.Deliver(ctx, ev)
}

var _ Dispatcher = (*Paced)(nil)
