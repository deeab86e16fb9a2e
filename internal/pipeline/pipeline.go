// Package pipeline drains classification requests through the shared rate
// limiter into the classification service, retrying transient failures with
// exponential backoff and recording exactly one terminal outcome per request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"listing-sentinel/internal/classifier"
	"listing-sentinel/internal/model"
	"listing-sentinel/internal/ratelimit"
)

const (
	DefaultWorkers     = 4
	DefaultMaxAttempts = 3
	DefaultCallTimeout = 30 * time.Second
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 30 * time.Second
)

// Limiter is the quota gate every call passes through.
type Limiter interface {
	Acquire(ctx context.Context, cost int) (ratelimit.Grant, error)
	Settle(grant ratelimit.Grant, actualTokens int)
}

// ResultSink receives the terminal record of every request.
type ResultSink interface {
	SaveResult(ctx context.Context, result model.ClassificationResult) error
	SaveFailure(ctx context.Context, failure model.ClassificationFailure) error
}

// Options configure the pipeline.
type Options struct {
	Workers     int
	MaxAttempts int
	CallTimeout time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	ModelHint   string
	Now         func() time.Time
}

// Outcome is the terminal state of one request: exactly one of Result and
// Failure is set.
type Outcome struct {
	Request model.ClassificationRequest
	Result  *model.ClassificationResult
	Failure *model.ClassificationFailure
}

// Succeeded reports whether the request produced a result.
func (o Outcome) Succeeded() bool { return o.Result != nil }

// Pipeline classifies batches of review requests.
type Pipeline struct {
	classifier classifier.Classifier
	limiter    Limiter
	sink       ResultSink
	opts       Options
	logger     zerolog.Logger
}

// New constructs a pipeline with defaults applied to zero options.
func New(c classifier.Classifier, limiter Limiter, sink ResultSink, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = DefaultMaxBackoff
		if opts.MaxBackoff < opts.BaseBackoff {
			opts.MaxBackoff = opts.BaseBackoff
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Pipeline{
		classifier: c,
		limiter:    limiter,
		sink:       sink,
		opts:       opts,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

// NewRequest builds a request for a review with a fresh id and a token estimate.
func NewRequest(review model.Review, maxInputChars, maxOutputTokens int) model.ClassificationRequest {
	return model.ClassificationRequest{
		ID:            uuid.NewString(),
		ListingID:     review.ListingID,
		ReviewID:      review.ReviewID,
		Text:          review.Text,
		EstimatedCost: classifier.EstimateTokens(review.Text, maxInputChars, maxOutputTokens),
	}
}

// Process classifies every request and returns one outcome per input, in
// input order. Per-item failures never abort the batch; the returned error
// only reports sink writes that could not be stored.
func (p *Pipeline) Process(ctx context.Context, requests []model.ClassificationRequest) ([]Outcome, error) {
	outcomes := make([]Outcome, len(requests))
	if len(requests) == 0 {
		return outcomes, nil
	}

	var (
		mu       sync.Mutex
		sinkErrs []error
	)

	var g errgroup.Group
	g.SetLimit(p.opts.Workers)
	for i := range requests {
		g.Go(func() error {
			outcome := p.processOne(ctx, requests[i])
			outcomes[i] = outcome
			if err := p.store(ctx, outcome); err != nil {
				mu.Lock()
				sinkErrs = append(sinkErrs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := Summarize(outcomes)
	p.logger.Info().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("retryable", summary.Retryable).
		Msg("classification batch finished")

	return outcomes, errors.Join(sinkErrs...)
}

// attempt is the tagged outcome of a single service call.
type attempt interface{ isAttempt() }

type attemptSuccess struct {
	resp    classifier.Response
	latency time.Duration
}

type attemptTransient struct {
	err *classifier.Error
}

type attemptPermanent struct {
	kind model.FailureKind
	err  error
}

func (attemptSuccess) isAttempt()   {}
func (attemptTransient) isAttempt() {}
func (attemptPermanent) isAttempt() {}

func (p *Pipeline) processOne(ctx context.Context, req model.ClassificationRequest) Outcome {
	if strings.TrimSpace(req.Text) == "" {
		return p.fail(req, model.FailureEmptyInput, errors.New("review text is empty"), 0, false)
	}
	if err := ctx.Err(); err != nil {
		return p.fail(req, model.FailureCancelled, err, 0, true)
	}

	cost := req.EstimatedCost
	if cost <= 0 {
		cost = classifier.EstimateTokens(req.Text, 0, 0)
	}

	for n := 1; ; n++ {
		grant, err := p.limiter.Acquire(ctx, cost)
		if errors.Is(err, ratelimit.ErrCostExceedsCapacity) {
			return p.fail(req, model.FailureOverBudget, err, n-1, false)
		}
		if err != nil {
			return p.fail(req, model.FailureCancelled, err, n-1, true)
		}

		switch a := p.call(ctx, req).(type) {
		case attemptSuccess:
			if a.resp.TokensUsed > 0 {
				p.limiter.Settle(grant, a.resp.TokensUsed)
			}
			result := model.ClassificationResult{
				RequestID:    req.ID,
				ListingID:    req.ListingID,
				ReviewID:     req.ReviewID,
				Label:        a.resp.Label,
				Confidence:   a.resp.Confidence,
				Latency:      a.latency,
				TokensUsed:   a.resp.TokensUsed,
				ClassifiedAt: p.opts.Now().UTC(),
			}
			return Outcome{Request: req, Result: &result}

		case attemptPermanent:
			return p.fail(req, a.kind, a.err, n, false)

		case attemptTransient:
			if n >= p.opts.MaxAttempts {
				return p.fail(req, a.err.FailureKind(), a.err, n, true)
			}
			delay := p.backoff(n)
			p.logger.Debug().
				Str("request_id", req.ID).
				Int("attempt", n).
				Dur("backoff", delay).
				Err(a.err).
				Msg("transient classification failure; retrying")
			if err := sleep(ctx, delay); err != nil {
				return p.fail(req, model.FailureCancelled, err, n, true)
			}

		default:
			panic(fmt.Sprintf("pipeline: unhandled attempt %T", a))
		}
	}
}

// call runs one service request. The call is detached from sweep cancellation
// so an in-flight request finishes or times out on its own.
func (p *Pipeline) call(ctx context.Context, req model.ClassificationRequest) attempt {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.classifier.Classify(callCtx, classifier.Request{Text: req.Text, ModelHint: p.opts.ModelHint})
	latency := time.Since(start)
	if err == nil {
		return attemptSuccess{resp: resp, latency: latency}
	}

	ce := classifier.AsError(err)
	if ce.Retryable() {
		return attemptTransient{err: ce}
	}
	return attemptPermanent{kind: ce.FailureKind(), err: ce}
}

func (p *Pipeline) backoff(attempt int) time.Duration {
	delay := p.opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.opts.MaxBackoff {
			return p.opts.MaxBackoff
		}
	}
	return delay
}

func (p *Pipeline) fail(req model.ClassificationRequest, kind model.FailureKind, err error, attempts int, retryable bool) Outcome {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	p.logger.Warn().
		Str("request_id", req.ID).
		Str("listing_id", req.ListingID).
		Str("review_id", req.ReviewID).
		Str("kind", string(kind)).
		Int("attempts", attempts).
		Bool("retryable", retryable).
		Msg(reason)

	return Outcome{
		Request: req,
		Failure: &model.ClassificationFailure{
			RequestID: req.ID,
			ListingID: req.ListingID,
			ReviewID:  req.ReviewID,
			Kind:      kind,
			Reason:    reason,
			Attempts:  attempts,
			Retryable: retryable,
			FailedAt:  p.opts.Now().UTC(),
		},
	}
}

func (p *Pipeline) store(ctx context.Context, o Outcome) error {
	if p.sink == nil {
		return nil
	}
	writeCtx := context.WithoutCancel(ctx)
	if o.Result != nil {
		if err := p.sink.SaveResult(writeCtx, *o.Result); err != nil {
			return fmt.Errorf("save result %s: %w", o.Request.ID, err)
		}
		return nil
	}
	if err := p.sink.SaveFailure(writeCtx, *o.Failure); err != nil {
		return fmt.Errorf("save failure %s: %w", o.Request.ID, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Summary tallies a processed batch.
type Summary struct {
	Total     int                       `json:"total"`
	Succeeded int                       `json:"succeeded"`
	Failed    int                       `json:"failed"`
	Retryable int                       `json:"retryable"`
	ByKind    map[model.FailureKind]int `json:"by_kind,omitempty"`
}

// Summarize counts outcomes by terminal state.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes), ByKind: map[model.FailureKind]int{}}
	for _, o := range outcomes {
		if o.Succeeded() {
			s.Succeeded++
			continue
		}
		if o.Failure == nil {
			continue
		}
		s.Failed++
		s.ByKind[o.Failure.Kind]++
		if o.Failure.Retryable {
			s.Retryable++
		}
	}
	return s
}
