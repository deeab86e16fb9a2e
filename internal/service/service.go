package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"listing-sentinel/internal/detector"
	"listing-sentinel/internal/metrics"
	"listing-sentinel/internal/model"
	"listing-sentinel/internal/pipeline"
	"listing-sentinel/internal/scheduler"
	"listing-sentinel/internal/storage"
)

// ErrSweepRunning is returned when a sweep is requested while another one
// is still in progress in this process.
var ErrSweepRunning = errors.New("sweep already running")

// Store is the subset of storage a sweep reads and writes.
type Store interface {
	storage.ReviewSource
	storage.ListingSource
	storage.SnapshotStore
	storage.Pinger
}

// Classifier drains a batch of classification requests.
type Classifier interface {
	Process(ctx context.Context, requests []model.ClassificationRequest) ([]pipeline.Outcome, error)
}

// Detector turns snapshots into delivered alerts.
type Detector interface {
	Process(ctx context.Context, snap model.ListingSnapshot) (detector.Result, error)
}

// Options tune a sweep.
type Options struct {
	BatchSize       int
	// MaxFailedSweeps drops a review from the queue once it failed in that
	// many sweeps. Zero keeps retryable reviews queued indefinitely.
	MaxFailedSweeps int
	MaxInputChars   int
	MaxOutputTokens int
	HistoryWindow   time.Duration
	Snapshot        metrics.SnapshotOptions
	LockKey         int64
}

// SweepReport describes one completed or aborted sweep.
type SweepReport struct {
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at"`
	Skipped        bool             `json:"skipped"`
	Classification pipeline.Summary `json:"classification"`
	Listings       int              `json:"listings"`
	NoPrices       int              `json:"no_prices"`
	Alerts         int              `json:"alerts"`
	Undelivered    int              `json:"undelivered"`
	Error          string           `json:"error,omitempty"`
}

// Service orchestrates classification, snapshotting and change detection.
type Service struct {
	scheduler  *scheduler.Scheduler
	store      Store
	classifier Classifier
	detector   Detector
	locker     storage.AdvisoryLocker
	opts       Options
	logger     zerolog.Logger

	running sync.Mutex

	mu   sync.RWMutex
	last *SweepReport
}

// New constructs the sweep service. classifier may be nil, in which case
// sweeps only recompute snapshots from already classified reviews.
func New(sched *scheduler.Scheduler, store Store, classifier Classifier, det Detector, opts Options, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}

	return &Service{
		scheduler:  sched,
		store:      store,
		classifier: classifier,
		detector:   det,
		locker:     locker,
		opts:       opts,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the scheduled sweep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, slot time.Time) error {
		_, err := s.Sweep(ctx, slot)
		return err
	})
}

// LastReport returns the most recent sweep report, if any.
func (s *Service) LastReport() (SweepReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return SweepReport{}, false
	}
	return *s.last, true
}

// Sweep 执行一次完整的评估：分类待处理评论，重算快照，检测阈值。
func (s *Service) Sweep(ctx context.Context, at time.Time) (SweepReport, error) {
	if !s.running.TryLock() {
		return SweepReport{}, ErrSweepRunning
	}
	defer s.running.Unlock()

	report := SweepReport{StartedAt: time.Now().UTC()}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return s.finish(report, err)
	}
	if !proceed {
		s.logger.Debug().Time("slot", at).Msg("skip sweep because advisory lock held elsewhere")
		report.Skipped = true
		return s.finish(report, nil)
	}
	if unlock != nil {
		defer unlock()
	}

	err = s.executeSweep(ctx, at, &report)
	return s.finish(report, err)
}

func (s *Service) executeSweep(ctx context.Context, at time.Time, report *SweepReport) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}

	summary, err := s.Classify(ctx)
	report.Classification = summary
	if err != nil {
		return err
	}

	ids, err := s.store.ListListingIDs(ctx)
	if err != nil {
		return fmt.Errorf("list listings: %w", err)
	}

	since := time.Time{}
	if s.opts.HistoryWindow > 0 {
		since = at.Add(-s.opts.HistoryWindow)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		snap, ok, err := s.snapshot(ctx, id, since, at)
		if err != nil {
			return err
		}
		if !ok {
			report.NoPrices++
			continue
		}
		if err := s.store.UpsertSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("save snapshot %s: %w", id, err)
		}
		report.Listings++

		if s.detector == nil {
			continue
		}
		result, err := s.detector.Process(ctx, snap)
		if err != nil {
			return fmt.Errorf("detect changes for %s: %w", id, err)
		}
		report.Alerts += len(result.Delivered)
		report.Undelivered += len(result.Undelivered)
	}
	return nil
}

// Classify sends one batch of pending reviews through the pipeline.
// Per-review failures are recorded, never returned; only a result that could
// not be stored fails the call.
func (s *Service) Classify(ctx context.Context) (pipeline.Summary, error) {
	if s.classifier == nil {
		return pipeline.Summary{}, nil
	}
	reviews, err := s.store.ListUnclassifiedReviews(ctx, s.opts.BatchSize, s.opts.MaxFailedSweeps)
	if err != nil {
		return pipeline.Summary{}, fmt.Errorf("list pending reviews: %w", err)
	}
	if len(reviews) == 0 {
		return pipeline.Summary{}, nil
	}

	requests := make([]model.ClassificationRequest, len(reviews))
	for i, r := range reviews {
		requests[i] = pipeline.NewRequest(r, s.opts.MaxInputChars, s.opts.MaxOutputTokens)
	}
	outcomes, err := s.classifier.Process(ctx, requests)
	summary := pipeline.Summarize(outcomes)
	if err != nil {
		return summary, fmt.Errorf("store classification outcomes: %w", err)
	}
	return summary, nil
}

func (s *Service) snapshot(ctx context.Context, id string, since, at time.Time) (model.ListingSnapshot, bool, error) {
	history, err := s.store.PriceHistory(ctx, id, since)
	if err != nil {
		return model.ListingSnapshot{}, false, fmt.Errorf("price history %s: %w", id, err)
	}
	if len(history) == 0 {
		return model.ListingSnapshot{}, false, nil
	}
	counts, err := s.store.SentimentCounts(ctx, id)
	if err != nil {
		return model.ListingSnapshot{}, false, fmt.Errorf("sentiment counts %s: %w", id, err)
	}

	snap, err := metrics.BuildSnapshot(id, history, counts, s.opts.Snapshot, at.UTC())
	if err != nil {
		s.logger.Warn().Err(err).Str("listing_id", id).Msg("skip listing with unusable history")
		return model.ListingSnapshot{}, false, nil
	}
	return snap, true, nil
}

func (s *Service) finish(report SweepReport, err error) (SweepReport, error) {
	report.FinishedAt = time.Now().UTC()
	if err != nil {
		report.Error = err.Error()
	}

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Msg("sweep aborted")
		return report, err
	}
	if !report.Skipped {
		s.logger.Info().
			Int("listings", report.Listings).
			Int("classified", report.Classification.Succeeded).
			Int("classification_failures", report.Classification.Failed).
			Int("alerts", report.Alerts).
			Int("undelivered", report.Undelivered).
			Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
			Msg("sweep finished")
	}
	return report, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
