package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"listing-sentinel/internal/config"
	"listing-sentinel/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned for lookups of unknown listings.
	ErrNotFound = errors.New("storage: not found")
)

//go:embed schema/*.sql
var schemaFS embed.FS

func schema(driver string) (string, error) {
	data, err := schemaFS.ReadFile("schema/" + driver + ".sql")
	if err != nil {
		return "", fmt.Errorf("read %s schema: %w", driver, err)
	}
	return string(data), nil
}

// ReviewSource yields reviews still waiting for a classification result.
// Reviews with a non-retryable failure are skipped, and so are reviews that
// already failed maxFailures times when maxFailures > 0. Reviews with fewer
// recorded failures come first, then oldest first.
type ReviewSource interface {
	ListUnclassifiedReviews(ctx context.Context, limit, maxFailures int) ([]model.Review, error)
}

// ResultSink stores terminal classification outcomes, append-only.
type ResultSink interface {
	SaveResult(ctx context.Context, result model.ClassificationResult) error
	SaveFailure(ctx context.Context, failure model.ClassificationFailure) error
}

// ListingSource reads the scraped inputs of a listing.
type ListingSource interface {
	ListListingIDs(ctx context.Context) ([]string, error)
	// PriceHistory returns observations at or after since, oldest first.
	PriceHistory(ctx context.Context, listingID string, since time.Time) ([]model.PricePoint, error)
	SentimentCounts(ctx context.Context, listingID string) (model.SentimentCounts, error)
}

// SnapshotStore keeps the current and the previous snapshot of each listing.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, snap model.ListingSnapshot) error
	GetSnapshot(ctx context.Context, listingID string) (current model.ListingSnapshot, previous *model.ListingSnapshot, err error)
	ListSnapshots(ctx context.Context) ([]model.ListingSnapshot, error)
}

// AlertStateStore persists the detector baselines.
type AlertStateStore interface {
	LoadAlertStates(ctx context.Context) (map[string]model.AlertState, error)
	SaveAlertState(ctx context.Context, state model.AlertState) error
}

// AlertLog is the audit trail of delivered alerts.
type AlertLog interface {
	AppendAlert(ctx context.Context, event model.AlertEvent) error
	ListRecentAlerts(ctx context.Context, limit int) ([]model.AlertEvent, error)
}

// IngestStore accepts scraped records. Duplicates are ignored.
type IngestStore interface {
	InsertPricePoints(ctx context.Context, points []model.PricePoint) (int, error)
	InsertReviews(ctx context.Context, reviews []model.Review) (int, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Pinger checks the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is everything the sweep needs from a backend.
type Store interface {
	ReviewSource
	ResultSink
	ListingSource
	SnapshotStore
	AlertStateStore
	AlertLog
	IngestStore
	Pinger
	Migrate(ctx context.Context) error
	Close()
}

// Open connects to the configured backend and applies the schema when
// auto-migrate is on.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, poolErr := NewPool(ctx, cfg)
		if poolErr != nil {
			return nil, poolErr
		}
		store = NewPostgres(pool)
	case config.DriverSQLite:
		store, err = OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
	case config.DriverMemory:
		store = NewMemory()
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	l := logger.With().Str("component", "storage").Logger()
	l.Info().Str("driver", cfg.Driver).Msg("store ready")
	return store, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
