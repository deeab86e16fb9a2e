package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"listing-sentinel/internal/config"
	"listing-sentinel/internal/model"
)

const (
	pgListUnclassifiedSQL = `SELECT r.listing_id, r.review_id, r.body, r.observed_at
    FROM reviews r
    LEFT JOIN classification_results c
      ON c.listing_id = r.listing_id AND c.review_id = r.review_id
    LEFT JOIN (
        SELECT listing_id, review_id,
               COUNT(*) AS failures,
               COUNT(*) FILTER (WHERE NOT retryable) AS permanent
        FROM classification_failures
        GROUP BY listing_id, review_id
    ) f ON f.listing_id = r.listing_id AND f.review_id = r.review_id
    WHERE c.request_id IS NULL
      AND COALESCE(f.permanent, 0) = 0
      AND ($1::int <= 0 OR COALESCE(f.failures, 0) < $1::int)
    ORDER BY COALESCE(f.failures, 0), r.observed_at, r.review_id
    LIMIT $2;`

	pgInsertResultSQL = `INSERT INTO classification_results (
        request_id, listing_id, review_id, label, confidence, latency_ms, tokens_used, classified_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    ON CONFLICT DO NOTHING;`

	pgInsertFailureSQL = `INSERT INTO classification_failures (
        request_id, listing_id, review_id, kind, reason, attempts, retryable, failed_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    ON CONFLICT (request_id) DO NOTHING;`

	pgListListingIDsSQL = `SELECT DISTINCT listing_id FROM price_points ORDER BY listing_id;`

	pgPriceHistorySQL = `SELECT listing_id, price, observed_at
    FROM price_points
    WHERE listing_id = $1 AND observed_at >= $2
    ORDER BY observed_at;`

	pgSentimentCountsSQL = `SELECT label, COUNT(*)
    FROM classification_results
    WHERE listing_id = $1
    GROUP BY label;`

	pgUpsertSnapshotSQL = `INSERT INTO listing_snapshots (listing_id, current_doc, previous_doc, updated_at)
    VALUES ($1, $2, NULL, $3)
    ON CONFLICT (listing_id) DO UPDATE
    SET previous_doc = listing_snapshots.current_doc,
        current_doc  = EXCLUDED.current_doc,
        updated_at   = EXCLUDED.updated_at;`

	pgGetSnapshotSQL = `SELECT current_doc, previous_doc FROM listing_snapshots WHERE listing_id = $1;`

	pgListSnapshotsSQL = `SELECT current_doc FROM listing_snapshots ORDER BY listing_id;`

	pgLoadAlertStatesSQL = `SELECT
        listing_id,
        price_status, price_baseline, price_last_alert_at, price_updated_at,
        sentiment_status, sentiment_baseline, sentiment_last_alert_at, sentiment_updated_at
    FROM alert_states;`

	pgSaveAlertStateSQL = `INSERT INTO alert_states (
        listing_id,
        price_status, price_baseline, price_last_alert_at, price_updated_at,
        sentiment_status, sentiment_baseline, sentiment_last_alert_at, sentiment_updated_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    ON CONFLICT (listing_id) DO UPDATE
    SET price_status            = EXCLUDED.price_status,
        price_baseline          = EXCLUDED.price_baseline,
        price_last_alert_at     = EXCLUDED.price_last_alert_at,
        price_updated_at        = EXCLUDED.price_updated_at,
        sentiment_status        = EXCLUDED.sentiment_status,
        sentiment_baseline      = EXCLUDED.sentiment_baseline,
        sentiment_last_alert_at = EXCLUDED.sentiment_last_alert_at,
        sentiment_updated_at    = EXCLUDED.sentiment_updated_at;`

	pgInsertAlertSQL = `INSERT INTO alerts (
        id, kind, listing_id, old_value, new_value, delta_pct, snapshot, created_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    ON CONFLICT (id) DO NOTHING;`

	pgListRecentAlertsSQL = `SELECT id, kind, listing_id, old_value, new_value, delta_pct, snapshot, created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	pgInsertPricePointSQL = `INSERT INTO price_points (listing_id, price, observed_at)
    VALUES ($1,$2,$3)
    ON CONFLICT DO NOTHING;`

	pgInsertReviewSQL = `INSERT INTO reviews (listing_id, review_id, body, observed_at)
    VALUES ($1,$2,$3,$4)
    ON CONFLICT DO NOTHING;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// NewPool configures a PostgreSQL connection pool from runtime settings and
// verifies it can reach the server.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Postgres is the primary store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wires a pgx pool into a store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Postgres) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Postgres) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	ddl, err := schema(config.DriverPostgres)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Postgres) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock also dies with the connection
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// ListUnclassifiedReviews returns reviews without a result, least failed
// and oldest first.
func (s *Postgres) ListUnclassifiedReviews(ctx context.Context, limit, maxFailures int) ([]model.Review, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, pgListUnclassifiedSQL, maxFailures, limit)
	if err != nil {
		return nil, fmt.Errorf("list unclassified reviews: %w", err)
	}
	defer rows.Close()

	reviews := make([]model.Review, 0, limit)
	for rows.Next() {
		var r model.Review
		if err := rows.Scan(&r.ListingID, &r.ReviewID, &r.Text, &r.ObservedAt); err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

// SaveResult appends a classification result.
func (s *Postgres) SaveResult(ctx context.Context, r model.ClassificationResult) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgInsertResultSQL,
		r.RequestID, r.ListingID, r.ReviewID, string(r.Label), r.Confidence,
		r.Latency.Milliseconds(), r.TokensUsed, r.ClassifiedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert classification result: %w", err)
	}
	return nil
}

// SaveFailure appends a classification failure.
func (s *Postgres) SaveFailure(ctx context.Context, f model.ClassificationFailure) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgInsertFailureSQL,
		f.RequestID, f.ListingID, f.ReviewID, string(f.Kind), f.Reason,
		f.Attempts, f.Retryable, f.FailedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert classification failure: %w", err)
	}
	return nil
}

// ListListingIDs lists every listing with at least one price observation.
func (s *Postgres) ListListingIDs(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, pgListListingIDsSQL)
	if err != nil {
		return nil, fmt.Errorf("list listing ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan listing ids: %w", err)
	}
	return ids, nil
}

// PriceHistory returns observations at or after since, oldest first.
func (s *Postgres) PriceHistory(ctx context.Context, listingID string, since time.Time) ([]model.PricePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, pgPriceHistorySQL, listingID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("price history: %w", err)
	}
	defer rows.Close()

	points := make([]model.PricePoint, 0)
	for rows.Next() {
		var p model.PricePoint
		if err := rows.Scan(&p.ListingID, &p.Price, &p.ObservedAt); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// SentimentCounts tallies classified reviews per label.
func (s *Postgres) SentimentCounts(ctx context.Context, listingID string) (model.SentimentCounts, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.SentimentCounts{}, err
	}
	rows, err := pool.Query(ctx, pgSentimentCountsSQL, listingID)
	if err != nil {
		return model.SentimentCounts{}, fmt.Errorf("sentiment counts: %w", err)
	}
	defer rows.Close()
	return scanSentimentCounts(rows)
}

// UpsertSnapshot replaces the current snapshot and keeps the old one as previous.
func (s *Postgres) UpsertSnapshot(ctx context.Context, snap model.ListingSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := pool.Exec(ctx, pgUpsertSnapshotSQL, snap.ListingID, doc, snap.TakenAt.UTC()); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the current and, when present, the previous snapshot.
func (s *Postgres) GetSnapshot(ctx context.Context, listingID string) (model.ListingSnapshot, *model.ListingSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.ListingSnapshot{}, nil, err
	}
	var current, previous []byte
	if err := pool.QueryRow(ctx, pgGetSnapshotSQL, listingID).Scan(&current, &previous); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ListingSnapshot{}, nil, ErrNotFound
		}
		return model.ListingSnapshot{}, nil, fmt.Errorf("get snapshot: %w", err)
	}
	return decodeSnapshots(current, previous)
}

// ListSnapshots returns every current snapshot.
func (s *Postgres) ListSnapshots(ctx context.Context) ([]model.ListingSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, pgListSnapshotsSQL)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]model.ListingSnapshot, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var snap model.ListingSnapshot
		if err := json.Unmarshal(doc, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// LoadAlertStates reads every persisted baseline.
func (s *Postgres) LoadAlertStates(ctx context.Context) (map[string]model.AlertState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, pgLoadAlertStatesSQL)
	if err != nil {
		return nil, fmt.Errorf("load alert states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]model.AlertState)
	for rows.Next() {
		st, err := scanAlertState(rows)
		if err != nil {
			return nil, err
		}
		states[st.ListingID] = st
	}
	return states, rows.Err()
}

// SaveAlertState upserts one listing's baselines.
func (s *Postgres) SaveAlertState(ctx context.Context, st model.AlertState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgSaveAlertStateSQL, alertStateArgs(st)...); err != nil {
		return fmt.Errorf("save alert state: %w", err)
	}
	return nil
}

// AppendAlert records a delivered alert.
func (s *Postgres) AppendAlert(ctx context.Context, ev model.AlertEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	args, err := alertArgs(ev)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, pgInsertAlertSQL, args...); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Postgres) ListRecentAlerts(ctx context.Context, limit int) ([]model.AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, pgListRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]model.AlertEvent, 0, limit)
	for rows.Next() {
		ev, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, ev)
	}
	return alerts, rows.Err()
}

// InsertPricePoints appends observations in one batch and returns how many were new.
func (s *Postgres) InsertPricePoints(ctx context.Context, points []model.PricePoint) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(pgInsertPricePointSQL, p.ListingID, p.Price, p.ObservedAt.UTC())
	}
	return execBatch(ctx, pool, batch, len(points))
}

// InsertReviews appends reviews in one batch and returns how many were new.
func (s *Postgres) InsertReviews(ctx context.Context, reviews []model.Review) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	batch := &pgx.Batch{}
	for _, r := range reviews {
		batch.Queue(pgInsertReviewSQL, r.ListingID, r.ReviewID, r.Text, r.ObservedAt.UTC())
	}
	return execBatch(ctx, pool, batch, len(reviews))
}

func execBatch(ctx context.Context, pool *pgxpool.Pool, batch *pgx.Batch, n int) (int, error) {
	if n == 0 {
		return 0, nil
	}
	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for i := 0; i < n; i++ {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("batch insert row %d: %w", i, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

var (
	_ Store          = (*Postgres)(nil)
	_ AdvisoryLocker = (*Postgres)(nil)
)
