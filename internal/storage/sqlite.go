package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"listing-sentinel/internal/config"
	"listing-sentinel/internal/model"
)

const (
	liteListUnclassifiedSQL = `SELECT r.listing_id, r.review_id, r.body, r.observed_at
    FROM reviews r
    LEFT JOIN classification_results c
      ON c.listing_id = r.listing_id AND c.review_id = r.review_id
    LEFT JOIN (
        SELECT listing_id, review_id,
               COUNT(*) AS failures,
               SUM(CASE WHEN retryable = 0 THEN 1 ELSE 0 END) AS permanent
        FROM classification_failures
        GROUP BY listing_id, review_id
    ) f ON f.listing_id = r.listing_id AND f.review_id = r.review_id
    WHERE c.request_id IS NULL
      AND COALESCE(f.permanent, 0) = 0
      AND (? <= 0 OR COALESCE(f.failures, 0) < ?)
    ORDER BY COALESCE(f.failures, 0), r.observed_at, r.review_id
    LIMIT ?;`

	liteInsertResultSQL = `INSERT OR IGNORE INTO classification_results (
        request_id, listing_id, review_id, label, confidence, latency_ms, tokens_used, classified_at
    ) VALUES (?,?,?,?,?,?,?,?);`

	liteInsertFailureSQL = `INSERT OR IGNORE INTO classification_failures (
        request_id, listing_id, review_id, kind, reason, attempts, retryable, failed_at
    ) VALUES (?,?,?,?,?,?,?,?);`

	liteListListingIDsSQL = `SELECT DISTINCT listing_id FROM price_points ORDER BY listing_id;`

	litePriceHistorySQL = `SELECT listing_id, price, observed_at
    FROM price_points
    WHERE listing_id = ? AND observed_at >= ?
    ORDER BY observed_at;`

	liteSentimentCountsSQL = `SELECT label, COUNT(*)
    FROM classification_results
    WHERE listing_id = ?
    GROUP BY label;`

	liteUpsertSnapshotSQL = `INSERT INTO listing_snapshots (listing_id, current_doc, previous_doc, updated_at)
    VALUES (?, ?, NULL, ?)
    ON CONFLICT (listing_id) DO UPDATE
    SET previous_doc = listing_snapshots.current_doc,
        current_doc  = excluded.current_doc,
        updated_at   = excluded.updated_at;`

	liteGetSnapshotSQL = `SELECT current_doc, previous_doc FROM listing_snapshots WHERE listing_id = ?;`

	liteListSnapshotsSQL = `SELECT current_doc FROM listing_snapshots ORDER BY listing_id;`

	liteLoadAlertStatesSQL = `SELECT
        listing_id,
        price_status, price_baseline, price_last_alert_at, price_updated_at,
        sentiment_status, sentiment_baseline, sentiment_last_alert_at, sentiment_updated_at
    FROM alert_states;`

	liteSaveAlertStateSQL = `INSERT INTO alert_states (
        listing_id,
        price_status, price_baseline, price_last_alert_at, price_updated_at,
        sentiment_status, sentiment_baseline, sentiment_last_alert_at, sentiment_updated_at
    ) VALUES (?,?,?,?,?,?,?,?,?)
    ON CONFLICT (listing_id) DO UPDATE
    SET price_status            = excluded.price_status,
        price_baseline          = excluded.price_baseline,
        price_last_alert_at     = excluded.price_last_alert_at,
        price_updated_at        = excluded.price_updated_at,
        sentiment_status        = excluded.sentiment_status,
        sentiment_baseline      = excluded.sentiment_baseline,
        sentiment_last_alert_at = excluded.sentiment_last_alert_at,
        sentiment_updated_at    = excluded.sentiment_updated_at;`

	liteInsertAlertSQL = `INSERT OR IGNORE INTO alerts (
        id, kind, listing_id, old_value, new_value, delta_pct, snapshot, created_at
    ) VALUES (?,?,?,?,?,?,?,?);`

	liteListRecentAlertsSQL = `SELECT id, kind, listing_id, old_value, new_value, delta_pct, snapshot, created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT ?;`

	liteInsertPricePointSQL = `INSERT OR IGNORE INTO price_points (listing_id, price, observed_at) VALUES (?,?,?);`

	liteInsertReviewSQL = `INSERT OR IGNORE INTO reviews (listing_id, review_id, body, observed_at) VALUES (?,?,?,?);`
)

// SQLite is the single-node store backed by a local database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps concurrent pipeline workers from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLite) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// Migrate applies the embedded schema.
func (s *SQLite) Migrate(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	ddl, err := schema(config.DriverSQLite)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// Ping checks the database file is usable.
func (s *SQLite) Ping(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *SQLite) ListUnclassifiedReviews(ctx context.Context, limit, maxFailures int) ([]model.Review, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, liteListUnclassifiedSQL, maxFailures, maxFailures, limit)
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
		r.ObservedAt = r.ObservedAt.UTC()
		reviews = append(reviews, r)
	}
	return reviews, rows.Err()
}

func (s *SQLite) SaveResult(ctx context.Context, r model.ClassificationResult) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, liteInsertResultSQL,
		r.RequestID, r.ListingID, r.ReviewID, string(r.Label), r.Confidence,
		r.Latency.Milliseconds(), r.TokensUsed, r.ClassifiedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert classification result: %w", err)
	}
	return nil
}

func (s *SQLite) SaveFailure(ctx context.Context, f model.ClassificationFailure) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, liteInsertFailureSQL,
		f.RequestID, f.ListingID, f.ReviewID, string(f.Kind), f.Reason,
		f.Attempts, f.Retryable, f.FailedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert classification failure: %w", err)
	}
	return nil
}

func (s *SQLite) ListListingIDs(ctx context.Context) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, liteListListingIDsSQL)
	if err != nil {
		return nil, fmt.Errorf("list listing ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) PriceHistory(ctx context.Context, listingID string, since time.Time) ([]model.PricePoint, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, litePriceHistorySQL, listingID, since.UTC())
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
		p.ObservedAt = p.ObservedAt.UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *SQLite) SentimentCounts(ctx context.Context, listingID string) (model.SentimentCounts, error) {
	db, err := s.getDB()
	if err != nil {
		return model.SentimentCounts{}, err
	}
	rows, err := db.QueryContext(ctx, liteSentimentCountsSQL, listingID)
	if err != nil {
		return model.SentimentCounts{}, fmt.Errorf("sentiment counts: %w", err)
	}
	defer rows.Close()
	return scanSentimentCounts(rows)
}

func (s *SQLite) UpsertSnapshot(ctx context.Context, snap model.ListingSnapshot) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := db.ExecContext(ctx, liteUpsertSnapshotSQL, snap.ListingID, string(doc), snap.TakenAt.UTC()); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *SQLite) GetSnapshot(ctx context.Context, listingID string) (model.ListingSnapshot, *model.ListingSnapshot, error) {
	db, err := s.getDB()
	if err != nil {
		return model.ListingSnapshot{}, nil, err
	}
	var (
		current  string
		previous sql.NullString
	)
	if err := db.QueryRowContext(ctx, liteGetSnapshotSQL, listingID).Scan(&current, &previous); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ListingSnapshot{}, nil, ErrNotFound
		}
		return model.ListingSnapshot{}, nil, fmt.Errorf("get snapshot: %w", err)
	}
	var prev []byte
	if previous.Valid {
		prev = []byte(previous.String)
	}
	return decodeSnapshots([]byte(current), prev)
}

func (s *SQLite) ListSnapshots(ctx context.Context) ([]model.ListingSnapshot, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, liteListSnapshotsSQL)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]model.ListingSnapshot, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var snap model.ListingSnapshot
		if err := json.Unmarshal([]byte(doc), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *SQLite) LoadAlertStates(ctx context.Context) (map[string]model.AlertState, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, liteLoadAlertStatesSQL)
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

func (s *SQLite) SaveAlertState(ctx context.Context, st model.AlertState) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, liteSaveAlertStateSQL, alertStateArgs(st)...); err != nil {
		return fmt.Errorf("save alert state: %w", err)
	}
	return nil
}

func (s *SQLite) AppendAlert(ctx context.Context, ev model.AlertEvent) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	args, err := alertArgs(ev)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, liteInsertAlertSQL, args...); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *SQLite) ListRecentAlerts(ctx context.Context, limit int) ([]model.AlertEvent, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, liteListRecentAlertsSQL, limit)
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

func (s *SQLite) InsertPricePoints(ctx context.Context, points []model.PricePoint) (int, error) {
	return s.insertAll(ctx, liteInsertPricePointSQL, len(points), func(i int) []any {
		p := points[i]
		return []any{p.ListingID, p.Price, p.ObservedAt.UTC()}
	})
}

func (s *SQLite) InsertReviews(ctx context.Context, reviews []model.Review) (int, error) {
	return s.insertAll(ctx, liteInsertReviewSQL, len(reviews), func(i int) []any {
		r := reviews[i]
		return []any{r.ListingID, r.ReviewID, r.Text, r.ObservedAt.UTC()}
	})
}

// insertAll runs one prepared insert per row inside a transaction.
func (s *SQLite) insertAll(ctx context.Context, query string, n int, args func(int) []any) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := 0; i < n; i++ {
		res, err := stmt.ExecContext(ctx, args(i)...)
		if err != nil {
			return 0, fmt.Errorf("insert row %d: %w", i, err)
		}
		if affected, err := res.RowsAffected(); err == nil {
			inserted += int(affected)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return inserted, nil
}

var _ Store = (*SQLite)(nil)
