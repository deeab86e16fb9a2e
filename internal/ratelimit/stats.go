package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatsEvent describes one limiter decision.
type StatsEvent struct {
	Granted bool
	Tokens  int
	Waited  time.Duration
	At      time.Time
}

// StatsRecorder persists limiter decisions. Callers treat errors as best effort.
type StatsRecorder interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// NopStats discards events.
type NopStats struct{}

// Record implements StatsRecorder.
func (NopStats) Record(context.Context, StatsEvent) error { return nil }

// RedisStats keeps per-minute counters of grants, waits and granted tokens in
// Redis hashes so several sentinel processes can be observed together.
type RedisStats struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisStatsOption customises RedisStats.
type RedisStatsOption func(*RedisStats)

// WithStatsPrefix sets the key prefix.
func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStats) { s.prefix = strings.Trim(prefix, ":") }
}

// WithStatsTTL sets the expiry applied to minute buckets.
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStats) { s.ttl = d }
}

// NewRedisStats wires a redis client into a recorder.
func NewRedisStats(rdb *redis.Client, opts ...RedisStatsOption) *RedisStats {
	s := &RedisStats{
		rdb:    rdb,
		prefix: "sentinel:ratelimit",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record implements StatsRecorder.
func (s *RedisStats) Record(ctx context.Context, ev StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	totalKey := s.prefix + ":total"

	pipe := s.rdb.Pipeline()
	if ev.Granted {
		pipe.HIncrBy(ctx, totalKey, "granted", 1)
		pipe.HIncrBy(ctx, totalKey, "tokens", int64(ev.Tokens))
		pipe.HIncrBy(ctx, bucketKey, "granted", 1)
		pipe.HIncrBy(ctx, bucketKey, "tokens", int64(ev.Tokens))
	} else {
		pipe.HIncrBy(ctx, totalKey, "waited", 1)
		pipe.HIncrBy(ctx, bucketKey, "waited", 1)
		pipe.HIncrBy(ctx, bucketKey, "wait_ms", ev.Waited.Milliseconds())
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	_, err := pipe.Exec(ctx)
	return err
}

var (
	_ StatsRecorder = NopStats{}
	_ StatsRecorder = (*RedisStats)(nil)
)
