package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker keeps day-bucket counters in redis hashes. HIncrBy makes
// updates from parallel batches combine commutatively, which the memory
// tracker only gets for free inside one process.
type RedisTracker struct {
	client    *redis.Client
	retention time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// NewRedisTracker creates a tracker retaining buckets for retentionDays.
func NewRedisTracker(client *redis.Client, retentionDays int, log *slog.Logger) *RedisTracker {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisTracker{
		client:    client,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		log:       log,
		now:       time.Now,
	}
}

func statsKey(userID, day string) string {
	return fmt.Sprintf("sync:stats:%s:%s", userID, day)
}

// RecordBatch increments today's bucket. Failures are logged and
// swallowed; tracking never affects the batch result.
func (t *RedisTracker) RecordBatch(ctx context.Context, userID string, res *BatchResult) {
	if res == nil || t.client == nil {
		return
	}
	var latency int64
	for _, r := range res.Results {
		latency += r.ProcessingTimeMs
	}
	key := statsKey(userID, t.now().UTC().Format(statsDayFormat))
	pipe := t.client.Pipeline()
	pipe.HIncrBy(ctx, key, "processed", int64(res.Processed))
	pipe.HIncrBy(ctx, key, "successful", int64(res.Successful))
	pipe.HIncrBy(ctx, key, "conflicts", int64(res.Conflicts))
	pipe.HIncrBy(ctx, key, "resolved", int64(res.ResolvedConflicts()))
	pipe.HIncrBy(ctx, key, "errors", int64(res.Errors))
	pipe.HIncrBy(ctx, key, "latency_ms", latency)
	pipe.Expire(ctx, key, t.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Warn("stats update failed", "user_id", userID, "error", err)
	}
}

// Statistics sums the buckets inside the requested window.
func (t *RedisTracker) Statistics(ctx context.Context, userID string, days int) (*Statistics, error) {
	if days <= 0 {
		days = 7
	}
	out := &Statistics{UserID: userID, WindowDays: days}
	today := t.now().UTC()
	var latency int64
	for i := 0; i < days; i++ {
		key := statsKey(userID, today.AddDate(0, 0, -i).Format(statsDayFormat))
		fields, err := t.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("stats read %s: %w", key, err)
		}
		out.Processed += hashInt(fields, "processed")
		out.Successful += hashInt(fields, "successful")
		out.Conflicts += hashInt(fields, "conflicts")
		out.Resolved += hashInt(fields, "resolved")
		out.Errors += hashInt(fields, "errors")
		latency += hashInt(fields, "latency_ms")
	}
	out.AvgLatencyMs = float64(latency)
	finishStatistics(out)
	return out, nil
}

func hashInt(fields map[string]string, name string) int64 {
	var n int64
	if v, ok := fields[name]; ok {
		fmt.Sscanf(v, "%d", &n)
	}
	return n
}

var _ Tracker = (*RedisTracker)(nil)
