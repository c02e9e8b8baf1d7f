package sync

import (
	"context"
	stdsync "sync"
	"time"
)

// Statistics holds per-user rolling counters over a day window.
// Read-only to callers; updated additively after each batch.
type Statistics struct {
	UserID       string  `json:"user_id"`
	WindowDays   int     `json:"window_days"`
	Processed    int64   `json:"operations_processed"`
	Successful   int64   `json:"successful"`
	Conflicts    int64   `json:"conflicts"`
	Resolved     int64   `json:"conflicts_resolved"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"average_latency_ms"`
	SuccessRate  float64 `json:"success_rate"`
}

// Tracker records batch outcomes and serves aggregated statistics.
// RecordBatch is a side effect only: implementations must never let a
// tracking failure reach the batch's returned result.
type Tracker interface {
	RecordBatch(ctx context.Context, userID string, res *BatchResult)
	Statistics(ctx context.Context, userID string, days int) (*Statistics, error)
}

// statBucket is one (user, day) counter set. Updates are additive so
// concurrent batches combine commutatively.
type statBucket struct {
	processed  int64
	successful int64
	conflicts  int64
	resolved   int64
	errors     int64
	latencyMs  int64
}

func (b *statBucket) add(res *BatchResult) {
	b.processed += int64(res.Processed)
	b.successful += int64(res.Successful)
	b.conflicts += int64(res.Conflicts)
	b.resolved += int64(res.ResolvedConflicts())
	b.errors += int64(res.Errors)
	for _, r := range res.Results {
		b.latencyMs += r.ProcessingTimeMs
	}
}

func finishStatistics(s *Statistics) {
	if s.Processed > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Processed)
		s.AvgLatencyMs = s.AvgLatencyMs / float64(s.Processed)
	} else {
		s.SuccessRate = 0
		s.AvgLatencyMs = 0
	}
}

const statsDayFormat = "2006-01-02"

// MemoryTracker keeps day buckets in process memory. Dev and test use.
type MemoryTracker struct {
	mu      stdsync.Mutex
	buckets map[string]map[string]*statBucket
	now     func() time.Time
}

// NewMemoryTracker creates a tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		buckets: make(map[string]map[string]*statBucket),
		now:     time.Now,
	}
}

// RecordBatch folds a batch result into today's bucket.
func (t *MemoryTracker) RecordBatch(ctx context.Context, userID string, res *BatchResult) {
	if res == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	day := t.now().UTC().Format(statsDayFormat)
	user := t.buckets[userID]
	if user == nil {
		user = make(map[string]*statBucket)
		t.buckets[userID] = user
	}
	b := user[day]
	if b == nil {
		b = &statBucket{}
		user[day] = b
	}
	b.add(res)
}

// Statistics aggregates buckets within the requested day window.
func (t *MemoryTracker) Statistics(ctx context.Context, userID string, days int) (*Statistics, error) {
	if days <= 0 {
		days = 7
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := &Statistics{UserID: userID, WindowDays: days}
	user := t.buckets[userID]
	today := t.now().UTC()
	var latency int64
	for i := 0; i < days; i++ {
		day := today.AddDate(0, 0, -i).Format(statsDayFormat)
		if b, ok := user[day]; ok {
			out.Processed += b.processed
			out.Successful += b.successful
			out.Conflicts += b.conflicts
			out.Resolved += b.resolved
			out.Errors += b.errors
			latency += b.latencyMs
		}
	}
	out.AvgLatencyMs = float64(latency)
	finishStatistics(out)
	return out, nil
}

var _ Tracker = (*MemoryTracker)(nil)
