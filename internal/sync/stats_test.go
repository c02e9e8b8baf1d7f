package sync

import (
	"context"
	"testing"
	"time"
)

func trackerAt(t time.Time) *MemoryTracker {
	tr := NewMemoryTracker()
	tr.now = func() time.Time { return t }
	return tr
}

func TestStatisticsEmptyUser(t *testing.T) {
	tr := NewMemoryTracker()
	s, err := tr.Statistics(context.Background(), "nobody", 7)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if s.Processed != 0 || s.SuccessRate != 0 || s.AvgLatencyMs != 0 {
		t.Errorf("empty stats = %+v, want all zero", s)
	}
}

func TestRecordBatchAggregatesAdditively(t *testing.T) {
	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tr := trackerAt(day)

	tr.RecordBatch(context.Background(), "user-1", &BatchResult{
		Processed: 3, Successful: 2, Conflicts: 1, Errors: 1,
		Results: []SyncResult{
			{ProcessingTimeMs: 10}, {ProcessingTimeMs: 30}, {ProcessingTimeMs: 20},
		},
	})
	tr.RecordBatch(context.Background(), "user-1", &BatchResult{
		Processed: 1, Successful: 1,
		Results: []SyncResult{{ProcessingTimeMs: 40}},
	})
	// Another user's traffic stays out of the aggregate.
	tr.RecordBatch(context.Background(), "user-2", &BatchResult{Processed: 5, Successful: 5})

	s, err := tr.Statistics(context.Background(), "user-1", 7)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if s.Processed != 4 || s.Successful != 3 || s.Conflicts != 1 || s.Errors != 1 {
		t.Errorf("stats = %+v, want processed=4 successful=3 conflicts=1 errors=1", s)
	}
	if s.SuccessRate != 0.75 {
		t.Errorf("success rate = %v, want 0.75", s.SuccessRate)
	}
	if s.AvgLatencyMs != 25 {
		t.Errorf("avg latency = %v, want 25", s.AvgLatencyMs)
	}
}

func TestStatisticsCountsResolvedConflicts(t *testing.T) {
	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tr := trackerAt(day)

	// Three conflicts detected: one merged, one parked for user guidance,
	// one whose resolution errored. Only the merge counts as resolved.
	tr.RecordBatch(context.Background(), "user-1", &BatchResult{
		Processed: 3, Successful: 1, Conflicts: 3, Errors: 1,
		Results: []SyncResult{
			{OperationID: "op-1", Status: StatusPartialSuccess, Conflict: &ConflictDescriptor{ID: "conf-1"}},
			{OperationID: "op-2", Status: StatusConflict, Conflict: &ConflictDescriptor{ID: "conf-2"}},
			{OperationID: "op-3", Status: StatusError, Conflict: &ConflictDescriptor{ID: "conf-3"}},
		},
		ConflictsData: []*ConflictDescriptor{{ID: "conf-2"}},
	})
	s, err := tr.Statistics(context.Background(), "user-1", 7)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if s.Conflicts != 3 || s.Resolved != 1 {
		t.Errorf("conflicts=%d resolved=%d, want 3/1", s.Conflicts, s.Resolved)
	}
}

func TestStatisticsWindowExcludesOldDays(t *testing.T) {
	recordDay := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	tr := trackerAt(recordDay)
	tr.RecordBatch(context.Background(), "user-1", &BatchResult{Processed: 2, Successful: 2})

	// Query two weeks later: outside a 7-day window, inside a 30-day one.
	tr.now = func() time.Time { return recordDay.AddDate(0, 0, 14) }

	narrow, err := tr.Statistics(context.Background(), "user-1", 7)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if narrow.Processed != 0 {
		t.Errorf("7-day window picked up 14-day-old traffic: %+v", narrow)
	}

	wide, err := tr.Statistics(context.Background(), "user-1", 30)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if wide.Processed != 2 {
		t.Errorf("30-day window = %+v, want processed=2", wide)
	}
}

func TestStatisticsDefaultsWindow(t *testing.T) {
	day := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tr := trackerAt(day)
	s, err := tr.Statistics(context.Background(), "user-1", 0)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if s.WindowDays != 7 {
		t.Errorf("window = %d, want default 7", s.WindowDays)
	}
}
