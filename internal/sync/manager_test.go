package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"attendsync/internal/notify"
	"attendsync/internal/syncerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failNotifier always errors; the engine must shrug it off.
type failNotifier struct{}

func (failNotifier) Publish(ctx context.Context, topic string, ev notify.Event) error {
	return errors.New("broker down")
}

// panicNotifier exercises the publish panic guard.
type panicNotifier struct{}

func (panicNotifier) Publish(ctx context.Context, topic string, ev notify.Event) error {
	panic("broken broadcaster")
}

func seededStore(start time.Time) *MemoryStore {
	s := NewMemoryStore()
	s.SeedSession(Session{
		ID:        "sess-10",
		StartTime: start,
		EndTime:   start.Add(time.Hour),
		Status:    "active",
	})
	for _, id := range []string{"stu-1", "stu-2", "stu-3"} {
		s.SeedStudent(id)
	}
	return s
}

func newTestManager(t *testing.T, store *MemoryStore, tracker Tracker, n notify.Notifier, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(store, store, tracker, n, nil, testLogger(), cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func checkIn(id, student string, ts time.Time, priority int) SyncOperation {
	return SyncOperation{
		ID:              id,
		Kind:            KindCheckIn,
		Payload:         map[string]any{"student_id": student, "session_id": "sess-10"},
		ClientTimestamp: ts,
		Priority:        priority,
	}
}

func statusUpdate(id, student, status string, ts time.Time, priority int) SyncOperation {
	return SyncOperation{
		ID:              id,
		Kind:            KindStatusUpdate,
		Payload:         map[string]any{"student_id": student, "session_id": "sess-10", "status": status},
		ClientTimestamp: ts,
		Priority:        priority,
	}
}

func TestProcessBatchOrdersByPriority(t *testing.T) {
	start := time.Now().Add(-5 * time.Minute)
	store := seededStore(start)
	m := newTestManager(t, store, nil, nil, Config{})
	defer m.Close()

	ts := start.Add(time.Minute)
	ops := []SyncOperation{
		checkIn("op-a", "stu-1", ts, 5),
		checkIn("op-b", "stu-2", ts, 8),
		checkIn("op-c", "stu-3", ts, 5),
	}
	res, err := m.ProcessBatch(context.Background(), "user-1", "client-1", ops)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	var got []string
	for _, r := range res.Results {
		got = append(got, r.OperationID)
	}
	want := []string{"op-b", "op-a", "op-c"}
	if len(got) != len(want) {
		t.Fatalf("got %d results, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("result order = %v, want %v", got, want)
		}
	}
	if res.Successful != 3 || res.Errors != 0 {
		t.Errorf("successful=%d errors=%d, want 3/0", res.Successful, res.Errors)
	}
}

func TestProcessBatchReportsEveryOperation(t *testing.T) {
	start := time.Now().Add(-5 * time.Minute)
	store := seededStore(start)
	m := newTestManager(t, store, nil, nil, Config{})
	defer m.Close()

	ts := start.Add(time.Minute)
	ops := []SyncOperation{
		checkIn("op-a", "stu-1", ts, 5),
		{ID: "op-bad", Kind: KindCheckIn, Payload: map[string]any{"session_id": "sess-10"}, ClientTimestamp: ts, Priority: 5},
		checkIn("op-c", "stu-2", ts, 5),
	}
	res, err := m.ProcessBatch(context.Background(), "user-1", "client-1", ops)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(res.Results) != len(ops) {
		t.Fatalf("got %d results for %d operations", len(res.Results), len(ops))
	}
	if res.Processed != 3 || res.Successful != 2 || res.Errors != 1 {
		t.Errorf("processed=%d successful=%d errors=%d, want 3/2/1",
			res.Processed, res.Successful, res.Errors)
	}
}

// A check-in lands, then a stale offline status update for the same
// record arrives in the same batch. The update surfaces a conflict and
// the default merge keeps the fresher server status, so the batch still
// counts both operations as applied.
func TestStaleStatusUpdateMergesAgainstFreshCheckIn(t *testing.T) {
	start := time.Now().Add(-30 * time.Minute)
	store := seededStore(start)
	m := newTestManager(t, store, nil, nil, Config{})
	defer m.Close()

	ops := []SyncOperation{
		checkIn("op-checkin", "stu-1", start.Add(5*time.Minute), 5),
		statusUpdate("op-stale", "stu-1", "absent", start, 5),
	}
	res, err := m.ProcessBatch(context.Background(), "user-1", "client-1", ops)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if res.Conflicts != 1 {
		t.Errorf("conflicts = %d, want 1", res.Conflicts)
	}
	if res.Successful != 2 {
		t.Errorf("successful = %d, want 2", res.Successful)
	}
	if res.Errors != 0 {
		t.Errorf("errors = %d, want 0", res.Errors)
	}
	if len(res.ConflictsData) != 0 {
		t.Errorf("auto-resolved conflict must not remain pending, got %d", len(res.ConflictsData))
	}

	stale := res.Results[1]
	if stale.Status != StatusPartialSuccess {
		t.Errorf("stale update status = %s, want %s", stale.Status, StatusPartialSuccess)
	}
	if stale.Conflict == nil || stale.Conflict.Type != ConflictAttendanceStatus {
		t.Errorf("stale update conflict = %+v, want attendance_status", stale.Conflict)
	}

	rec, ok := store.Record(RecordKey{SessionID: "sess-10", StudentID: "stu-1"})
	if !ok {
		t.Fatal("record missing after batch")
	}
	if rec.Status != "present" {
		t.Errorf("final status = %q, want present (server side was fresher)", rec.Status)
	}
}

func TestCheckInLateClassification(t *testing.T) {
	start := time.Now().Add(-30 * time.Minute)
	store := seededStore(start)
	m := newTestManager(t, store, nil, nil, Config{LateGrace: 10 * time.Minute})
	defer m.Close()

	res, err := m.ProcessBatch(context.Background(), "user-1", "client-1", []SyncOperation{
		checkIn("op-late", "stu-1", start.Add(20*time.Minute), 5),
	})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Successful != 1 {
		t.Fatalf("successful = %d, want 1: %+v", res.Successful, res.Results)
	}
	rec, _ := store.Record(RecordKey{SessionID: "sess-10", StudentID: "stu-1"})
	if rec.Status != "late" || !rec.IsLate {
		t.Errorf("record = %+v, want late status", rec)
	}
	if rec.LateMinutes != 11 {
		t.Errorf("late_minutes = %d, want 11 (10m past grace, partial minutes round up)", rec.LateMinutes)
	}
}

func TestDependencyDefersUntilPrerequisiteApplies(t *testing.T) {
	start := time.Now().Add(-5 * time.Minute)
	store := seededStore(start)
	m := newTestManager(t, store, nil, nil, Config{})
	defer m.Close()

	ts := start.Add(time.Minute)
	dependent := statusUpdate("op-update", "stu-1", "excused", ts.Add(time.Second), 5)
	dependent.DependsOn = []string{"op-checkin"}
	ops := []SyncOperation{
		dependent, // listed before its prerequisite
		checkIn("op-checkin", "stu-1", ts, 5),
	}
	res, err := m.ProcessBatch(context.Background(), "user-1", "client-1", ops)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Successful != 2 || res.Errors != 0 {
		t.Fatalf("successful=%d errors=%d, want 2/0: %+v", res.Successful, res.Errors, res.Results)
	}
	// The deferred operation reports after the prerequisite.
	if res.Results[0].OperationID != "op-checkin" || res.Results[1].OperationID != "op-update" {
		t.Errorf("result order = [%s %s], want [op-checkin op-update]",
			res.Results[0].OperationID, res.Results[1].OperationID)
	}
	rec, _ := store.Record(RecordKey{SessionID: "sess-10", StudentID: "stu-1"})
	if rec.Status != "excused" {
		t.Errorf("final status = %q, want excused", rec.Status)
	}
}

func TestUnmetDependencyFailsDependent(t *testing.T) {
	start := time.Now().Add(-5 * time.Minute)
	store := seededStore(start)
	m := newTestManager(t, store, nil, nil, Config{})
	defer m.Close()

	ts := start.Add(time.Minute)
	onFailed := checkIn("op-on-failed", "stu-2", ts, 5)
	onFailed.DependsOn = []string{"op-bad"}
	onMissing := checkIn("op-on-missing", "stu-3", ts, 5)
	onMissing.DependsOn = []string{"op-nowhere"}

	ops := []SyncOperation{
		{ID: "op-bad", Kind: KindCheckIn, Payload: map[string]any{"session_id": "sess-10"}, ClientTimestamp: ts, Priority: 5},
		onFailed,
		onMissing,
	}
	res, err := m.ProcessBatch(context.Background(), "user-1", "client-1", ops)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Errors != 3 {
		t.Fatalf("errors = %d, want 3: %+v", res.Errors, res.Results)
	}
	for _, id := range []string{"op-on-failed", "op-on-missing"} {
		found := false
		for _, r := range res.Results {
			if r.OperationID == id {
				found = true
				if !strings.Contains(r.Error, "unmet dependency") {
					t.Errorf("%s error = %q, want unmet dependency", id, r.Error)
				}
			}
		}
		if !found {
			t.Errorf("%s missing from results", id)
		}
	}
}

func TestProcessBatchTruncatesOnCancel(t *testing.T) {
	start := time.Now().Add(-5 * time.Minute)
	store := seededStore(start)
	m := newTestManager(t, store, nil, nil, Config{})
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := m.ProcessBatch(ctx, "user-1", "client-1", []SyncOperation{
		checkIn("op-a", "stu-1", start.Add(time.Minute), 5),
		checkIn("op-b", "stu-2", start.Add(time.Minute), 5),
	})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if !res.Truncated {
		t.Error("expected Truncated on cancelled context")
	}
	if len(res.Results) != 0 {
		t.Errorf("got %d results after immediate cancel, want 0", len(res.Results))
	}
}

func TestStoreOutageFailsRemainderWithoutDropping(t *testing.T) {
	start := time.Now().Add(-5 * time.Minute)
	store := seededStore(start)
	store.Unavailable = true
	m := newTestManager(t, store, nil, nil, Config{})
	defer m.Close()

	ts := start.Add(time.Minute)
	ops := []SyncOperation{
		checkIn("op-a", "stu-1", ts, 5),
		checkIn("op-b", "stu-2", ts, 5),
		checkIn("op-c", "stu-3", ts, 5),
	}
	res, err := m.ProcessBatch(context.Background(), "user-1", "client-1", ops)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if len(res.Results) != len(ops) {
		t.Fatalf("got %d results for %d operations", len(res.Results), len(ops))
	}
	if res.Errors != len(ops) || res.Successful != 0 {
		t.Errorf("errors=%d successful=%d, want %d/0", res.Errors, res.Successful, len(ops))
	}
	for _, r := range res.Results {
		if !strings.Contains(r.Error, "unavailable") {
			t.Errorf("%s error = %q, want store unavailability", r.OperationID, r.Error)
		}
	}
}

func TestNotifierFailureDoesNotAffectResults(t *testing.T) {
	start := time.Now().Add(-5 * time.Minute)

	for name, n := range map[string]notify.Notifier{
		"erroring":  failNotifier{},
		"panicking": panicNotifier{},
	} {
		t.Run(name, func(t *testing.T) {
			store := seededStore(start)
			m := newTestManager(t, store, nil, n, Config{NotifyTimeout: 100 * time.Millisecond})

			res, err := m.ProcessBatch(context.Background(), "user-1", "client-1", []SyncOperation{
				checkIn("op-a", "stu-1", start.Add(time.Minute), 5),
			})
			m.Close()
			if err != nil {
				t.Fatalf("ProcessBatch: %v", err)
			}
			if res.Successful != 1 || res.Errors != 0 {
				t.Errorf("successful=%d errors=%d, want 1/0", res.Successful, res.Errors)
			}
			if _, ok := store.Record(RecordKey{SessionID: "sess-10", StudentID: "stu-1"}); !ok {
				t.Error("record not persisted")
			}
		})
	}
}

func TestUserGuidedConflictParksThenResolves(t *testing.T) {
	start := time.Now().Add(-30 * time.Minute)
	store := seededStore(start)
	store.SeedRecord(AttendanceRecord{
		SessionID: "sess-10",
		StudentID: "stu-1",
		Status:    "present",
		UpdatedAt: time.Now().UTC(),
	})
	m := newTestManager(t, store, nil, nil, Config{})
	defer m.Close()

	op := statusUpdate("op-guided", "stu-1", "absent", start, 5)
	op.Strategy = StrategyUserGuided

	res, err := m.ProcessBatch(context.Background(), "user-1", "client-1", []SyncOperation{op})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Conflicts != 1 || len(res.ConflictsData) != 1 {
		t.Fatalf("conflicts=%d pending=%d, want 1/1", res.Conflicts, len(res.ConflictsData))
	}
	if res.Results[0].Status != StatusConflict {
		t.Fatalf("status = %s, want %s", res.Results[0].Status, StatusConflict)
	}
	if rec, _ := store.Record(RecordKey{SessionID: "sess-10", StudentID: "stu-1"}); rec.Status != "present" {
		t.Errorf("deferred conflict mutated the record: %+v", rec)
	}

	pending, err := m.PendingConflicts(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("PendingConflicts: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	r, err := m.ResolveConflict(context.Background(), pending[0].ID, StrategyLocalWins, nil)
	if err != nil {
		t.Fatalf("ResolveConflict: %v", err)
	}
	if r.Status != StatusSuccess {
		t.Errorf("resolution status = %s, want %s", r.Status, StatusSuccess)
	}
	if rec, _ := store.Record(RecordKey{SessionID: "sess-10", StudentID: "stu-1"}); rec.Status != "absent" {
		t.Errorf("final status = %q, want absent after local_wins", rec.Status)
	}
	if _, err := store.GetPending(context.Background(), pending[0].ID); !errors.Is(err, syncerr.ErrConflictNotFound) {
		t.Errorf("resolved conflict still pending: %v", err)
	}
}

// Parking a pending conflict must release the record store before the
// conflict store is touched, and existence reads run inside the
// operation's transaction; either done wrong wedges the whole batch on
// backends where both sit behind one lock or connection.
func TestDeferredConflictDoesNotBlockLaterOperations(t *testing.T) {
	start := time.Now().Add(-30 * time.Minute)
	store := seededStore(start)
	store.SeedRecord(AttendanceRecord{
		SessionID: "sess-10",
		StudentID: "stu-1",
		Status:    "present",
		UpdatedAt: time.Now().UTC(),
	})
	m := newTestManager(t, store, nil, nil, Config{})
	defer m.Close()

	guided := statusUpdate("op-guided", "stu-1", "absent", start, 5)
	guided.Strategy = StrategyUserGuided

	done := make(chan *BatchResult, 1)
	go func() {
		res, err := m.ProcessBatch(context.Background(), "user-1", "client-1", []SyncOperation{
			guided,
			checkIn("op-after", "stu-2", start.Add(time.Minute), 5),
		})
		if err != nil {
			t.Errorf("ProcessBatch: %v", err)
		}
		done <- res
	}()

	var res *BatchResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch wedged after deferring a conflict")
	}
	if res == nil {
		t.Fatal("no batch result")
	}
	if len(res.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(res.Results))
	}
	if res.Results[0].Status != StatusConflict {
		t.Errorf("deferred op status = %s, want %s", res.Results[0].Status, StatusConflict)
	}
	if res.Results[1].Status != StatusSuccess {
		t.Errorf("following op status = %s, want %s", res.Results[1].Status, StatusSuccess)
	}
	if _, ok := store.Record(RecordKey{SessionID: "sess-10", StudentID: "stu-2"}); !ok {
		t.Error("operation after the deferred conflict did not persist")
	}
}

func TestResolveConflictRequiresConcreteStrategy(t *testing.T) {
	start := time.Now().Add(-30 * time.Minute)
	store := seededStore(start)
	m := newTestManager(t, store, nil, nil, Config{})
	defer m.Close()

	desc := &ConflictDescriptor{
		ID:   "conf-1",
		Type: ConflictAttendanceStatus,
		Key:  RecordKey{SessionID: "sess-10", StudentID: "stu-1"},
		Kind: KindStatusUpdate,
		LocalData: map[string]any{
			"student_id": "stu-1", "session_id": "sess-10", "status": "absent",
		},
		DetectedAt: time.Now(),
	}
	if err := store.SavePending(context.Background(), desc); err != nil {
		t.Fatalf("SavePending: %v", err)
	}

	if _, err := m.ResolveConflict(context.Background(), "conf-1", StrategyUserGuided, nil); err == nil {
		t.Error("user_guided must be rejected as a resolution input")
	}
	if _, err := m.ResolveConflict(context.Background(), "conf-1", "", nil); err == nil {
		t.Error("empty strategy must be rejected")
	}
	if _, err := m.ResolveConflict(context.Background(), "no-such-conflict", StrategyLocalWins, nil); !errors.Is(err, syncerr.ErrConflictNotFound) {
		t.Errorf("unknown conflict id: got %v, want ErrConflictNotFound", err)
	}
}

func TestBulkOperationUpdatesWholeSession(t *testing.T) {
	start := time.Now().Add(-30 * time.Minute)
	store := seededStore(start)
	now := time.Now().UTC()
	store.SeedRecord(AttendanceRecord{SessionID: "sess-10", StudentID: "stu-1", Status: "present", UpdatedAt: now})
	store.SeedRecord(AttendanceRecord{SessionID: "sess-10", StudentID: "stu-2", Status: "late", IsLate: true, LateMinutes: 4, UpdatedAt: now})
	m := newTestManager(t, store, nil, nil, Config{})
	defer m.Close()

	res, err := m.ProcessBatch(context.Background(), "user-1", "client-1", []SyncOperation{{
		ID:              "op-bulk",
		Kind:            KindBulkOperation,
		Payload:         map[string]any{"class_session_id": "sess-10", "operation": "mark_absent"},
		ClientTimestamp: now,
		Priority:        5,
	}})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Successful != 1 {
		t.Fatalf("successful = %d, want 1: %+v", res.Successful, res.Results)
	}
	if updated, _ := intField(res.Results[0].Data, "updated"); updated != 2 {
		t.Errorf("updated = %d, want 2", updated)
	}
	for _, student := range []string{"stu-1", "stu-2"} {
		rec, _ := store.Record(RecordKey{SessionID: "sess-10", StudentID: student})
		if rec.Status != "absent" {
			t.Errorf("%s status = %q, want absent", student, rec.Status)
		}
	}
}

func TestSessionUpdateAppliesFields(t *testing.T) {
	start := time.Now().Add(-30 * time.Minute)
	store := seededStore(start)
	m := newTestManager(t, store, nil, nil, Config{})
	defer m.Close()

	res, err := m.ProcessBatch(context.Background(), "user-1", "client-1", []SyncOperation{{
		ID:              "op-sess",
		Kind:            KindSessionUpdate,
		Payload:         map[string]any{"session_id": "sess-10", "status": "completed"},
		ClientTimestamp: time.Now(),
		Priority:        5,
	}})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Successful != 1 {
		t.Fatalf("successful = %d, want 1: %+v", res.Successful, res.Results)
	}

	store.mu.Lock()
	sess := store.sessions["sess-10"]
	store.mu.Unlock()
	if sess.Status != "completed" {
		t.Errorf("session status = %q, want completed", sess.Status)
	}
}

func TestConcurrentBatchesStayConsistent(t *testing.T) {
	start := time.Now().Add(-5 * time.Minute)
	store := seededStore(start)
	m := newTestManager(t, store, NewMemoryTracker(), nil, Config{})
	defer m.Close()

	ts := start.Add(time.Minute)
	var wg stdsync.WaitGroup
	for i, student := range []string{"stu-1", "stu-2", "stu-3"} {
		wg.Add(1)
		go func(i int, student string) {
			defer wg.Done()
			res, err := m.ProcessBatch(context.Background(), "user-1", "client-1", []SyncOperation{
				checkIn("", student, ts, 5),
			})
			if err != nil {
				t.Errorf("batch %d: %v", i, err)
				return
			}
			if res.Successful != 1 {
				t.Errorf("batch %d successful = %d, want 1: %+v", i, res.Successful, res.Results)
			}
		}(i, student)
	}
	wg.Wait()

	for _, student := range []string{"stu-1", "stu-2", "stu-3"} {
		if _, ok := store.Record(RecordKey{SessionID: "sess-10", StudentID: student}); !ok {
			t.Errorf("record for %s missing", student)
		}
	}
	stats, err := m.Statistics(context.Background(), "user-1", 7)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Processed != 3 || stats.Successful != 3 {
		t.Errorf("stats processed=%d successful=%d, want 3/3", stats.Processed, stats.Successful)
	}
}

func TestProcessOperationUnwrapsSingleResult(t *testing.T) {
	start := time.Now().Add(-5 * time.Minute)
	store := seededStore(start)
	m := newTestManager(t, store, nil, nil, Config{})
	defer m.Close()

	r, err := m.ProcessOperation(context.Background(), "user-1", "client-1",
		checkIn("op-one", "stu-1", start.Add(time.Minute), 5))
	if err != nil {
		t.Fatalf("ProcessOperation: %v", err)
	}
	if r.OperationID != "op-one" || r.Status != StatusSuccess {
		t.Errorf("result = %+v, want op-one success", r)
	}
}
