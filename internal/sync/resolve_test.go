package sync

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func statusDescriptor(clientTS, serverTS time.Time) *ConflictDescriptor {
	return &ConflictDescriptor{
		ID:          "conf-1",
		Type:        ConflictAttendanceStatus,
		Key:         RecordKey{SessionID: "sess-10", StudentID: "stu-1"},
		OperationID: "op-1",
		Kind:        KindStatusUpdate,
		LocalData: map[string]any{
			"student_id": "stu-1",
			"session_id": "sess-10",
			"status":     "absent",
		},
		ServerData: map[string]any{
			"session_id":    "sess-10",
			"student_id":    "stu-1",
			"status":        "present",
			"is_late":       false,
			"late_minutes":  0,
			"check_in_time": "2026-08-24T09:05:00Z",
		},
		ClientTimestamp:   clientTS,
		ServerTimestamp:   serverTS,
		ResolutionOptions: resolutionOptions[ConflictAttendanceStatus],
		DetectedAt:        serverTS,
	}
}

func TestResolveRejectsUnknownStrategy(t *testing.T) {
	r := NewResolver()
	d := statusDescriptor(time.Now(), time.Now())
	if _, err := r.Resolve(d, Strategy("coin_flip")); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestResolveRejectsDisallowedStrategy(t *testing.T) {
	r := NewResolver()
	d := statusDescriptor(time.Now(), time.Now())
	_, err := r.Resolve(d, StrategyReject)
	if err == nil {
		t.Fatal("expected error: reject is not valid for attendance_status")
	}
	if !strings.Contains(err.Error(), "not valid") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveServerWinsKeepsRecordUntouched(t *testing.T) {
	r := NewResolver()
	d := statusDescriptor(time.Now(), time.Now())
	out, err := r.Resolve(d, StrategyServerWins)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Record != nil {
		t.Errorf("server_wins must not produce a record to write")
	}
	if out.Status != StatusSuccess {
		t.Errorf("status = %s, want %s", out.Status, StatusSuccess)
	}
}

func TestResolveLocalWinsOverlaysClientPayload(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()
	d := statusDescriptor(now, now.Add(-time.Minute))
	out, err := r.Resolve(d, StrategyLocalWins)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Record == nil {
		t.Fatal("local_wins must produce a record")
	}
	if out.Record.Status != "absent" {
		t.Errorf("status = %q, want absent", out.Record.Status)
	}
	// Server fields the client never claimed survive the overlay.
	if out.Record.CheckInTime == nil {
		t.Errorf("check_in_time dropped by overlay")
	}
	if out.Status != StatusSuccess {
		t.Errorf("status = %s, want %s", out.Status, StatusSuccess)
	}
}

func TestResolveUserGuidedDefers(t *testing.T) {
	r := NewResolver()
	d := statusDescriptor(time.Now(), time.Now())
	out, err := r.Resolve(d, StrategyUserGuided)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !out.Deferred {
		t.Error("user_guided must defer")
	}
	if out.Record != nil {
		t.Error("deferred resolution must not write")
	}
	if out.Status != StatusConflict {
		t.Errorf("status = %s, want %s", out.Status, StatusConflict)
	}
}

func TestResolveRejectErrorsWithoutWriting(t *testing.T) {
	r := NewResolver()
	d := statusDescriptor(time.Now(), time.Now())
	d.Type = ConflictTimestamp
	d.ResolutionOptions = resolutionOptions[ConflictTimestamp]
	out, err := r.Resolve(d, StrategyReject)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Record != nil {
		t.Error("reject must not write")
	}
	if out.Status != StatusError {
		t.Errorf("status = %s, want %s", out.Status, StatusError)
	}
}

func TestMergeServerNewerKeepsServerFields(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()
	d := statusDescriptor(now.Add(-10*time.Minute), now)
	out, err := r.Resolve(d, StrategyMerge)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Record.Status != "present" {
		t.Errorf("status = %q, want present (server newer)", out.Record.Status)
	}
	if out.Status != StatusPartialSuccess {
		t.Errorf("status = %s, want %s", out.Status, StatusPartialSuccess)
	}
}

func TestMergeClientNewerTakesClientFields(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()
	d := statusDescriptor(now, now.Add(-10*time.Minute))
	out, err := r.Resolve(d, StrategyMerge)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Record.Status != "absent" {
		t.Errorf("status = %q, want absent (client newer)", out.Record.Status)
	}
}

func TestMergeIncludesOneSidedFields(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()
	d := statusDescriptor(now.Add(-10*time.Minute), now)
	d.LocalData["location"] = "room 204"
	out, err := r.Resolve(d, StrategyMerge)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Record.Location != "room 204" {
		t.Errorf("location = %q, want room 204 (only the client had it)", out.Record.Location)
	}
	if out.Record.CheckInTime == nil {
		t.Errorf("check_in_time dropped (only the server had it)")
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()
	d := statusDescriptor(now, now.Add(-10*time.Minute))

	first, err := r.Resolve(d, StrategyMerge)
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	second, err := r.Resolve(d, StrategyMerge)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if !reflect.DeepEqual(first.Record, second.Record) {
		t.Errorf("repeated merge diverged:\nfirst  %+v\nsecond %+v", first.Record, second.Record)
	}
}

func TestMergeDoesNotMutateDescriptor(t *testing.T) {
	r := NewResolver()
	now := time.Now().UTC()
	d := statusDescriptor(now, now.Add(-10*time.Minute))
	before := d.ServerData["status"]
	if _, err := r.Resolve(d, StrategyMerge); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.ServerData["status"] != before {
		t.Errorf("merge mutated the descriptor's server snapshot")
	}
}
