// Package sync implements the offline batch-sync engine: it validates
// client-generated operations, reconciles them against authoritative
// attendance records, resolves conflicts and reports per-operation
// outcomes.
package sync

import (
	"math"
	"time"
)

// OperationKind discriminates client-submitted mutations.
type OperationKind string

const (
	KindCheckIn       OperationKind = "check_in"
	KindStatusUpdate  OperationKind = "status_update"
	KindBulkOperation OperationKind = "bulk_operation"
	KindSessionUpdate OperationKind = "session_update"
)

// KnownKind reports whether k is one of the four operation kinds.
func KnownKind(k OperationKind) bool {
	switch k {
	case KindCheckIn, KindStatusUpdate, KindBulkOperation, KindSessionUpdate:
		return true
	}
	return false
}

// SyncOperation is one client-submitted mutation, generated while the
// client was offline. ClientTimestamp may be far in the past relative to
// server receipt.
type SyncOperation struct {
	ID              string         `json:"id"`
	Kind            OperationKind  `json:"kind"`
	Payload         map[string]any `json:"payload"`
	ClientTimestamp time.Time      `json:"client_timestamp"`
	Priority        int            `json:"priority"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	// Strategy optionally overrides the configured default for conflicts
	// raised by this operation.
	Strategy Strategy `json:"strategy,omitempty"`
}

// ResultStatus is the terminal classification of one operation. Every
// admitted operation receives exactly one.
type ResultStatus string

const (
	StatusSuccess        ResultStatus = "success"
	StatusConflict       ResultStatus = "conflict"
	StatusError          ResultStatus = "error"
	StatusPartialSuccess ResultStatus = "partial_success"
)

// SyncResult is the per-operation outcome. Immutable once appended to a
// BatchResult.
type SyncResult struct {
	OperationID      string              `json:"operation_id"`
	Kind             OperationKind       `json:"kind"`
	Status           ResultStatus        `json:"result"`
	Data             map[string]any      `json:"data,omitempty"`
	Conflict         *ConflictDescriptor `json:"conflict_data,omitempty"`
	Error            string              `json:"error,omitempty"`
	ProcessingTimeMs int64               `json:"processing_time_ms"`
}

// BatchResult aggregates one batch submission. Owned by the caller for
// the duration of one request; not persisted.
type BatchResult struct {
	BatchID    string                `json:"batch_id"`
	Processed  int                   `json:"processed"`
	Successful int                   `json:"successful"`
	Conflicts  int                   `json:"conflicts"`
	Errors     int                   `json:"errors"`
	Results    []SyncResult          `json:"results"`
	// ConflictsData holds descriptors deferred for user guidance.
	ConflictsData []*ConflictDescriptor `json:"conflicts_data,omitempty"`
	// Truncated is set when the caller's context was cancelled mid-batch;
	// results cover only the operations that completed.
	Truncated bool          `json:"truncated,omitempty"`
	Elapsed   time.Duration `json:"-"`
	ElapsedMs int64         `json:"total_time_ms"`
}

// ResolvedConflicts counts conflicts that were auto-resolved to a
// terminal applied outcome. A conflict whose resolution errored, or one
// parked for user guidance, is not resolved.
func (b *BatchResult) ResolvedConflicts() int {
	n := 0
	for _, r := range b.Results {
		if r.Conflict == nil {
			continue
		}
		if r.Status == StatusSuccess || r.Status == StatusPartialSuccess {
			n++
		}
	}
	return n
}

// RecordKey identifies an authoritative attendance record.
type RecordKey struct {
	SessionID string `json:"session_id"`
	StudentID string `json:"student_id"`
}

// AttendanceRecord is the server-side source of truth for one student in
// one session. Mutated only through the manager's persistence path.
type AttendanceRecord struct {
	SessionID          string     `json:"session_id"`
	StudentID          string     `json:"student_id"`
	Status             string     `json:"status"`
	CheckInTime        *time.Time `json:"check_in_time,omitempty"`
	IsLate             bool       `json:"is_late"`
	LateMinutes        int        `json:"late_minutes"`
	VerificationMethod string     `json:"verification_method,omitempty"`
	Location           string     `json:"location,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Key returns the record's identity.
func (r *AttendanceRecord) Key() RecordKey {
	return RecordKey{SessionID: r.SessionID, StudentID: r.StudentID}
}

// Session is the class session an attendance record belongs to.
type Session struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Status    string    `json:"status"`
}

// recordData flattens a record into the map form used by conflict
// snapshots and field-level merging.
func recordData(r *AttendanceRecord) map[string]any {
	if r == nil {
		return nil
	}
	m := map[string]any{
		"session_id":   r.SessionID,
		"student_id":   r.StudentID,
		"status":       r.Status,
		"is_late":      r.IsLate,
		"late_minutes": r.LateMinutes,
	}
	if r.CheckInTime != nil {
		m["check_in_time"] = r.CheckInTime.UTC().Format(time.RFC3339Nano)
	}
	if r.VerificationMethod != "" {
		m["verification_method"] = r.VerificationMethod
	}
	if r.Location != "" {
		m["location"] = r.Location
	}
	return m
}

// recordFromData rebuilds a record from merged map data. Unknown keys are
// ignored; missing keys leave zero values.
func recordFromData(key RecordKey, m map[string]any) AttendanceRecord {
	rec := AttendanceRecord{SessionID: key.SessionID, StudentID: key.StudentID}
	rec.Status, _ = stringField(m, "status")
	rec.VerificationMethod, _ = stringField(m, "verification_method")
	rec.Location, _ = stringField(m, "location")
	if t, ok := timeField(m, "check_in_time"); ok {
		rec.CheckInTime = &t
	}
	if v, ok := m["is_late"].(bool); ok {
		rec.IsLate = v
	}
	if n, ok := intField(m, "late_minutes"); ok {
		rec.LateMinutes = n
	}
	return rec
}

// stringField reads a string payload field.
func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

// intField reads an integer field, accepting the float64 that JSON
// decoding produces only when it carries an integral value. Truncating
// here would let a fractional negative slip past sign checks.
func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}

// timeField reads an RFC3339 timestamp field.
func timeField(m map[string]any, key string) (time.Time, bool) {
	switch v := m[key].(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
