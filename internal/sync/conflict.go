package sync

import (
	"fmt"
	"time"

	"github.com/brunoga/deep"
	"github.com/google/uuid"
)

// ConflictType classifies the divergence between a client operation's
// intent and the authoritative record.
type ConflictType string

const (
	ConflictAttendanceStatus       ConflictType = "attendance_status"
	ConflictTimestamp              ConflictType = "timestamp_conflict"
	ConflictConcurrentModification ConflictType = "concurrent_modification"
	ConflictDataIntegrity          ConflictType = "data_integrity"
)

// resolutionOptions lists the strategies valid for each conflict type.
var resolutionOptions = map[ConflictType][]Strategy{
	ConflictAttendanceStatus:       {StrategyLocalWins, StrategyServerWins, StrategyMerge, StrategyUserGuided},
	ConflictTimestamp:              {StrategyServerWins, StrategyMerge, StrategyReject},
	ConflictConcurrentModification: {StrategyLocalWins, StrategyServerWins, StrategyUserGuided},
	ConflictDataIntegrity:          {StrategyUserGuided, StrategyReject},
}

// ConflictDescriptor captures one detected conflict. It is created by the
// detector, consumed by the resolver or held in the pending-conflicts
// store until an explicit resolution call; never persisted as part of an
// attendance record.
type ConflictDescriptor struct {
	ID              string         `json:"id"`
	Type            ConflictType   `json:"conflict_type"`
	Key             RecordKey      `json:"key"`
	OperationID     string         `json:"operation_id"`
	Kind            OperationKind  `json:"kind"`
	UserID          string         `json:"user_id,omitempty"`
	LocalData       map[string]any `json:"local_data"`
	ServerData      map[string]any `json:"server_data,omitempty"`
	ClientTimestamp time.Time      `json:"client_timestamp"`
	// ServerTimestamp is the authoritative record's updated_at at
	// detection time; zero when no record existed.
	ServerTimestamp   time.Time  `json:"server_timestamp,omitempty"`
	Message           string     `json:"message"`
	ResolutionOptions []Strategy `json:"resolution_options"`
	DetectedAt        time.Time  `json:"detected_at"`
}

// Detector compares an operation's target-state claim against the
// authoritative record. Deterministic and side-effect free; all reads
// happen in the caller's transaction before detection.
type Detector struct {
	// ClockSkew is how far a claimed check-in may precede session start.
	ClockSkew time.Duration
	// FutureTolerance is how far a client timestamp may run ahead of
	// server receipt before it is treated as clock skew or replay.
	FutureTolerance time.Duration
}

// NewDetector applies defaults for zero tolerances.
func NewDetector(skew, future time.Duration) *Detector {
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	if future <= 0 {
		future = 2 * time.Minute
	}
	return &Detector{ClockSkew: skew, FutureTolerance: future}
}

// Detect classifies the divergence for op, or returns nil when the
// operation can be applied directly. current is the authoritative record
// (nil on first write), sess the referenced session (nil when it does not
// exist), studentOK whether the referenced student resolves, priorClaim
// the client timestamp of an earlier same-batch operation on the same
// key, and now the server receipt time.
func (d *Detector) Detect(op *SyncOperation, current *AttendanceRecord, sess *Session, studentOK bool, priorClaim *time.Time, now time.Time) *ConflictDescriptor {
	key := operationKey(op)

	// Integrity first: nothing downstream is meaningful when the
	// referenced entities do not exist.
	if sess == nil {
		return d.describe(op, key, current, ConflictDataIntegrity,
			fmt.Sprintf("session %s does not exist", key.SessionID), now)
	}
	if !studentOK && key.StudentID != "" {
		return d.describe(op, key, current, ConflictDataIntegrity,
			fmt.Sprintf("student %s does not exist", key.StudentID), now)
	}
	if n, ok := intField(op.Payload, "late_minutes"); ok && n < 0 {
		return d.describe(op, key, current, ConflictDataIntegrity,
			fmt.Sprintf("late_minutes %d is negative", n), now)
	}

	if t, ok := timeField(op.Payload, "check_in_time"); ok {
		if t.Before(sess.StartTime.Add(-d.ClockSkew)) {
			return d.describe(op, key, current, ConflictTimestamp,
				fmt.Sprintf("check_in_time %s precedes session start %s beyond allowed skew",
					t.Format(time.RFC3339), sess.StartTime.Format(time.RFC3339)), now)
		}
	}
	if op.ClientTimestamp.After(now.Add(d.FutureTolerance)) {
		return d.describe(op, key, current, ConflictTimestamp,
			fmt.Sprintf("client timestamp %s is in the future", op.ClientTimestamp.Format(time.RFC3339)), now)
	}

	// Status divergence outranks a same-batch key collision: when both
	// apply, the divergence is what the resolver can actually act on.
	// Staleness compares against the record's server-side update time,
	// except when an earlier operation in this batch already claimed the
	// key: then the client's own timeline is authoritative, since the
	// record's updated_at reflects server receipt, not client intent.
	if current != nil {
		if claimed, ok := stringField(op.Payload, "status"); ok && claimed != current.Status {
			stale := current.UpdatedAt.After(op.ClientTimestamp)
			if priorClaim != nil {
				stale = priorClaim.After(op.ClientTimestamp)
			}
			if stale {
				return d.describe(op, key, current, ConflictAttendanceStatus,
					fmt.Sprintf("client claims status %q but server recorded %q more recently", claimed, current.Status), now)
			}
		}
	}

	// A same-batch claim is only a collision when this operation runs
	// backwards in client time; a later edit to the same key is ordinary
	// sequencing.
	if priorClaim != nil && op.ClientTimestamp.Before(*priorClaim) {
		return d.describe(op, key, current, ConflictConcurrentModification,
			fmt.Sprintf("operation %s predates an earlier claim on the same key at %s",
				op.ID, priorClaim.Format(time.RFC3339)), now)
	}

	// First write for the key, or no divergence: apply directly.
	return nil
}

func (d *Detector) describe(op *SyncOperation, key RecordKey, current *AttendanceRecord, ct ConflictType, msg string, now time.Time) *ConflictDescriptor {
	desc := &ConflictDescriptor{
		ID:                uuid.NewString(),
		Type:              ct,
		Key:               key,
		OperationID:       op.ID,
		Kind:              op.Kind,
		LocalData:         deep.MustCopy(op.Payload),
		ServerData:        deep.MustCopy(recordData(current)),
		ClientTimestamp:   op.ClientTimestamp,
		Message:           msg,
		ResolutionOptions: resolutionOptions[ct],
		DetectedAt:        now,
	}
	if current != nil {
		desc.ServerTimestamp = current.UpdatedAt
	}
	return desc
}

// operationKey extracts the record key an operation targets. Bulk and
// session operations carry only a session component.
func operationKey(op *SyncOperation) RecordKey {
	var key RecordKey
	if v, ok := stringField(op.Payload, "session_id"); ok {
		key.SessionID = v
	} else if v, ok := stringField(op.Payload, "class_session_id"); ok {
		key.SessionID = v
	}
	key.StudentID, _ = stringField(op.Payload, "student_id")
	return key
}
