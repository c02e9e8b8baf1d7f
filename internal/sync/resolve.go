package sync

import (
	"fmt"
	"reflect"
	"time"

	"github.com/brunoga/deep"
)

// Strategy is a conflict resolution policy.
type Strategy string

const (
	StrategyLocalWins  Strategy = "local_wins"
	StrategyServerWins Strategy = "server_wins"
	StrategyMerge      Strategy = "merge"
	StrategyUserGuided Strategy = "user_guided"
	StrategyReject     Strategy = "reject"
)

// KnownStrategy reports whether s is one of the five strategies.
func KnownStrategy(s Strategy) bool {
	switch s {
	case StrategyLocalWins, StrategyServerWins, StrategyMerge, StrategyUserGuided, StrategyReject:
		return true
	}
	return false
}

// DefaultStrategies returns the stock default-strategy table. Integrity
// and concurrent-modification conflicts need human judgment; the rest
// merge automatically.
func DefaultStrategies() map[ConflictType]Strategy {
	return map[ConflictType]Strategy{
		ConflictAttendanceStatus:       StrategyMerge,
		ConflictTimestamp:              StrategyMerge,
		ConflictConcurrentModification: StrategyUserGuided,
		ConflictDataIntegrity:          StrategyUserGuided,
	}
}

// Outcome is the result of resolving one conflict.
type Outcome struct {
	// Record is the finalized record to persist; nil when nothing should
	// be written (server_wins, reject, deferred).
	Record *AttendanceRecord
	Status ResultStatus
	// Deferred marks a user_guided resolution: the descriptor stays in
	// the pending store until an explicit resolution call.
	Deferred bool
	Message  string
}

// Resolver applies a resolution strategy to a conflict descriptor.
// Resolution is a pure function of the descriptor: resolving the same
// descriptor twice with the same strategy produces the same record.
type Resolver struct{}

// NewResolver creates a resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve produces the final record (or a deferral) for d under s.
func (r *Resolver) Resolve(d *ConflictDescriptor, s Strategy) (Outcome, error) {
	if !KnownStrategy(s) {
		return Outcome{}, fmt.Errorf("unknown resolution strategy %q", s)
	}
	if !strategyAllowed(d, s) {
		return Outcome{}, fmt.Errorf("strategy %s not valid for %s conflict", s, d.Type)
	}

	switch s {
	case StrategyLocalWins:
		merged := deep.MustCopy(d.ServerData)
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range localRecordData(d) {
			merged[k] = v
		}
		rec := recordFromData(d.Key, merged)
		return Outcome{Record: &rec, Status: StatusSuccess, Message: "client payload applied"}, nil

	case StrategyServerWins:
		// Resolved no-op: the current record stands untouched.
		return Outcome{Status: StatusSuccess, Message: "server record kept"}, nil

	case StrategyMerge:
		rec := r.merge(d)
		return Outcome{Record: &rec, Status: StatusPartialSuccess, Message: "field-level merge applied"}, nil

	case StrategyUserGuided:
		return Outcome{Status: StatusConflict, Deferred: true, Message: "awaiting user guidance"}, nil

	case StrategyReject:
		return Outcome{Status: StatusError, Message: "operation rejected, server record untouched"}, nil
	}
	return Outcome{}, fmt.Errorf("unhandled strategy %q", s)
}

// merge unions server and local data field by field. A field present on
// both sides with differing values takes the side with the later
// timestamp; one-sided fields are always included. Inputs are deep-copied
// so repeated resolution cannot observe mutated state.
func (r *Resolver) merge(d *ConflictDescriptor) AttendanceRecord {
	merged := deep.MustCopy(d.ServerData)
	if merged == nil {
		merged = map[string]any{}
	}
	localNewer := d.ClientTimestamp.After(d.ServerTimestamp)
	for k, lv := range localRecordData(d) {
		sv, exists := merged[k]
		if !exists {
			merged[k] = lv
			continue
		}
		if !reflect.DeepEqual(sv, lv) && localNewer {
			merged[k] = lv
		}
	}
	return recordFromData(d.Key, merged)
}

func strategyAllowed(d *ConflictDescriptor, s Strategy) bool {
	opts := d.ResolutionOptions
	if len(opts) == 0 {
		opts = resolutionOptions[d.Type]
	}
	for _, o := range opts {
		if o == s {
			return true
		}
	}
	return false
}

// localRecordData projects an operation payload onto record field names.
// The wire payload says "method"; the record calls it
// verification_method. A check-in without an explicit check_in_time
// claims the operation's client timestamp.
func localRecordData(d *ConflictDescriptor) map[string]any {
	out := map[string]any{}
	local := d.LocalData
	if v, ok := stringField(local, "status"); ok {
		out["status"] = v
	} else if d.Kind == KindCheckIn {
		out["status"] = "present"
	}
	if v, ok := stringField(local, "location"); ok {
		out["location"] = v
	}
	if v, ok := stringField(local, "method"); ok {
		out["verification_method"] = v
	} else if v, ok := stringField(local, "verification_method"); ok {
		out["verification_method"] = v
	}
	if n, ok := intField(local, "late_minutes"); ok {
		out["late_minutes"] = n
		out["is_late"] = n > 0
	}
	if t, ok := timeField(local, "check_in_time"); ok {
		out["check_in_time"] = t.UTC().Format(time.RFC3339Nano)
	} else if d.Kind == KindCheckIn {
		out["check_in_time"] = d.ClientTimestamp.UTC().Format(time.RFC3339Nano)
	}
	return out
}
