package sync

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Per-kind payload schemas. The payload is an open map on the wire, so
// shape checks live here rather than in request binding.
var payloadSchemas = map[OperationKind]string{
	KindCheckIn: `{
		"type": "object",
		"required": ["student_id", "session_id"],
		"properties": {
			"student_id": {"type": "string", "minLength": 1},
			"session_id": {"type": "string", "minLength": 1},
			"method": {"type": "string"},
			"location": {"type": "string"},
			"check_in_time": {"type": "string"}
		}
	}`,
	KindStatusUpdate: `{
		"type": "object",
		"required": ["student_id", "session_id", "status"],
		"properties": {
			"student_id": {"type": "string", "minLength": 1},
			"session_id": {"type": "string", "minLength": 1},
			"status": {"type": "string", "minLength": 1},
			"late_minutes": {"type": "integer"}
		}
	}`,
	KindBulkOperation: `{
		"type": "object",
		"required": ["class_session_id", "operation"],
		"properties": {
			"class_session_id": {"type": "string", "minLength": 1},
			"operation": {"type": "string", "enum": ["mark_present", "mark_absent", "reset"]}
		}
	}`,
	KindSessionUpdate: `{
		"type": "object",
		"required": ["session_id"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"start_time": {"type": "string"},
			"end_time": {"type": "string"},
			"status": {"type": "string"}
		}
	}`,
}

// Validator structurally checks a single operation before it is admitted
// to processing. Pure; invalid operations are reported and skipped, never
// retried.
type Validator struct {
	schemas map[OperationKind]*jsonschema.Schema
}

// NewValidator compiles the per-kind payload schemas.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	compiled := make(map[OperationKind]*jsonschema.Schema, len(payloadSchemas))
	for kind, src := range payloadSchemas {
		url := fmt.Sprintf("attendsync://schemas/%s.json", kind)
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", kind, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", kind, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", kind, err)
		}
		compiled[kind] = sch
	}
	return &Validator{schemas: compiled}, nil
}

// Validate returns nil when op is structurally admissible, or the reason
// it is not.
func (v *Validator) Validate(op *SyncOperation) error {
	if !KnownKind(op.Kind) {
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	if op.ClientTimestamp.IsZero() {
		return fmt.Errorf("client_timestamp required")
	}
	if op.Priority < 1 || op.Priority > 10 {
		return fmt.Errorf("priority %d outside 1-10", op.Priority)
	}
	if op.Payload == nil {
		return fmt.Errorf("payload required")
	}

	// Round-trip through JSON so the schema sees wire-shaped values
	// regardless of how the payload map was built.
	raw, err := json.Marshal(op.Payload)
	if err != nil {
		return fmt.Errorf("payload not serializable: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("payload not valid JSON: %w", err)
	}
	if err := v.schemas[op.Kind].Validate(doc); err != nil {
		return fmt.Errorf("payload invalid for %s: %w", op.Kind, err)
	}
	return nil
}
