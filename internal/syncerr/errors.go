// Package syncerr provides typed errors for the sync engine so the batch
// orchestrator can classify failures and decide whether the rest of a
// batch is still worth processing.
package syncerr

import (
	"errors"
	"fmt"
)

// Code identifies the failure class.
type Code string

const (
	CodeValidation Code = "VALIDATION_FAILURE"
	CodeStorage    Code = "STORAGE_FAILURE"
	CodeConflict   Code = "CONFLICT_FAILURE"
	CodeDependency Code = "DEPENDENCY_FAILURE"
	CodeNotify     Code = "NOTIFY_FAILURE"
)

// Op names the engine operation during which the error occurred.
type Op string

const (
	OpValidate Op = "validate"
	OpDetect   Op = "detect"
	OpResolve  Op = "resolve"
	OpPersist  Op = "persist"
	OpNotify   Op = "notify"
	OpStats    Op = "stats"
	OpBatch    Op = "batch"
)

// ErrStoreUnavailable signals the record store is unreachable for the
// whole batch, not just one operation. The orchestrator aborts remaining
// operations when it sees this.
var ErrStoreUnavailable = errors.New("record store unavailable")

// ErrConflictNotFound is returned when resolving an unknown conflict id.
var ErrConflictNotFound = errors.New("pending conflict not found")

// Error is the engine error type.
type Error struct {
	Op        Op
	Component string
	Code      Code
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s failed", e.Op)
	if e.Component != "" {
		msg = fmt.Sprintf("%s failed in %s", e.Op, e.Component)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Validation wraps a malformed-operation error.
func Validation(op Op, cause error) *Error {
	return &Error{Op: op, Code: CodeValidation, Err: cause}
}

// Storage wraps a persistence error. Storage errors are retryable from
// the client's point of view.
func Storage(op Op, cause error) *Error {
	return &Error{Op: op, Component: "store", Code: CodeStorage, Retryable: true, Err: cause}
}

// Dependency wraps an unmet depends_on edge.
func Dependency(opID string) *Error {
	return &Error{Op: OpBatch, Code: CodeDependency, Err: fmt.Errorf("unmet dependency for operation %s", opID)}
}

// Conflict wraps a resolution failure.
func Conflict(op Op, cause error) *Error {
	return &Error{Op: op, Component: "resolver", Code: CodeConflict, Err: cause}
}

// IsStoreUnavailable reports whether err means the whole store is down.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
