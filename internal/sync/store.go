package sync

import (
	"context"
)

// Tx is one read-then-write unit over the authoritative record store.
// The detect-then-persist step for a single record key runs inside one
// Tx, including the entity-existence reads, so a concurrent batch cannot
// interleave a write between detection and persistence and no read ever
// escapes the transaction's isolation.
type Tx interface {
	ReadRecord(ctx context.Context, key RecordKey) (*AttendanceRecord, error)
	WriteRecord(ctx context.Context, rec AttendanceRecord) error
	ListRecords(ctx context.Context, sessionID string) ([]AttendanceRecord, error)
	ReadSession(ctx context.Context, id string) (*Session, error)
	WriteSession(ctx context.Context, sess Session) error
	StudentExists(ctx context.Context, id string) (bool, error)
	Commit() error
	Rollback() error
}

// Store is the persistence collaborator consumed by the batch manager.
// Begin must return syncerr.ErrStoreUnavailable (wrapped) when the
// backing store is unreachable, so the manager can abort the remainder of
// a batch instead of failing operations one by one.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// ConflictStore holds pending conflict descriptors awaiting explicit
// resolution. Descriptors are addressable by id and scoped to the user
// whose batch raised them.
type ConflictStore interface {
	SavePending(ctx context.Context, d *ConflictDescriptor) error
	GetPending(ctx context.Context, id string) (*ConflictDescriptor, error)
	ListPending(ctx context.Context, userID string) ([]*ConflictDescriptor, error)
	DeletePending(ctx context.Context, id string) error
}
