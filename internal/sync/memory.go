package sync

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"

	"github.com/brunoga/deep"

	"attendsync/internal/syncerr"
)

// MemoryStore is an in-memory Store + ConflictStore for dev mode and
// tests. A transaction holds the store mutex from Begin to Commit or
// Rollback, which serializes detect-then-persist sequences the same way
// the SQL backends do with row locks.
type MemoryStore struct {
	mu       stdsync.Mutex
	records  map[RecordKey]AttendanceRecord
	sessions map[string]Session
	students map[string]bool
	pending  map[string]*ConflictDescriptor

	// Unavailable makes Begin fail with ErrStoreUnavailable; tests use it
	// to exercise batch-level abort.
	Unavailable bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[RecordKey]AttendanceRecord),
		sessions: make(map[string]Session),
		students: make(map[string]bool),
		pending:  make(map[string]*ConflictDescriptor),
	}
}

// SeedSession registers a session.
func (s *MemoryStore) SeedSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// SeedStudent registers a student id.
func (s *MemoryStore) SeedStudent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students[id] = true
}

// SeedRecord installs an authoritative record.
func (s *MemoryStore) SeedRecord(rec AttendanceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key()] = rec
}

// Record returns a copy of the stored record, if any.
func (s *MemoryStore) Record(key RecordKey) (AttendanceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok
}

// Begin locks the store for one transaction.
func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if s.Unavailable {
		return nil, fmt.Errorf("memory store: %w", syncerr.ErrStoreUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	return &memoryTx{store: s, staged: make(map[RecordKey]AttendanceRecord)}, nil
}

// RegisterDevice accepts any non-empty device id; memory mode keeps no
// device table.
func (s *MemoryStore) RegisterDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("device id required")
	}
	return nil
}

type memoryTx struct {
	store          *MemoryStore
	staged         map[RecordKey]AttendanceRecord
	stagedSessions []Session
	done           bool
}

func (t *memoryTx) ReadRecord(ctx context.Context, key RecordKey) (*AttendanceRecord, error) {
	if rec, ok := t.staged[key]; ok {
		out := rec
		return &out, nil
	}
	rec, ok := t.store.records[key]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (t *memoryTx) WriteRecord(ctx context.Context, rec AttendanceRecord) error {
	t.staged[rec.Key()] = rec
	return nil
}

func (t *memoryTx) ListRecords(ctx context.Context, sessionID string) ([]AttendanceRecord, error) {
	var out []AttendanceRecord
	for _, rec := range t.store.records {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (t *memoryTx) ReadSession(ctx context.Context, id string) (*Session, error) {
	sess, ok := t.store.sessions[id]
	if !ok {
		return nil, nil
	}
	out := sess
	return &out, nil
}

func (t *memoryTx) WriteSession(ctx context.Context, sess Session) error {
	t.stagedSessions = append(t.stagedSessions, sess)
	return nil
}

// StudentExists reads under the lock the transaction already holds.
func (t *memoryTx) StudentExists(ctx context.Context, id string) (bool, error) {
	return t.store.students[id], nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	for key, rec := range t.staged {
		t.store.records[key] = rec
	}
	for _, sess := range t.stagedSessions {
		t.store.sessions[sess.ID] = sess
	}
	t.store.mu.Unlock()
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Unlock()
	return nil
}

// SavePending stores a copy of the descriptor.
func (s *MemoryStore) SavePending(ctx context.Context, d *ConflictDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[d.ID] = deep.MustCopy(d)
	return nil
}

// GetPending returns a copy of a pending descriptor.
func (s *MemoryStore) GetPending(ctx context.Context, id string) (*ConflictDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.pending[id]
	if !ok {
		return nil, syncerr.ErrConflictNotFound
	}
	return deep.MustCopy(d), nil
}

// ListPending returns pending descriptors for a user, oldest first.
func (s *MemoryStore) ListPending(ctx context.Context, userID string) ([]*ConflictDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ConflictDescriptor
	for _, d := range s.pending {
		if userID == "" || d.UserID == userID {
			out = append(out, deep.MustCopy(d))
		}
	}
	sortDescriptors(out)
	return out, nil
}

// DeletePending removes a resolved descriptor.
func (s *MemoryStore) DeletePending(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

func sortDescriptors(ds []*ConflictDescriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].DetectedAt.Before(ds[j].DetectedAt) })
}

var _ Store = (*MemoryStore)(nil)
var _ ConflictStore = (*MemoryStore)(nil)
