// Package sqlite implements the sync record store on SQLite, for
// single-node and development deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"attendsync/internal/sync"
	"attendsync/internal/syncerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS students (
	id TEXT PRIMARY KEY,
	name TEXT
);
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	start_time TIMESTAMP NOT NULL,
	end_time TIMESTAMP NOT NULL,
	status TEXT NOT NULL DEFAULT 'scheduled'
);
CREATE TABLE IF NOT EXISTS attendance_records (
	session_id TEXT NOT NULL,
	student_id TEXT NOT NULL,
	status TEXT NOT NULL,
	check_in_time TIMESTAMP,
	is_late BOOLEAN NOT NULL DEFAULT 0,
	late_minutes INTEGER NOT NULL DEFAULT 0,
	verification_method TEXT,
	location TEXT,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, student_id)
);
CREATE TABLE IF NOT EXISTS pending_conflicts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	detected_at TIMESTAMP NOT NULL,
	descriptor TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS devices (
	device_id TEXT PRIMARY KEY,
	registered_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store is a SQLite-backed record store. WAL mode plus immediate
// transactions give the single-writer serialization the engine needs for
// its detect-then-persist step.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and bootstraps the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for seeding scripts.
func (s *Store) DB() *sql.DB { return s.db }

// Begin opens an immediate transaction.
func (s *Store) Begin(ctx context.Context) (sync.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrStoreUnavailable, err)
	}
	return &liteTx{tx: tx}, nil
}

// RegisterDevice ensures a device record exists.
func (s *Store) RegisterDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO devices (device_id) VALUES (?)`, deviceID)
	return err
}

// SeedSession inserts or replaces a session; used by dev seeding.
func (s *Store) SeedSession(ctx context.Context, sess sync.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (id, start_time, end_time, status)
		VALUES (?, ?, ?, ?)
	`, sess.ID, sess.StartTime.UTC(), sess.EndTime.UTC(), sess.Status)
	return err
}

// SeedStudent inserts a student; used by dev seeding.
func (s *Store) SeedStudent(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO students (id, name) VALUES (?, ?)`, id, name)
	return err
}

type liteTx struct {
	tx *sql.Tx
}

func (t *liteTx) ReadRecord(ctx context.Context, key sync.RecordKey) (*sync.AttendanceRecord, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT session_id, student_id, status, check_in_time, is_late,
		       late_minutes, verification_method, location, updated_at
		FROM attendance_records
		WHERE session_id = ? AND student_id = ?
	`, key.SessionID, key.StudentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanRecord(row interface{ Scan(...any) error }) (*sync.AttendanceRecord, error) {
	var rec sync.AttendanceRecord
	var checkIn sql.NullTime
	var method, location sql.NullString
	err := row.Scan(&rec.SessionID, &rec.StudentID, &rec.Status, &checkIn,
		&rec.IsLate, &rec.LateMinutes, &method, &location, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if checkIn.Valid {
		t := checkIn.Time.UTC()
		rec.CheckInTime = &t
	}
	rec.VerificationMethod = method.String
	rec.Location = location.String
	return &rec, nil
}

func (t *liteTx) WriteRecord(ctx context.Context, rec sync.AttendanceRecord) error {
	var checkIn any
	if rec.CheckInTime != nil {
		checkIn = rec.CheckInTime.UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO attendance_records
			(session_id, student_id, status, check_in_time, is_late,
			 late_minutes, verification_method, location, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.StudentID, rec.Status, checkIn, rec.IsLate,
		rec.LateMinutes, rec.VerificationMethod, rec.Location, rec.UpdatedAt.UTC())
	return err
}

func (t *liteTx) ListRecords(ctx context.Context, sessionID string) ([]sync.AttendanceRecord, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT session_id, student_id, status, check_in_time, is_late,
		       late_minutes, verification_method, location, updated_at
		FROM attendance_records
		WHERE session_id = ?
		ORDER BY student_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sync.AttendanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (t *liteTx) ReadSession(ctx context.Context, id string) (*sync.Session, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, start_time, end_time, status FROM sessions WHERE id = ?`, id)
	var sess sync.Session
	if err := row.Scan(&sess.ID, &sess.StartTime, &sess.EndTime, &sess.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

func (t *liteTx) WriteSession(ctx context.Context, sess sync.Session) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sessions SET start_time = ?, end_time = ?, status = ? WHERE id = ?
	`, sess.StartTime.UTC(), sess.EndTime.UTC(), sess.Status, sess.ID)
	return err
}

// StudentExists runs on the transaction's connection; with a single-
// connection pool an out-of-tx query here would starve against the open
// transaction.
func (t *liteTx) StudentExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM students WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

func (t *liteTx) Commit() error   { return t.tx.Commit() }
func (t *liteTx) Rollback() error { return t.tx.Rollback() }

// SavePending stores a conflict descriptor awaiting user guidance.
func (s *Store) SavePending(ctx context.Context, d *sync.ConflictDescriptor) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO pending_conflicts (id, user_id, detected_at, descriptor)
		VALUES (?, ?, ?, ?)
	`, d.ID, d.UserID, d.DetectedAt.UTC(), string(body))
	return err
}

// GetPending returns one pending descriptor by id.
func (s *Store) GetPending(ctx context.Context, id string) (*sync.ConflictDescriptor, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT descriptor FROM pending_conflicts WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.ErrConflictNotFound
	}
	if err != nil {
		return nil, err
	}
	var d sync.ConflictDescriptor
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("decode descriptor %s: %w", id, err)
	}
	return &d, nil
}

// ListPending returns a user's pending descriptors, oldest first.
func (s *Store) ListPending(ctx context.Context, userID string) ([]*sync.ConflictDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT descriptor FROM pending_conflicts
		WHERE user_id = ? OR ? = ''
		ORDER BY detected_at
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*sync.ConflictDescriptor
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d sync.ConflictDescriptor
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("decode descriptor: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// DeletePending removes a resolved descriptor.
func (s *Store) DeletePending(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_conflicts WHERE id = ?`, id)
	return err
}

var _ sync.Store = (*Store)(nil)
var _ sync.ConflictStore = (*Store)(nil)
