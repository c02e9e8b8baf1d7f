// Package postgres implements the sync record store on Postgres.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"attendsync/internal/sync"
	"attendsync/internal/syncerr"
)

// Store persists attendance records, sessions and pending conflicts.
// The detect-then-persist step runs inside one repeatable-read
// transaction with row locks, so concurrent batches touching the same
// (session, student) key serialize instead of both reading stale state.
type Store struct {
	db *sql.DB
}

// New wraps an open connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Begin opens a repeatable-read transaction. Connection-level failures
// surface as ErrStoreUnavailable so the batch manager can abort the
// remainder of a batch.
func (s *Store) Begin(ctx context.Context) (sync.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", syncerr.ErrStoreUnavailable, err)
	}
	return &pgTx{tx: tx}, nil
}

// RegisterDevice ensures a device record exists.
func (s *Store) RegisterDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return err
}

type pgTx struct {
	tx *sql.Tx
}

const recordColumns = `session_id, student_id, status, check_in_time, is_late, late_minutes, verification_method, location, updated_at`

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

func (t *pgTx) ReadRecord(ctx context.Context, key sync.RecordKey) (*sync.AttendanceRecord, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
		FOR UPDATE
	`, key.SessionID, key.StudentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (t *pgTx) WriteRecord(ctx context.Context, rec sync.AttendanceRecord) error {
	var checkIn any
	if rec.CheckInTime != nil {
		checkIn = rec.CheckInTime.UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (session_id, student_id) DO UPDATE SET
			status = EXCLUDED.status,
			check_in_time = EXCLUDED.check_in_time,
			is_late = EXCLUDED.is_late,
			late_minutes = EXCLUDED.late_minutes,
			verification_method = EXCLUDED.verification_method,
			location = EXCLUDED.location,
			updated_at = EXCLUDED.updated_at
	`, rec.SessionID, rec.StudentID, rec.Status, checkIn, rec.IsLate,
		rec.LateMinutes, rec.VerificationMethod, rec.Location, rec.UpdatedAt.UTC())
	return err
}

func (t *pgTx) ListRecords(ctx context.Context, sessionID string) ([]sync.AttendanceRecord, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY student_id
		FOR UPDATE
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

func (t *pgTx) ReadSession(ctx context.Context, id string) (*sync.Session, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, start_time, end_time, status FROM sessions WHERE id = $1
	`, id)
	var sess sync.Session
	if err := row.Scan(&sess.ID, &sess.StartTime, &sess.EndTime, &sess.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

func (t *pgTx) WriteSession(ctx context.Context, sess sync.Session) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE sessions
		SET start_time = $2, end_time = $3, status = $4
		WHERE id = $1
	`, sess.ID, sess.StartTime.UTC(), sess.EndTime.UTC(), sess.Status)
	return err
}

// StudentExists runs inside the operation's transaction so the existence
// read shares its isolation with the record reads.
func (t *pgTx) StudentExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM students WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (t *pgTx) Commit() error   { return t.tx.Commit() }
func (t *pgTx) Rollback() error { return t.tx.Rollback() }

// SavePending stores a conflict descriptor awaiting user guidance.
func (s *Store) SavePending(ctx context.Context, d *sync.ConflictDescriptor) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_conflicts (id, user_id, detected_at, descriptor)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET descriptor = EXCLUDED.descriptor
	`, d.ID, d.UserID, d.DetectedAt.UTC(), body)
	return err
}

// GetPending returns one pending descriptor by id.
func (s *Store) GetPending(ctx context.Context, id string) (*sync.ConflictDescriptor, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT descriptor FROM pending_conflicts WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.ErrConflictNotFound
	}
	if err != nil {
		return nil, err
	}
	var d sync.ConflictDescriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("decode descriptor %s: %w", id, err)
	}
	return &d, nil
}

// ListPending returns a user's pending descriptors, oldest first.
func (s *Store) ListPending(ctx context.Context, userID string) ([]*sync.ConflictDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT descriptor FROM pending_conflicts
		WHERE user_id = $1 OR $1 = ''
		ORDER BY detected_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*sync.ConflictDescriptor
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d sync.ConflictDescriptor
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, fmt.Errorf("decode descriptor: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// DeletePending removes a resolved descriptor.
func (s *Store) DeletePending(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_conflicts WHERE id = $1`, id)
	return err
}

var _ sync.Store = (*Store)(nil)
var _ sync.ConflictStore = (*Store)(nil)
