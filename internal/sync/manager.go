package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"attendsync/internal/metrics"
	"attendsync/internal/notify"
	"attendsync/internal/syncerr"
)

// Topics published by the manager.
const (
	TopicAttendance = "sync.attendance"
	TopicConflict   = "sync.conflict"
)

// Config tunes the batch manager.
type Config struct {
	// Defaults maps conflict types to the strategy applied when the
	// operation does not carry one. Missing entries fall back to
	// DefaultStrategies.
	Defaults map[ConflictType]Strategy
	// LateGrace is how long after session start a check-in still counts
	// as on time.
	LateGrace time.Duration
	// NotifyTimeout bounds each fire-and-forget publish.
	NotifyTimeout time.Duration
	// ClockSkew / FutureTolerance feed the detector.
	ClockSkew       time.Duration
	FutureTolerance time.Duration
}

func (c *Config) defaults() {
	if c.Defaults == nil {
		c.Defaults = DefaultStrategies()
	} else {
		stock := DefaultStrategies()
		for t, s := range stock {
			if _, ok := c.Defaults[t]; !ok {
				c.Defaults[t] = s
			}
		}
	}
	if c.LateGrace <= 0 {
		c.LateGrace = 10 * time.Minute
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 2 * time.Second
	}
}

// Manager sequences a batch of operations: validate, detect, resolve,
// persist, notify, aggregate. One instance per process holding only
// injected collaborator handles; no hidden global state.
type Manager struct {
	store     Store
	conflicts ConflictStore
	validator *Validator
	detector  *Detector
	resolver  *Resolver
	tracker   Tracker
	notifier  notify.Notifier
	metrics   *metrics.Sync
	log       *slog.Logger
	cfg       Config

	wg  stdsync.WaitGroup
	now func() time.Time
}

// NewManager wires the engine together. tracker, notifier and collectors
// may be nil (disabled).
func NewManager(store Store, conflicts ConflictStore, tracker Tracker, notifier notify.Notifier, collectors *metrics.Sync, log *slog.Logger, cfg Config) (*Manager, error) {
	if store == nil || conflicts == nil {
		return nil, fmt.Errorf("store and conflict store are required")
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	cfg.defaults()
	return &Manager{
		store:     store,
		conflicts: conflicts,
		validator: validator,
		detector:  NewDetector(cfg.ClockSkew, cfg.FutureTolerance),
		resolver:  NewResolver(),
		tracker:   tracker,
		notifier:  notifier,
		metrics:   collectors,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// Close waits for in-flight notification publishes.
func (m *Manager) Close() {
	m.wg.Wait()
}

// ProcessBatch runs a batch for one user/client. Operations execute in
// priority order (stable on ties), dependencies deferred and retried once.
// One operation's failure never aborts the batch; total store
// unavailability fails the remainder without dropping anything.
func (m *Manager) ProcessBatch(ctx context.Context, userID, clientID string, ops []SyncOperation) (*BatchResult, error) {
	start := m.now()
	res := &BatchResult{BatchID: uuid.NewString()}
	defer func() {
		res.Elapsed = m.now().Sub(start)
		res.ElapsedMs = res.Elapsed.Milliseconds()
		if m.metrics != nil {
			m.metrics.ObserveBatch(len(ops), res.Elapsed)
		}
		if m.tracker != nil {
			// Side effect only; a tracker panic must not reach the caller.
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("stats tracker panicked", "panic", r)
					}
				}()
				m.tracker.RecordBatch(context.WithoutCancel(ctx), userID, res)
			}()
		}
	}()

	ordered := orderByPriority(ops)

	completed := make(map[string]ResultStatus, len(ordered))
	claims := make(map[RecordKey]time.Time)
	storeDown := false

	record := func(r SyncResult) {
		res.Results = append(res.Results, r)
		res.Processed++
		completed[r.OperationID] = r.Status
		switch r.Status {
		case StatusSuccess, StatusPartialSuccess:
			res.Successful++
		case StatusError:
			res.Errors++
		}
		if r.Conflict != nil {
			res.Conflicts++
			if r.Status == StatusConflict {
				res.ConflictsData = append(res.ConflictsData, r.Conflict)
			}
		}
		if m.metrics != nil {
			m.metrics.ObserveOperation(string(r.Kind), string(r.Status))
		}
	}

	var deferred []*SyncOperation
	for pass := 0; pass < 2; pass++ {
		list := ordered
		if pass == 1 {
			list = deferred
		}
		for _, op := range list {
			if ctx.Err() != nil {
				res.Truncated = true
				return res, nil
			}
			if storeDown {
				record(errorResult(op, syncerr.ErrStoreUnavailable.Error()))
				continue
			}
			switch state, dep := depState(op, completed); state {
			case depWaiting:
				if pass == 0 {
					// Dependency not processed yet; retry after the
					// non-dependent operations finish.
					deferred = append(deferred, op)
					continue
				}
				record(errorResult(op, syncerr.Dependency(dep).Error()))
			case depFailed:
				record(errorResult(op, syncerr.Dependency(dep).Error()))
			default:
				record(m.processOne(ctx, userID, clientID, op, claims, &storeDown))
			}
		}
	}

	return res, nil
}

// ProcessOperation submits a one-element batch and unwraps the single
// result.
func (m *Manager) ProcessOperation(ctx context.Context, userID, clientID string, op SyncOperation) (*SyncResult, error) {
	batch, err := m.ProcessBatch(ctx, userID, clientID, []SyncOperation{op})
	if err != nil {
		return nil, err
	}
	if len(batch.Results) == 0 {
		return nil, fmt.Errorf("operation produced no result")
	}
	out := batch.Results[0]
	return &out, nil
}

// PendingConflicts lists unresolved conflicts for a user.
func (m *Manager) PendingConflicts(ctx context.Context, userID string) ([]*ConflictDescriptor, error) {
	return m.conflicts.ListPending(ctx, userID)
}

// Statistics returns the user's aggregated counters.
func (m *Manager) Statistics(ctx context.Context, userID string, days int) (*Statistics, error) {
	if m.tracker == nil {
		return &Statistics{UserID: userID, WindowDays: days}, nil
	}
	return m.tracker.Statistics(ctx, userID, days)
}

// ResolveConflict applies an explicit strategy to a pending conflict,
// out-of-band from the batch that raised it. resolved optionally replaces
// the conflict's local data with a user-corrected payload.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID string, strategy Strategy, resolved map[string]any) (*SyncResult, error) {
	desc, err := m.conflicts.GetPending(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if strategy == "" || strategy == StrategyUserGuided {
		return nil, fmt.Errorf("a concrete resolution strategy is required")
	}
	if resolved != nil {
		desc.LocalData = resolved
	}

	out, err := m.resolver.Resolve(desc, strategy)
	if err != nil {
		return nil, syncerr.Conflict(syncerr.OpResolve, err)
	}

	r := SyncResult{OperationID: desc.OperationID, Kind: desc.Kind, Status: out.Status, Conflict: desc}
	start := m.now()
	if out.Record != nil {
		tx, err := m.store.Begin(ctx)
		if err != nil {
			return nil, syncerr.Storage(syncerr.OpPersist, err)
		}
		out.Record.UpdatedAt = m.now().UTC()
		if err := tx.WriteRecord(ctx, *out.Record); err != nil {
			tx.Rollback()
			return nil, syncerr.Storage(syncerr.OpPersist, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, syncerr.Storage(syncerr.OpPersist, err)
		}
		r.Data = recordData(out.Record)
	}
	if out.Status == StatusError {
		r.Error = out.Message
	}
	if err := m.conflicts.DeletePending(ctx, conflictID); err != nil {
		m.log.Warn("pending conflict cleanup failed", "conflict_id", conflictID, "error", err)
	}
	r.ProcessingTimeMs = m.now().Sub(start).Milliseconds()

	m.publish(TopicConflict, notify.Event{
		"type":        "conflict_resolved",
		"conflict_id": conflictID,
		"strategy":    string(strategy),
		"session_id":  desc.Key.SessionID,
		"student_id":  desc.Key.StudentID,
	})
	return &r, nil
}

// processOne runs validate -> detect -> resolve -> persist -> notify for
// a single operation. The read and the eventual write share one store
// transaction.
func (m *Manager) processOne(ctx context.Context, userID, clientID string, op *SyncOperation, claims map[RecordKey]time.Time, storeDown *bool) SyncResult {
	start := m.now()
	r := SyncResult{OperationID: op.ID, Kind: op.Kind}
	defer func() {
		r.ProcessingTimeMs = m.now().Sub(start).Milliseconds()
	}()

	if err := m.validator.Validate(op); err != nil {
		r.Status = StatusError
		r.Error = syncerr.Validation(syncerr.OpValidate, err).Error()
		return r
	}

	tx, err := m.store.Begin(ctx)
	if err != nil {
		if syncerr.IsStoreUnavailable(err) {
			*storeDown = true
		}
		r.Status = StatusError
		r.Error = syncerr.Storage(syncerr.OpPersist, err).Error()
		return r
	}
	txDone := false
	defer func() {
		if !txDone {
			if rbErr := tx.Rollback(); rbErr != nil {
				m.log.Warn("rollback failed", "operation_id", op.ID, "error", rbErr)
			}
		}
	}()

	key := operationKey(op)
	now := m.now().UTC()

	sess, err := tx.ReadSession(ctx, key.SessionID)
	if err != nil {
		r.Status = StatusError
		r.Error = syncerr.Storage(syncerr.OpDetect, err).Error()
		return r
	}
	studentOK := true
	if key.StudentID != "" {
		studentOK, err = tx.StudentExists(ctx, key.StudentID)
		if err != nil {
			r.Status = StatusError
			r.Error = syncerr.Storage(syncerr.OpDetect, err).Error()
			return r
		}
	}
	var current *AttendanceRecord
	if key.StudentID != "" {
		current, err = tx.ReadRecord(ctx, key)
		if err != nil {
			r.Status = StatusError
			r.Error = syncerr.Storage(syncerr.OpDetect, err).Error()
			return r
		}
	}

	var prior *time.Time
	if key.StudentID != "" {
		if t, ok := claims[key]; ok {
			prior = &t
		}
		claims[key] = op.ClientTimestamp
	}

	desc := m.detector.Detect(op, current, sess, studentOK, prior, now)
	if desc == nil {
		data, applyErr := m.apply(ctx, tx, op, current, sess, now)
		if applyErr != nil {
			r.Status = StatusError
			r.Error = syncerr.Storage(syncerr.OpPersist, applyErr).Error()
			return r
		}
		if err := tx.Commit(); err != nil {
			r.Status = StatusError
			r.Error = syncerr.Storage(syncerr.OpPersist, err).Error()
			return r
		}
		txDone = true
		r.Status = StatusSuccess
		r.Data = data
		m.publishOperation(userID, clientID, op, key, data)
		return r
	}

	desc.UserID = userID
	if m.metrics != nil {
		m.metrics.ObserveConflict(string(desc.Type))
	}

	strategy := op.Strategy
	if strategy == "" {
		strategy = m.cfg.Defaults[desc.Type]
	}
	out, err := m.resolver.Resolve(desc, strategy)
	if err != nil {
		r.Status = StatusError
		r.Error = syncerr.Conflict(syncerr.OpResolve, err).Error()
		r.Conflict = desc
		return r
	}

	r.Conflict = desc
	switch {
	case out.Deferred:
		// No persistence change until explicit resolution. The record
		// transaction is released first: the pending-conflict store may
		// sit behind the same lock or connection, and nothing below
		// touches records.
		if rbErr := tx.Rollback(); rbErr != nil {
			m.log.Warn("rollback failed", "operation_id", op.ID, "error", rbErr)
		}
		txDone = true
		if err := m.conflicts.SavePending(ctx, desc); err != nil {
			r.Status = StatusError
			r.Error = syncerr.Storage(syncerr.OpResolve, err).Error()
			return r
		}
		r.Status = StatusConflict
		m.publish(TopicConflict, notify.Event{
			"type":        "conflict_pending",
			"conflict_id": desc.ID,
			"session_id":  key.SessionID,
			"student_id":  key.StudentID,
			"user_id":     userID,
		})

	case out.Record != nil:
		out.Record.UpdatedAt = now
		if err := tx.WriteRecord(ctx, *out.Record); err != nil {
			r.Status = StatusError
			r.Error = syncerr.Storage(syncerr.OpPersist, err).Error()
			return r
		}
		if err := tx.Commit(); err != nil {
			r.Status = StatusError
			r.Error = syncerr.Storage(syncerr.OpPersist, err).Error()
			return r
		}
		txDone = true
		r.Status = out.Status
		r.Data = recordData(out.Record)
		m.publishOperation(userID, clientID, op, key, r.Data)

	default:
		r.Status = out.Status
		if out.Status == StatusError {
			r.Error = out.Message
		} else {
			// server_wins: resolved no-op, the current record stands.
			r.Data = recordData(current)
		}
	}
	return r
}

// apply persists a conflict-free operation.
func (m *Manager) apply(ctx context.Context, tx Tx, op *SyncOperation, current *AttendanceRecord, sess *Session, now time.Time) (map[string]any, error) {
	switch op.Kind {
	case KindCheckIn:
		rec := m.applyCheckIn(op, current, sess)
		rec.UpdatedAt = now
		if err := tx.WriteRecord(ctx, rec); err != nil {
			return nil, err
		}
		return recordData(&rec), nil

	case KindStatusUpdate:
		rec := applyStatusUpdate(op, current)
		rec.UpdatedAt = now
		if err := tx.WriteRecord(ctx, rec); err != nil {
			return nil, err
		}
		return recordData(&rec), nil

	case KindBulkOperation:
		opName, _ := stringField(op.Payload, "operation")
		records, err := tx.ListRecords(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		for i := range records {
			applyBulk(&records[i], opName)
			records[i].UpdatedAt = now
			if err := tx.WriteRecord(ctx, records[i]); err != nil {
				return nil, err
			}
		}
		return map[string]any{"operation": opName, "updated": len(records)}, nil

	case KindSessionUpdate:
		updated := *sess
		if t, ok := timeField(op.Payload, "start_time"); ok {
			updated.StartTime = t
		}
		if t, ok := timeField(op.Payload, "end_time"); ok {
			updated.EndTime = t
		}
		if v, ok := stringField(op.Payload, "status"); ok {
			updated.Status = v
		}
		if err := tx.WriteSession(ctx, updated); err != nil {
			return nil, err
		}
		return map[string]any{
			"session_id": updated.ID,
			"start_time": updated.StartTime.UTC().Format(time.RFC3339Nano),
			"end_time":   updated.EndTime.UTC().Format(time.RFC3339Nano),
			"status":     updated.Status,
		}, nil
	}
	return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
}

func (m *Manager) applyCheckIn(op *SyncOperation, current *AttendanceRecord, sess *Session) AttendanceRecord {
	rec := AttendanceRecord{SessionID: sess.ID}
	if current != nil {
		rec = *current
	}
	rec.StudentID, _ = stringField(op.Payload, "student_id")

	checkIn := op.ClientTimestamp
	if t, ok := timeField(op.Payload, "check_in_time"); ok {
		checkIn = t
	}
	checkIn = checkIn.UTC()
	rec.CheckInTime = &checkIn

	if late := checkIn.Sub(sess.StartTime.Add(m.cfg.LateGrace)); late > 0 {
		rec.IsLate = true
		rec.LateMinutes = int(late.Minutes()) + 1
		rec.Status = "late"
	} else {
		rec.IsLate = false
		rec.LateMinutes = 0
		rec.Status = "present"
	}
	if v, ok := stringField(op.Payload, "method"); ok {
		rec.VerificationMethod = v
	} else if rec.VerificationMethod == "" {
		rec.VerificationMethod = "manual"
	}
	if v, ok := stringField(op.Payload, "location"); ok {
		rec.Location = v
	}
	return rec
}

func applyStatusUpdate(op *SyncOperation, current *AttendanceRecord) AttendanceRecord {
	key := operationKey(op)
	rec := AttendanceRecord{SessionID: key.SessionID, StudentID: key.StudentID}
	if current != nil {
		rec = *current
	}
	rec.Status, _ = stringField(op.Payload, "status")
	if n, ok := intField(op.Payload, "late_minutes"); ok {
		rec.LateMinutes = n
		rec.IsLate = n > 0
	}
	return rec
}

func applyBulk(rec *AttendanceRecord, operation string) {
	switch operation {
	case "mark_present":
		rec.Status = "present"
		rec.IsLate = false
		rec.LateMinutes = 0
	case "mark_absent":
		rec.Status = "absent"
	case "reset":
		rec.Status = "pending"
		rec.IsLate = false
		rec.LateMinutes = 0
		rec.CheckInTime = nil
	}
}

func (m *Manager) publishOperation(userID, clientID string, op *SyncOperation, key RecordKey, data map[string]any) {
	ev := notify.Event{
		"type":         "operation_synced",
		"operation_id": op.ID,
		"kind":         string(op.Kind),
		"session_id":   key.SessionID,
		"user_id":      userID,
		"client_id":    clientID,
	}
	if key.StudentID != "" {
		ev["student_id"] = key.StudentID
	}
	if status, ok := data["status"]; ok {
		ev["status"] = status
	}
	m.publish(TopicAttendance, ev)
}

// publish broadcasts an event best-effort: detached goroutine, bounded
// timeout, panic guard. Failures are logged and swallowed so a broken
// broadcaster can never convert a persisted operation into an error.
func (m *Manager) publish(topic string, ev notify.Event) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("notifier panicked", "topic", topic, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.NotifyTimeout)
		defer cancel()
		if err := m.notifier.Publish(ctx, topic, ev); err != nil {
			m.log.Warn("notify failed", "topic", topic, "error", err)
		}
	}()
}

// orderByPriority returns pointers to copies of ops sorted by priority
// descending; insertion order breaks ties. Missing ids are assigned here
// so results and dependency edges always have something to reference.
func orderByPriority(ops []SyncOperation) []*SyncOperation {
	out := make([]*SyncOperation, len(ops))
	for i := range ops {
		cp := ops[i]
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

type dependencyState int

const (
	depMet dependencyState = iota
	depWaiting
	depFailed
)

// depState reports whether op's dependencies completed successfully,
// along with the first dependency that did not.
func depState(op *SyncOperation, completed map[string]ResultStatus) (dependencyState, string) {
	for _, dep := range op.DependsOn {
		st, ok := completed[dep]
		if !ok {
			return depWaiting, dep
		}
		if st != StatusSuccess && st != StatusPartialSuccess {
			return depFailed, dep
		}
	}
	return depMet, ""
}

func errorResult(op *SyncOperation, msg string) SyncResult {
	return SyncResult{OperationID: op.ID, Kind: op.Kind, Status: StatusError, Error: msg}
}
