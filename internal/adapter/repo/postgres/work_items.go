package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/labelsquor/orchestrator/internal/domain"
)

var tracer = otel.Tracer("labelsquor/orchestrator/postgres")

func newULID() string {
	return ulid.Make().String()
}

const workItemColumns = `
	id, priority, state, stage, attempt_count, quota_exceeded_count,
	enqueued_at, started_at, completed_at, next_attempt_at,
	lock_holder, lock_acquired_at, lock_expires_at, version,
	payload, partial_results, last_error, cancel_requested
`

func scanWorkItem(row pgx.Row) (domain.WorkItem, error) {
	var w domain.WorkItem
	var payload, partial []byte
	var lastErr []byte
	var lockHolder *string

	err := row.Scan(
		&w.ID, &w.Priority, &w.State, &w.Stage, &w.AttemptCount, &w.QuotaExceededCount,
		&w.EnqueuedAt, &w.StartedAt, &w.CompletedAt, &w.NextAttemptAt,
		&lockHolder, &w.LockAcquiredAt, &w.LockExpiresAt, &w.Version,
		&payload, &partial, &lastErr, &w.CancelRequested,
	)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if lockHolder != nil {
		w.LockHolder = *lockHolder
	}
	if w.Payload, err = unmarshalMap(payload); err != nil {
		return domain.WorkItem{}, err
	}
	if w.PartialResults, err = unmarshalMap(partial); err != nil {
		return domain.WorkItem{}, err
	}
	if w.LastError, err = unmarshalLastError(lastErr); err != nil {
		return domain.WorkItem{}, err
	}
	return w, nil
}

// Insert creates a new WorkItem in StateCreated.
func (s *Store) Insert(ctx context.Context, item domain.WorkItem) (domain.WorkItem, error) {
	ctx, span := tracer.Start(ctx, "store.insert")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "INSERT"), attribute.String("db.sql.table", "work_item"))

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.State = domain.StateCreated
	item.Stage = domain.Stages[0]
	item.Version = 1
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}

	payload, err := marshalMap(item.Payload)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("op=work_item.insert.marshal_payload: %w", err)
	}
	partial, err := marshalMap(item.PartialResults)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("op=work_item.insert.marshal_partial: %w", err)
	}

	row := s.Pool.QueryRow(ctx, `
		INSERT INTO work_item (id, priority, state, stage, enqueued_at, payload, partial_results, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		RETURNING `+workItemColumns,
		item.ID, item.Priority, item.State, item.Stage, item.EnqueuedAt, payload, partial,
	)
	w, err := scanWorkItem(row)
	if err != nil {
		span.RecordError(err)
		return domain.WorkItem{}, fmt.Errorf("op=work_item.insert: %w", err)
	}
	slog.Info("work item inserted", slog.String("work_item_id", w.ID), slog.Int("priority", w.Priority))
	return w, nil
}

// Get fetches a single work item by ID.
func (s *Store) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	ctx, span := tracer.Start(ctx, "store.get")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.operation", "SELECT"), attribute.String("db.sql.table", "work_item"))

	row := s.Pool.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_item WHERE id = $1`, id)
	w, err := scanWorkItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WorkItem{}, fmt.Errorf("op=work_item.get: %w", domain.ErrNotFound)
		}
		span.RecordError(err)
		return domain.WorkItem{}, fmt.Errorf("op=work_item.get: %w", err)
	}
	return w, nil
}

// List returns a filtered, paginated slice of work items.
func (s *Store) List(ctx context.Context, filter domain.ListFilter) (domain.Page, error) {
	ctx, span := tracer.Start(ctx, "store.list")
	defer span.End()

	where := "WHERE 1=1"
	args := []any{}
	argIdx := 1

	if filter.State != nil {
		where += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, *filter.State)
		argIdx++
	}
	if filter.Stage != nil {
		where += fmt.Sprintf(" AND stage = $%d", argIdx)
		args = append(args, *filter.Stage)
		argIdx++
	}
	if filter.MinAge != nil {
		where += fmt.Sprintf(" AND enqueued_at <= $%d", argIdx)
		args = append(args, time.Now().Add(-*filter.MinAge))
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var total int64
	countRow := s.Pool.QueryRow(ctx, `SELECT count(*) FROM work_item `+where, args...)
	if err := countRow.Scan(&total); err != nil {
		span.RecordError(err)
		return domain.Page{}, fmt.Errorf("op=work_item.list.count: %w", err)
	}

	args = append(args, limit, filter.Offset)
	rows, err := s.Pool.Query(ctx, `
		SELECT `+workItemColumns+` FROM work_item `+where+`
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT $`+fmt.Sprint(argIdx)+` OFFSET $`+fmt.Sprint(argIdx+1),
		args...,
	)
	if err != nil {
		span.RecordError(err)
		return domain.Page{}, fmt.Errorf("op=work_item.list: %w", err)
	}
	defer rows.Close()

	items := make([]domain.WorkItem, 0, limit)
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return domain.Page{}, fmt.Errorf("op=work_item.list.scan: %w", err)
		}
		items = append(items, w)
	}
	if err := rows.Err(); err != nil {
		return domain.Page{}, fmt.Errorf("op=work_item.list.rows: %w", err)
	}
	return domain.Page{Items: items, Total: total}, nil
}

// History returns the append-only transition log for a work item, newest
// first.
func (s *Store) History(ctx context.Context, id string) ([]domain.Transition, error) {
	ctx, span := tracer.Start(ctx, "store.history")
	defer span.End()

	rows, err := s.Pool.Query(ctx, `
		SELECT id, work_item_id, from_state, to_state, stage, reason, metadata, actor, at
		FROM transition WHERE work_item_id = $1 ORDER BY at DESC`, id)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("op=work_item.history: %w", err)
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var metadata []byte
		if err := rows.Scan(&t.ID, &t.WorkItemID, &t.FromState, &t.ToState, &t.Stage, &t.Reason, &metadata, &t.Actor, &t.At); err != nil {
			return nil, fmt.Errorf("op=work_item.history.scan: %w", err)
		}
		if t.Metadata, err = unmarshalMap(metadata); err != nil {
			return nil, fmt.Errorf("op=work_item.history.metadata: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CompareAndTransition is the sole mutator of WorkItem.State (§4.2.1): it
// updates the row, inserts the Transition, and inserts the Event in one
// serializable transaction, returning domain.ErrConflict with nothing
// changed if the row's (state, version) doesn't match.
func (s *Store) CompareAndTransition(ctx context.Context, req domain.TransitionRequest) (domain.TransitionResult, error) {
	ctx, span := tracer.Start(ctx, "store.compare_and_transition")
	defer span.End()
	span.SetAttributes(
		attribute.String("work_item_id", req.WorkItemID),
		attribute.String("from_state", string(req.FromState)),
		attribute.String("to_state", string(req.ToState)),
	)

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return domain.TransitionResult{}, fmt.Errorf("op=work_item.transition.begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	stage := req.Stage
	var stageVal domain.Stage
	setStage := ""
	args := []any{req.ToState}
	argIdx := 2
	if stage != nil {
		stageVal = *stage
		setStage = fmt.Sprintf(", stage = $%d", argIdx)
		args = append(args, stageVal)
		argIdx++
	}

	var partialSQL string
	if req.PartialUpdates != nil {
		merged, err := marshalMap(req.PartialUpdates)
		if err != nil {
			return domain.TransitionResult{}, fmt.Errorf("op=work_item.transition.marshal_partial: %w", err)
		}
		partialSQL = fmt.Sprintf(", partial_results = partial_results || $%d::jsonb", argIdx)
		args = append(args, merged)
		argIdx++
	}

	var nextAttemptSQL string
	if req.NextAttemptAt != nil {
		nextAttemptSQL = fmt.Sprintf(", next_attempt_at = $%d", argIdx)
		args = append(args, *req.NextAttemptAt)
		argIdx++
	} else if req.ToState == domain.StateReady {
		nextAttemptSQL = ", next_attempt_at = NULL"
	}

	var lastErrorSQL string
	if req.LastError != nil {
		raw, err := marshalLastError(req.LastError)
		if err != nil {
			return domain.TransitionResult{}, fmt.Errorf("op=work_item.transition.marshal_last_error: %w", err)
		}
		lastErrorSQL = fmt.Sprintf(", last_error = $%d::jsonb", argIdx)
		args = append(args, raw)
		argIdx++
	}

	completedSQL := ""
	if req.ToState == domain.StateCompleted {
		completedSQL = ", completed_at = now()"
	}
	startedSQL := ""
	if req.ToState == domain.StateRunning {
		startedSQL = ", started_at = COALESCE(started_at, now())"
	}
	cancelClearSQL := ""
	if req.ToState == domain.StateCancelled {
		cancelClearSQL = ", cancel_requested = false"
	}

	attemptDeltaIdx := argIdx
	quotaExceededDeltaIdx := argIdx + 1
	workItemIDIdx := argIdx + 2
	fromStateIdx := argIdx + 3
	expectedVersionIdx := argIdx + 4
	args = append(args, req.AttemptDelta, req.QuotaExceededDelta, req.WorkItemID, req.FromState, req.ExpectedVersion)

	sql := fmt.Sprintf(`
		UPDATE work_item
		SET state = $1%s, version = version + 1, attempt_count = attempt_count + $%d, quota_exceeded_count = quota_exceeded_count + $%d%s%s%s%s%s%s
		WHERE id = $%d AND state = $%d AND version = $%d
		RETURNING `+workItemColumns,
		setStage, attemptDeltaIdx, quotaExceededDeltaIdx, partialSQL, nextAttemptSQL, lastErrorSQL, completedSQL, startedSQL, cancelClearSQL,
		workItemIDIdx, fromStateIdx, expectedVersionIdx,
	)

	row := tx.QueryRow(ctx, sql, args...)
	item, err := scanWorkItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TransitionResult{}, fmt.Errorf("op=work_item.transition: %w", domain.ErrConflict)
		}
		span.RecordError(err)
		return domain.TransitionResult{}, fmt.Errorf("op=work_item.transition: %w", err)
	}

	metadata, err := marshalMap(req.Metadata)
	if err != nil {
		return domain.TransitionResult{}, fmt.Errorf("op=work_item.transition.marshal_metadata: %w", err)
	}
	transitionID := newULID()
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO transition (id, work_item_id, from_state, to_state, stage, reason, metadata, actor, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		transitionID, req.WorkItemID, req.FromState, req.ToState, item.Stage, req.Reason, metadata, req.Actor, now,
	)
	if err != nil {
		span.RecordError(err)
		return domain.TransitionResult{}, fmt.Errorf("op=work_item.transition.insert_transition: %w", err)
	}

	eventType := req.EventType
	if eventType == "" {
		eventType = domain.EventStateChanged
	}
	eventID := newULID()
	eventPayload, err := marshalMap(map[string]any{
		"from_state": req.FromState,
		"to_state":   req.ToState,
		"stage":      item.Stage,
		"reason":     req.Reason,
	})
	if err != nil {
		return domain.TransitionResult{}, fmt.Errorf("op=work_item.transition.marshal_event: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO event (id, work_item_id, type, payload, at, delivered)
		VALUES ($1, $2, $3, $4, $5, false)`,
		eventID, req.WorkItemID, eventType, eventPayload, now,
	)
	if err != nil {
		span.RecordError(err)
		return domain.TransitionResult{}, fmt.Errorf("op=work_item.transition.insert_event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.TransitionResult{}, fmt.Errorf("op=work_item.transition.commit: %w", err)
	}
	committed = true

	slog.Info("work item transitioned",
		slog.String("work_item_id", req.WorkItemID),
		slog.String("from", string(req.FromState)),
		slog.String("to", string(req.ToState)),
		slog.String("reason", req.Reason),
	)

	return domain.TransitionResult{
		Item: item,
		Transition: domain.Transition{
			ID: transitionID, WorkItemID: req.WorkItemID, FromState: req.FromState, ToState: req.ToState,
			Stage: item.Stage, Reason: req.Reason, Metadata: req.Metadata, Actor: req.Actor, At: now,
		},
		Event: domain.Event{
			ID: eventID, WorkItemID: req.WorkItemID, Type: eventType,
			Payload: map[string]any{"from_state": req.FromState, "to_state": req.ToState}, At: now,
		},
	}, nil
}

// AcquireLockIfFree implements §4.2.2: sets the lock iff it is null or
// expired. The check and the set are one conditional UPDATE, so the
// check-then-set can never race with another acquirer. The locked event is
// inserted afterwards by insertEventQuiet, outside that statement and with
// no enclosing transaction: a failed event insert does not undo the lock.
func (s *Store) AcquireLockIfFree(ctx context.Context, req domain.LockRequest) (domain.WorkItem, error) {
	ctx, span := tracer.Start(ctx, "store.acquire_lock")
	defer span.End()
	span.SetAttributes(attribute.String("work_item_id", req.WorkItemID), attribute.String("worker_id", req.WorkerID))

	leaseSeconds := req.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = 300
	}
	row := s.Pool.QueryRow(ctx, `
		UPDATE work_item
		SET lock_holder = $1, lock_acquired_at = now(), lock_expires_at = now() + make_interval(secs => $2)
		WHERE id = $3 AND (lock_holder IS NULL OR lock_expires_at < now())
		RETURNING `+workItemColumns,
		req.WorkerID, leaseSeconds, req.WorkItemID,
	)
	w, err := scanWorkItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WorkItem{}, fmt.Errorf("op=lock.acquire: %w", domain.ErrLockHeld)
		}
		span.RecordError(err)
		return domain.WorkItem{}, fmt.Errorf("op=lock.acquire: %w", err)
	}
	s.insertEventQuiet(ctx, w.ID, domain.EventLocked, map[string]any{"worker_id": req.WorkerID})
	return w, nil
}

// ExtendLock pushes lock_expires_at forward iff workerID is still the
// holder, for a worker actively executing a long-running stage (§4.3).
func (s *Store) ExtendLock(ctx context.Context, workItemID, workerID string, leaseSeconds int) (domain.WorkItem, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = 300
	}
	row := s.Pool.QueryRow(ctx, `
		UPDATE work_item
		SET lock_expires_at = now() + make_interval(secs => $1)
		WHERE id = $2 AND lock_holder = $3
		RETURNING `+workItemColumns,
		leaseSeconds, workItemID, workerID,
	)
	w, err := scanWorkItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WorkItem{}, fmt.Errorf("op=lock.extend: %w", domain.ErrLockHeld)
		}
		return domain.WorkItem{}, fmt.Errorf("op=lock.extend: %w", err)
	}
	return w, nil
}

// ReleaseLock releases the lock iff workerID is still the holder.
func (s *Store) ReleaseLock(ctx context.Context, workItemID, workerID string) error {
	ctx, span := tracer.Start(ctx, "store.release_lock")
	defer span.End()

	tag, err := s.Pool.Exec(ctx, `
		UPDATE work_item
		SET lock_holder = NULL, lock_acquired_at = NULL, lock_expires_at = NULL
		WHERE id = $1 AND lock_holder = $2`,
		workItemID, workerID,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("op=lock.release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=lock.release: %w", domain.ErrLockHeld)
	}
	s.insertEventQuiet(ctx, workItemID, domain.EventUnlocked, map[string]any{"worker_id": workerID})
	return nil
}

// insertEventQuiet records a best-effort outbox event outside the owning
// transition's transaction (lock acquire/release are single-statement
// operations with no surrounding transaction to piggyback on). A failure
// here is logged, not propagated: the lock state change itself already
// committed and must not be rolled back for an observability side-effect.
func (s *Store) insertEventQuiet(ctx context.Context, workItemID string, eventType domain.EventType, payload map[string]any) {
	marshaled, err := marshalMap(payload)
	if err != nil {
		slog.Warn("failed to marshal event payload", slog.String("work_item_id", workItemID), slog.Any("error", err))
		return
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO event (id, work_item_id, type, payload, at, delivered)
		VALUES ($1, $2, $3, $4, $5, false)`,
		newULID(), workItemID, eventType, marshaled, time.Now().UTC(),
	)
	if err != nil {
		slog.Warn("failed to record event", slog.String("work_item_id", workItemID), slog.String("type", string(eventType)), slog.Any("error", err))
	}
}

// RequestCancellation sets the cancel_requested flag observed at the next
// stage boundary.
func (s *Store) RequestCancellation(ctx context.Context, workItemID string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE work_item SET cancel_requested = true WHERE id = $1`, workItemID)
	if err != nil {
		return fmt.Errorf("op=work_item.request_cancellation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=work_item.request_cancellation: %w", domain.ErrNotFound)
	}
	return nil
}

// DispatchCandidates implements §4.9's ordered predicate.
func (s *Store) DispatchCandidates(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	ctx, span := tracer.Start(ctx, "store.dispatch_candidates")
	defer span.End()

	rows, err := s.Pool.Query(ctx, `
		SELECT `+workItemColumns+` FROM work_item
		WHERE state = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= now()) AND lock_holder IS NULL
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT $2`,
		domain.StateReady, limit,
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("op=dispatch.candidates: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// SweepQuotaExceeded returns QUOTA_EXCEEDED items whose next_attempt_at has
// passed.
func (s *Store) SweepQuotaExceeded(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+workItemColumns+` FROM work_item
		WHERE state = $1 AND next_attempt_at IS NOT NULL AND next_attempt_at <= now()
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT $2`,
		domain.StateQuotaExceeded, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("op=sweeper.quota_exceeded: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// SweepRetryScheduled returns RETRY_SCHEDULED items whose next_attempt_at
// has passed.
func (s *Store) SweepRetryScheduled(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+workItemColumns+` FROM work_item
		WHERE state = $1 AND next_attempt_at IS NOT NULL AND next_attempt_at <= now()
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT $2`,
		domain.StateRetryScheduled, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("op=sweeper.retry_scheduled: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// ReclaimableLocks returns RUNNING items whose lease has expired.
func (s *Store) ReclaimableLocks(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+workItemColumns+` FROM work_item
		WHERE state = $1 AND lock_expires_at IS NOT NULL AND lock_expires_at < now()
		ORDER BY lock_expires_at ASC
		LIMIT $2`,
		domain.StateRunning, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("op=lock.reclaimable: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows pgx.Rows) ([]domain.WorkItem, error) {
	var out []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("op=work_item.scan: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
