package domain

import "time"

// TransitionRequest is the full argument set for the store's sole mutator
// of WorkItem.State (§4.2 compare-and-transition). ExpectedVersion and
// FromState must both match the persisted row or the store returns
// ErrConflict with nothing changed.
type TransitionRequest struct {
	WorkItemID      string
	ExpectedVersion int64
	FromState       State
	ToState         State
	Stage           *Stage
	PartialUpdates  map[string]any
	Reason          string
	Metadata        map[string]any
	Actor           string
	NextAttemptAt   *time.Time
	LastError       *ErrorInfo
	AttemptDelta    int
	QuotaExceededDelta int
	// EventType names the outbox event this transition produces (spec.md
	// §5.3's distinct stage_started/stage_completed/stage_failed/
	// quota_exceeded/resumed/dead_lettered records). Zero value defaults
	// to EventStateChanged.
	EventType EventType
}

// TransitionResult is what a successful compare-and-transition returns.
type TransitionResult struct {
	Item       WorkItem
	Transition Transition
	Event      Event
}

// LockRequest is the argument set for acquire-lock-if-free.
type LockRequest struct {
	WorkItemID  string
	WorkerID    string
	LeaseSeconds int
}

// ListFilter narrows Store.List queries.
type ListFilter struct {
	State    *State
	Stage    *Stage
	MinAge   *time.Duration
	Offset   int
	Limit    int
}

// Page is a bounded slice of WorkItems plus the total matching the filter.
type Page struct {
	Items []WorkItem
	Total int64
}

// Store is the durable persistence port (§4.2, §6.4). It is the sole owner
// of WorkItem.State mutation and of lock acquisition/release; every other
// component depends only on Store, never on one another, to keep the
// dependency graph acyclic (§9).
type Store interface {
	// Insert creates a new WorkItem in StateCreated and returns its
	// assigned ID and initial version.
	Insert(ctx Context, item WorkItem) (WorkItem, error)

	Get(ctx Context, id string) (WorkItem, error)
	List(ctx Context, filter ListFilter) (Page, error)
	History(ctx Context, id string) ([]Transition, error)

	// CompareAndTransition is the store's sole mutator of state (§4.2.1).
	// It runs the update, transition insert, and event insert in one
	// serializable transaction and returns ErrConflict if the row's
	// current (state, version) doesn't match req.FromState/ExpectedVersion.
	CompareAndTransition(ctx Context, req TransitionRequest) (TransitionResult, error)

	// AcquireLockIfFree implements §4.2.2: sets lock_holder/lock_expires_at
	// iff the current lock is null or expired. Returns ErrLockHeld
	// otherwise.
	AcquireLockIfFree(ctx Context, req LockRequest) (WorkItem, error)

	// ReleaseLock releases the lock iff workerID is still the holder.
	ReleaseLock(ctx Context, workItemID, workerID string) error

	// ExtendLock pushes lock_expires_at forward iff workerID is still the
	// holder — distinct from AcquireLockIfFree, whose null-or-expired
	// predicate would reject a worker trying to extend its own still-valid
	// lease.
	ExtendLock(ctx Context, workItemID, workerID string, leaseSeconds int) (WorkItem, error)

	// RequestCancellation sets the cancellation flag observed at the next
	// stage boundary for a RUNNING item (§6.1 cancel semantics).
	RequestCancellation(ctx Context, workItemID string) error

	// RecordMetric appends a Metric row.
	RecordMetric(ctx Context, m Metric) error

	// InsertDeadLetter appends a DeadLetter row.
	InsertDeadLetter(ctx Context, dl DeadLetter) error

	// UndeliveredEvents returns outbox rows with delivered=false in
	// insertion order, up to limit.
	UndeliveredEvents(ctx Context, limit int) ([]Event, error)

	// MarkDelivered flags an event as delivered.
	MarkDelivered(ctx Context, eventID string) error

	// DispatchCandidates implements §4.9's ordered predicate: state=READY,
	// not locked, next_attempt_at due, ordered by priority DESC then
	// enqueued_at ASC.
	DispatchCandidates(ctx Context, limit int) ([]WorkItem, error)

	// SweepQuotaExceeded returns QUOTA_EXCEEDED items whose next_attempt_at
	// has passed, for the Resume Sweeper's quota-reset pass.
	SweepQuotaExceeded(ctx Context, limit int) ([]WorkItem, error)

	// SweepRetryScheduled returns RETRY_SCHEDULED items whose
	// next_attempt_at has passed, for the Resume Sweeper's retry pass.
	SweepRetryScheduled(ctx Context, limit int) ([]WorkItem, error)

	// ReclaimableLocks returns RUNNING items whose lock_expires_at has
	// passed, for lock reclamation at dispatch time (§5 "Lock
	// reclamation").
	ReclaimableLocks(ctx Context, limit int) ([]WorkItem, error)

	// Metrics computes the aggregates backing the read-only metrics() view
	// (§6.3): state/stage duration percentiles, throughput, error-class
	// breakdown, quota utilization and quota-exceeded count.
	Metrics(ctx Context, query MetricsQuery) (MetricsSummary, error)
}

// EventSubscriber receives delivered outbox events. Implementations MUST be
// idempotent: the outbox guarantees at-least-once delivery per subscriber.
type EventSubscriber interface {
	Name() string
	Handle(ctx Context, event Event) error
}

// QuotaDecision is the result of QuotaManager.Check.
type QuotaDecision struct {
	Allowed bool
	ResetAt time.Time
}

// QuotaManager is the port the executor consults before and after an
// external call (§4.4, §6.2).
type QuotaManager interface {
	Check(ctx Context, service string, estimated Cost) (QuotaDecision, error)
	Record(ctx Context, service string, actual Cost, workItemID string) error
	ResetInstant(ctx Context, service string) (time.Time, error)
	HasCapacity(ctx Context, service string) (bool, error)
}

// RetryPolicy computes the next-attempt schedule for a failed stage
// execution (§4.5).
type RetryPolicy interface {
	// NextAttempt returns the delay before retrying and whether the item
	// should instead move to a terminal/manual state because its class's
	// attempt budget is exhausted.
	NextAttempt(class FailureClass, attemptCount int) (delay time.Duration, exhausted bool)
}
