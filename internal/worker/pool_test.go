package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelsquor/orchestrator/internal/domain"
	"github.com/labelsquor/orchestrator/internal/executor"
	"github.com/labelsquor/orchestrator/internal/lock"
	"github.com/labelsquor/orchestrator/internal/retry"
	"github.com/labelsquor/orchestrator/internal/scheduler"
	"github.com/labelsquor/orchestrator/internal/statemachine"
)

// memStore is a minimal in-memory domain.Store sufficient to exercise the
// worker pool's full claim/execute/commit cycle without a database.
type memStore struct {
	domain.Store
	mu          sync.Mutex
	items       map[string]domain.WorkItem
	deadLetters []domain.DeadLetter
	extendCalls int
}

func newMemStore(items ...domain.WorkItem) *memStore {
	m := &memStore{items: map[string]domain.WorkItem{}}
	for _, it := range items {
		m.items[it.ID] = it
	}
	return m
}

func (m *memStore) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return domain.WorkItem{}, domain.ErrNotFound
	}
	return it, nil
}

func (m *memStore) DispatchCandidates(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkItem
	for _, it := range m.items {
		if it.State == domain.StateReady && it.LockHolder == "" {
			out = append(out, it)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) ReclaimableLocks(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkItem
	for _, it := range m.items {
		if it.State == domain.StateRunning && it.LockExpiresAt != nil && it.LockExpiresAt.Before(time.Now()) {
			out = append(out, it)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) AcquireLockIfFree(ctx context.Context, req domain.LockRequest) (domain.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[req.WorkItemID]
	if !ok {
		return domain.WorkItem{}, domain.ErrNotFound
	}
	if it.LockHolder != "" && it.LockExpiresAt != nil && it.LockExpiresAt.After(time.Now()) {
		return domain.WorkItem{}, domain.ErrLockHeld
	}
	it.LockHolder = req.WorkerID
	now := time.Now()
	expiry := now.Add(time.Duration(req.LeaseSeconds) * time.Second)
	it.LockAcquiredAt = &now
	it.LockExpiresAt = &expiry
	m.items[req.WorkItemID] = it
	return it, nil
}

func (m *memStore) ReleaseLock(ctx context.Context, workItemID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[workItemID]
	if !ok {
		return domain.ErrNotFound
	}
	if it.LockHolder != workerID {
		return nil
	}
	it.LockHolder = ""
	it.LockExpiresAt = nil
	m.items[workItemID] = it
	return nil
}

func (m *memStore) ExtendLock(ctx context.Context, workItemID, workerID string, leaseSeconds int) (domain.WorkItem, error) {
	m.mu.Lock()
	m.extendCalls++
	m.mu.Unlock()
	return m.AcquireLockIfFree(ctx, domain.LockRequest{WorkItemID: workItemID, WorkerID: workerID, LeaseSeconds: leaseSeconds})
}

func (m *memStore) CompareAndTransition(ctx context.Context, req domain.TransitionRequest) (domain.TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[req.WorkItemID]
	if !ok {
		return domain.TransitionResult{}, domain.ErrNotFound
	}
	if it.State != req.FromState || it.Version != req.ExpectedVersion {
		return domain.TransitionResult{}, domain.ErrConflict
	}
	if err := statemachine.Validate(req.FromState, req.ToState); err != nil {
		return domain.TransitionResult{}, err
	}

	it.State = req.ToState
	it.Version++
	it.AttemptCount += req.AttemptDelta
	it.QuotaExceededCount += req.QuotaExceededDelta
	if req.Stage != nil {
		it.Stage = *req.Stage
	}
	if req.PartialUpdates != nil {
		if it.PartialResults == nil {
			it.PartialResults = map[string]any{}
		}
		for k, v := range req.PartialUpdates {
			it.PartialResults[k] = v
		}
	}
	if req.NextAttemptAt != nil {
		it.NextAttemptAt = req.NextAttemptAt
	} else if req.ToState == domain.StateReady {
		it.NextAttemptAt = nil
	}
	if req.LastError != nil {
		it.LastError = req.LastError
	}
	if req.ToState == domain.StateCompleted {
		now := time.Now()
		it.CompletedAt = &now
	}
	if req.ToState == domain.StateRunning && it.StartedAt == nil {
		now := time.Now()
		it.StartedAt = &now
	}
	if req.ToState == domain.StateCancelled {
		it.CancelRequested = false
	}
	m.items[req.WorkItemID] = it
	return domain.TransitionResult{Item: it}, nil
}

func (m *memStore) RecordMetric(ctx context.Context, metric domain.Metric) error { return nil }

func (m *memStore) InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, dl)
	return nil
}

func newTestPool(store domain.Store, handlers map[domain.Stage]domain.StageHandler) *Pool {
	dispatcher := scheduler.New(store)
	locks := lock.New(store, 300*time.Second)
	exec := executor.New(handlers, time.Second)
	policy := retry.New(retry.DefaultConfig())
	return New(store, dispatcher, locks, exec, policy, Config{NumWorkers: 1, IdleBackoff: time.Millisecond})
}

func TestTick_AdvancesReadyItemThroughSuccessfulStage(t *testing.T) {
	item := domain.WorkItem{ID: "wi1", State: domain.StateReady, Stage: domain.StageDiscovery, Version: 1}
	store := newMemStore(item)
	handlers := map[domain.Stage]domain.StageHandler{
		domain.StageDiscovery: domain.StageHandlerFunc(func(ctx context.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			return domain.Done(map[string]any{"found": 1}), nil
		}),
	}
	p := newTestPool(store, handlers)

	did, err := p.tick(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.True(t, did)

	updated, _ := store.Get(context.Background(), "wi1")
	assert.Equal(t, domain.StateReady, updated.State)
	assert.Equal(t, domain.StageImageFetch, updated.Stage)
}

func TestTick_CompletesOnLastStage(t *testing.T) {
	item := domain.WorkItem{ID: "wi1", State: domain.StateReady, Stage: domain.StageNotification, Version: 1}
	store := newMemStore(item)
	handlers := map[domain.Stage]domain.StageHandler{
		domain.StageNotification: domain.StageHandlerFunc(func(ctx context.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			return domain.Done(nil), nil
		}),
	}
	p := newTestPool(store, handlers)

	_, err := p.tick(context.Background(), "worker-1")
	require.NoError(t, err)

	updated, _ := store.Get(context.Background(), "wi1")
	assert.Equal(t, domain.StateCompleted, updated.State)
	assert.NotNil(t, updated.CompletedAt)
}

func TestTick_CancellationObservedAtStageBoundary(t *testing.T) {
	item := domain.WorkItem{ID: "wi1", State: domain.StateReady, Stage: domain.StageDiscovery, Version: 1, CancelRequested: true}
	store := newMemStore(item)
	called := false
	handlers := map[domain.Stage]domain.StageHandler{
		domain.StageDiscovery: domain.StageHandlerFunc(func(ctx context.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			called = true
			return domain.Done(nil), nil
		}),
	}
	p := newTestPool(store, handlers)

	_, err := p.tick(context.Background(), "worker-1")
	require.NoError(t, err)

	updated, _ := store.Get(context.Background(), "wi1")
	assert.Equal(t, domain.StateCancelled, updated.State)
	assert.False(t, called, "handler must not run once cancellation is observed")
}

func TestTick_ValidationFailureSuspendsItem(t *testing.T) {
	item := domain.WorkItem{ID: "wi1", State: domain.StateReady, Stage: domain.StageEnrichment, Version: 1}
	store := newMemStore(item)
	handlers := map[domain.Stage]domain.StageHandler{
		domain.StageEnrichment: domain.StageHandlerFunc(func(ctx context.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			return domain.Outcome{}, domain.NewStageFailure(domain.ClassValidation, "schema_mismatch")
		}),
	}
	p := newTestPool(store, handlers)

	_, err := p.tick(context.Background(), "worker-1")
	require.NoError(t, err)

	updated, _ := store.Get(context.Background(), "wi1")
	assert.Equal(t, domain.StateSuspended, updated.State)
}

func TestTick_FatalFailureDeadLettersItem(t *testing.T) {
	item := domain.WorkItem{ID: "wi1", State: domain.StateReady, Stage: domain.StageDataMapping, Version: 1}
	store := newMemStore(item)
	handlers := map[domain.Stage]domain.StageHandler{
		domain.StageDataMapping: domain.StageHandlerFunc(func(ctx context.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			return domain.Outcome{}, domain.NewStageFailure(domain.ClassFatal, "missing_dependency")
		}),
	}
	p := newTestPool(store, handlers)

	_, err := p.tick(context.Background(), "worker-1")
	require.NoError(t, err)

	updated, _ := store.Get(context.Background(), "wi1")
	assert.Equal(t, domain.StateDeadLettered, updated.State)
	assert.Len(t, store.deadLetters, 1)
}

func TestTick_TransientFailureSchedulesRetryWithBackoff(t *testing.T) {
	item := domain.WorkItem{ID: "wi1", State: domain.StateReady, Stage: domain.StageScoring, Version: 1}
	store := newMemStore(item)
	handlers := map[domain.Stage]domain.StageHandler{
		domain.StageScoring: domain.StageHandlerFunc(func(ctx context.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			return domain.Outcome{}, domain.NewStageFailure(domain.ClassTransient, "connection_reset")
		}),
	}
	p := newTestPool(store, handlers)

	_, err := p.tick(context.Background(), "worker-1")
	require.NoError(t, err)

	updated, _ := store.Get(context.Background(), "wi1")
	assert.Equal(t, domain.StateRetryScheduled, updated.State)
	require.NotNil(t, updated.NextAttemptAt)
	assert.True(t, updated.NextAttemptAt.After(time.Now()))
	assert.Equal(t, 1, updated.AttemptCount)
}

func TestTick_QuotaExceededPreservesProgressAndSchedulesResume(t *testing.T) {
	resetAt := time.Now().Add(time.Minute)
	item := domain.WorkItem{ID: "wi1", State: domain.StateReady, Stage: domain.StageImageFetch, Version: 1}
	store := newMemStore(item)
	handlers := map[domain.Stage]domain.StageHandler{
		domain.StageImageFetch: domain.StageHandlerFunc(func(ctx context.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			return domain.QuotaExceeded("vision", resetAt, map[string]any{"images_fetched": 4}), nil
		}),
	}
	p := newTestPool(store, handlers)

	_, err := p.tick(context.Background(), "worker-1")
	require.NoError(t, err)

	updated, _ := store.Get(context.Background(), "wi1")
	assert.Equal(t, domain.StateQuotaExceeded, updated.State)
	assert.Equal(t, 1, updated.QuotaExceededCount)
	require.NotNil(t, updated.NextAttemptAt)
	assert.True(t, updated.NextAttemptAt.After(resetAt) || updated.NextAttemptAt.Equal(resetAt))
	require.NotNil(t, updated.LastError)
	assert.Equal(t, "quota_exceeded:vision", updated.LastError.Reason)
}

func TestCandidate_ExtendsLockLeaseDuringLongRunningStage(t *testing.T) {
	item := domain.WorkItem{ID: "wi1", State: domain.StateReady, Stage: domain.StageScoring, Version: 1}
	store := newMemStore(item)
	handlers := map[domain.Stage]domain.StageHandler{
		domain.StageScoring: domain.StageHandlerFunc(func(ctx context.Context, item domain.WorkItem, stage domain.Stage) (domain.Outcome, error) {
			time.Sleep(250 * time.Millisecond)
			return domain.Done(nil), nil
		}),
	}
	dispatcher := scheduler.New(store)
	locks := lock.New(store, 150*time.Millisecond)
	exec := executor.New(handlers, time.Second)
	policy := retry.New(retry.DefaultConfig())
	p := New(store, dispatcher, locks, exec, policy, Config{NumWorkers: 1, IdleBackoff: time.Millisecond})

	_, err := p.tick(context.Background(), "worker-1")
	require.NoError(t, err)

	store.mu.Lock()
	calls := store.extendCalls
	store.mu.Unlock()
	assert.Greater(t, calls, 0, "a stage longer than one renewal interval must extend the lease at least once")
}

func TestTick_ReclaimsExpiredLockAndFailsItem(t *testing.T) {
	expired := time.Now().Add(-time.Minute)
	item := domain.WorkItem{
		ID: "wi1", State: domain.StateRunning, Stage: domain.StageScoring, Version: 1,
		LockHolder: "dead-worker", LockExpiresAt: &expired,
	}
	store := newMemStore(item)
	p := newTestPool(store, map[domain.Stage]domain.StageHandler{})

	did, err := p.tick(context.Background(), "worker-2")
	require.NoError(t, err)
	assert.True(t, did)

	updated, _ := store.Get(context.Background(), "wi1")
	assert.Equal(t, domain.StateRetryScheduled, updated.State)
	assert.Equal(t, "", updated.LockHolder)
}

func TestTick_NoWorkReturnsFalse(t *testing.T) {
	store := newMemStore()
	p := newTestPool(store, map[domain.Stage]domain.StageHandler{})

	did, err := p.tick(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.False(t, did)
}
