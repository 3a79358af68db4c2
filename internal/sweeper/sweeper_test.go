package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelsquor/orchestrator/internal/domain"
)

type fakeSweepStore struct {
	domain.Store
	mu sync.Mutex

	quotaExceeded  []domain.WorkItem
	retryScheduled []domain.WorkItem

	transitions []domain.TransitionRequest
	conflictIDs map[string]bool
}

func (f *fakeSweepStore) SweepQuotaExceeded(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	return f.quotaExceeded, nil
}

func (f *fakeSweepStore) SweepRetryScheduled(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	return f.retryScheduled, nil
}

func (f *fakeSweepStore) CompareAndTransition(ctx context.Context, req domain.TransitionRequest) (domain.TransitionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, req)
	if f.conflictIDs[req.WorkItemID] {
		return domain.TransitionResult{}, domain.ErrConflict
	}
	return domain.TransitionResult{Item: domain.WorkItem{ID: req.WorkItemID, State: req.ToState, Version: req.ExpectedVersion + 1}}, nil
}

type fakeQuota struct {
	capacity map[string]bool
}

func (f *fakeQuota) Check(ctx context.Context, service string, estimated domain.Cost) (domain.QuotaDecision, error) {
	return domain.QuotaDecision{Allowed: true}, nil
}
func (f *fakeQuota) Record(ctx context.Context, service string, actual domain.Cost, workItemID string) error {
	return nil
}
func (f *fakeQuota) ResetInstant(ctx context.Context, service string) (time.Time, error) {
	return time.Time{}, nil
}
func (f *fakeQuota) HasCapacity(ctx context.Context, service string) (bool, error) {
	return f.capacity[service], nil
}

func TestSweepQuotaExceeded_ResumesWhenCapacityAvailable(t *testing.T) {
	item := domain.WorkItem{
		ID: "wi1", Version: 3, Stage: domain.StageScoring,
		LastError: &domain.ErrorInfo{Reason: "quota_exceeded:scoring_api"},
	}
	store := &fakeSweepStore{quotaExceeded: []domain.WorkItem{item}}
	quota := &fakeQuota{capacity: map[string]bool{"scoring_api": true}}
	s := New(store, quota, time.Hour, 10)

	err := s.sweepQuotaExceeded(context.Background())
	require.NoError(t, err)
	require.Len(t, store.transitions, 1)
	assert.Equal(t, domain.StateReady, store.transitions[0].ToState)
	assert.Equal(t, domain.StateQuotaExceeded, store.transitions[0].FromState)
}

func TestSweepQuotaExceeded_SkipsWhenNoCapacity(t *testing.T) {
	item := domain.WorkItem{
		ID: "wi1", Version: 3, Stage: domain.StageScoring,
		LastError: &domain.ErrorInfo{Reason: "quota_exceeded:scoring_api"},
	}
	store := &fakeSweepStore{quotaExceeded: []domain.WorkItem{item}}
	quota := &fakeQuota{capacity: map[string]bool{"scoring_api": false}}
	s := New(store, quota, time.Hour, 10)

	err := s.sweepQuotaExceeded(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.transitions)
}

func TestSweepQuotaExceeded_SkipsOnConflictWithoutError(t *testing.T) {
	item := domain.WorkItem{
		ID: "wi1", Version: 3, Stage: domain.StageScoring,
		LastError: &domain.ErrorInfo{Reason: "quota_exceeded:scoring_api"},
	}
	store := &fakeSweepStore{
		quotaExceeded: []domain.WorkItem{item},
		conflictIDs:   map[string]bool{"wi1": true},
	}
	quota := &fakeQuota{capacity: map[string]bool{"scoring_api": true}}
	s := New(store, quota, time.Hour, 10)

	err := s.sweepQuotaExceeded(context.Background())
	assert.NoError(t, err)
}

func TestSweepRetryScheduled_UnconditionallyAttemptsTransition(t *testing.T) {
	item := domain.WorkItem{ID: "wi2", Version: 1, Stage: domain.StageEnrichment}
	store := &fakeSweepStore{retryScheduled: []domain.WorkItem{item}}
	s := New(store, nil, time.Hour, 10)

	err := s.sweepRetryScheduled(context.Background())
	require.NoError(t, err)
	require.Len(t, store.transitions, 1)
	assert.Equal(t, domain.StateRetryScheduled, store.transitions[0].FromState)
	assert.Equal(t, domain.StateReady, store.transitions[0].ToState)
}

func TestServiceFromLastError_ParsesQuotaReason(t *testing.T) {
	item := domain.WorkItem{LastError: &domain.ErrorInfo{Reason: "quota_exceeded:enrichment_api"}}
	assert.Equal(t, "enrichment_api", serviceFromLastError(item))
}

func TestServiceFromLastError_EmptyWhenNoLastError(t *testing.T) {
	assert.Equal(t, "", serviceFromLastError(domain.WorkItem{}))
}

func TestSweepOnce_RunsBothPassesWithoutPanicking(t *testing.T) {
	store := &fakeSweepStore{
		quotaExceeded:  []domain.WorkItem{{ID: "a", Stage: domain.StageScoring}},
		retryScheduled: []domain.WorkItem{{ID: "b", Stage: domain.StageIndexing}},
	}
	quota := &fakeQuota{capacity: map[string]bool{}}
	s := New(store, quota, time.Hour, 10)

	s.sweepOnce(context.Background())
	assert.Len(t, store.transitions, 1) // only the retry-scheduled one, quota has no capacity entry
}
