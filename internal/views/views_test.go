package views

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelsquor/orchestrator/internal/domain"
)

type fakeViewStore struct {
	domain.Store
	item    domain.WorkItem
	page    domain.Page
	history []domain.Transition
	summary domain.MetricsSummary
	err     error
}

func (f *fakeViewStore) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	if f.err != nil {
		return domain.WorkItem{}, f.err
	}
	return f.item, nil
}

func (f *fakeViewStore) List(ctx context.Context, filter domain.ListFilter) (domain.Page, error) {
	if f.err != nil {
		return domain.Page{}, f.err
	}
	f.page.Total = int64(len(f.page.Items))
	return f.page, nil
}

func (f *fakeViewStore) History(ctx context.Context, id string) ([]domain.Transition, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.history, nil
}

func (f *fakeViewStore) Metrics(ctx context.Context, query domain.MetricsQuery) (domain.MetricsSummary, error) {
	if f.err != nil {
		return domain.MetricsSummary{}, f.err
	}
	return f.summary, nil
}

func TestGet_ReturnsSnapshot(t *testing.T) {
	store := &fakeViewStore{item: domain.WorkItem{ID: "wi1", State: domain.StateRunning}}
	v := New(store)

	item, err := v.Get(context.Background(), "wi1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, item.State)
}

func TestGet_WrapsNotFound(t *testing.T) {
	store := &fakeViewStore{err: domain.ErrNotFound}
	v := New(store)

	_, err := v.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestList_DefaultsLimitWhenUnset(t *testing.T) {
	store := &fakeViewStore{page: domain.Page{Items: []domain.WorkItem{{ID: "a"}, {ID: "b"}}}}
	v := New(store)

	page, err := v.List(context.Background(), domain.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
}

func TestHistory_ReturnsOrderedTransitions(t *testing.T) {
	store := &fakeViewStore{history: []domain.Transition{
		{FromState: domain.StateReady, ToState: domain.StateRunning},
		{FromState: domain.StateRunning, ToState: domain.StateCompleted},
	}}
	v := New(store)

	transitions, err := v.History(context.Background(), "wi1")
	require.NoError(t, err)
	assert.Len(t, transitions, 2)
}

func TestMetrics_ReturnsSummary(t *testing.T) {
	store := &fakeViewStore{summary: domain.MetricsSummary{Throughput: 12.5}}
	v := New(store)

	summary, err := v.Metrics(context.Background(), domain.MetricsQuery{From: time.Now().Add(-time.Hour), To: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 12.5, summary.Throughput)
}

func TestMetrics_WrapsStoreError(t *testing.T) {
	store := &fakeViewStore{err: errors.New("db down")}
	v := New(store)

	_, err := v.Metrics(context.Background(), domain.MetricsQuery{})
	assert.Error(t, err)
}
