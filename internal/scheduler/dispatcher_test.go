package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelsquor/orchestrator/internal/domain"
)

type fakeDispatchStore struct {
	domain.Store
	items []domain.WorkItem
	err   error
}

func (f *fakeDispatchStore) DispatchCandidates(ctx context.Context, limit int) ([]domain.WorkItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.items) {
		return f.items[:limit], nil
	}
	return f.items, nil
}

func TestNext_ReturnsCandidatesFromStore(t *testing.T) {
	store := &fakeDispatchStore{items: []domain.WorkItem{{ID: "wi1"}, {ID: "wi2"}}}
	d := New(store)

	items, err := d.Next(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestNext_RespectsLimit(t *testing.T) {
	store := &fakeDispatchStore{items: []domain.WorkItem{{ID: "wi1"}, {ID: "wi2"}, {ID: "wi3"}}}
	d := New(store)

	items, err := d.Next(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestNext_EmptyWhenNothingReady(t *testing.T) {
	store := &fakeDispatchStore{}
	d := New(store)

	items, err := d.Next(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestNext_WrapsStoreError(t *testing.T) {
	store := &fakeDispatchStore{err: errors.New("connection refused")}
	d := New(store)

	_, err := d.Next(context.Background(), 10)
	assert.Error(t, err)
}
