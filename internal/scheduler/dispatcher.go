// Package scheduler implements the Scheduler/Dispatcher (spec.md §4.9): it
// selects the next ready work item by the ordered predicate the store
// already encodes in DispatchCandidates, and is otherwise stateless. A
// claim from Next is advisory only — the worker's subsequent
// READY->RUNNING compare-and-transition is what actually hands the item
// off, so two workers racing Next never corrupt state, they just waste one
// loop iteration.
package scheduler

import (
	"context"
	"fmt"

	"github.com/labelsquor/orchestrator/internal/domain"
)

// Dispatcher hands workers their next candidate work item.
type Dispatcher struct {
	store domain.Store
}

// New builds a Dispatcher over store.
func New(store domain.Store) *Dispatcher {
	return &Dispatcher{store: store}
}

// Next returns up to n READY, unlocked, due work items ordered by priority
// then enqueue time (§4.9). It returns an empty slice, not an error, when
// nothing is currently ready.
func (d *Dispatcher) Next(ctx context.Context, n int) ([]domain.WorkItem, error) {
	items, err := d.store.DispatchCandidates(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.next: %w", err)
	}
	return items, nil
}
