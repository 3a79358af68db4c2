// Package views implements the read-only observability surface (spec.md
// §6.3): get/list/history/metrics, all delegating straight to domain.Store
// since it already owns the aggregate queries. This package exists so
// callers depend on a narrow, read-only port instead of the full mutating
// Store interface.
package views

import (
	"fmt"

	"github.com/labelsquor/orchestrator/internal/domain"
)

// Views is the read-only query surface over the durable store.
type Views struct {
	store domain.Store
}

// New builds a Views over store.
func New(store domain.Store) *Views {
	return &Views{store: store}
}

// Get returns one item's current snapshot.
func (v *Views) Get(ctx domain.Context, workItemID string) (domain.WorkItem, error) {
	item, err := v.store.Get(ctx, workItemID)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("op=views.get: %w", err)
	}
	return item, nil
}

// List returns a bounded, filtered page of items.
func (v *Views) List(ctx domain.Context, filter domain.ListFilter) (domain.Page, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	page, err := v.store.List(ctx, filter)
	if err != nil {
		return domain.Page{}, fmt.Errorf("op=views.list: %w", err)
	}
	return page, nil
}

// History returns one item's ordered transition audit trail.
func (v *Views) History(ctx domain.Context, workItemID string) ([]domain.Transition, error) {
	transitions, err := v.store.History(ctx, workItemID)
	if err != nil {
		return nil, fmt.Errorf("op=views.history: %w", err)
	}
	return transitions, nil
}

// Metrics computes the aggregate durations/throughput/error/quota view over
// the given time range.
func (v *Views) Metrics(ctx domain.Context, query domain.MetricsQuery) (domain.MetricsSummary, error) {
	summary, err := v.store.Metrics(ctx, query)
	if err != nil {
		return domain.MetricsSummary{}, fmt.Errorf("op=views.metrics: %w", err)
	}
	return summary, nil
}
