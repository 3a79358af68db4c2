// Package ingress implements the operations the crawler/API layer calls
// (spec.md §6.1, plus the supplemented wake() operation from SPEC_FULL.md
// §3): enqueue, cancel, retry, suspend, wake. Every operation returns the
// updated WorkItem snapshot or one of domain.ErrNotFound,
// domain.ErrIllegalTransition, domain.ErrConflict, following the same
// validator.Struct-then-typed-error shape as the teacher's HTTP handlers.
package ingress

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/labelsquor/orchestrator/internal/domain"
	"github.com/labelsquor/orchestrator/internal/statemachine"
)

// EnqueueRequest is the boundary payload for Enqueue.
type EnqueueRequest struct {
	Payload  map[string]any `validate:"required"`
	Priority int            `validate:"gte=0"`
	Metadata map[string]any
}

// Ingress is the ingress port implementation, consulted only via Store.
type Ingress struct {
	store    domain.Store
	validate *validator.Validate
}

// New builds an Ingress over store.
func New(store domain.Store) *Ingress {
	return &Ingress{store: store, validate: validator.New()}
}

// Enqueue inserts a WorkItem in CREATED and immediately transitions it to
// READY (§6.1 enqueue).
func (i *Ingress) Enqueue(ctx domain.Context, req EnqueueRequest) (domain.WorkItem, error) {
	if err := i.validate.Struct(req); err != nil {
		return domain.WorkItem{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	created, err := i.store.Insert(ctx, domain.WorkItem{
		Priority: req.Priority,
		Payload:  req.Payload,
		State:    domain.StateCreated,
		Stage:    domain.Stages[0],
	})
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("op=ingress.enqueue.insert: %w", err)
	}

	result, err := i.store.CompareAndTransition(ctx, domain.TransitionRequest{
		WorkItemID:      created.ID,
		ExpectedVersion: created.Version,
		FromState:       domain.StateCreated,
		ToState:         domain.StateReady,
		Stage:           &created.Stage,
		Reason:          "enqueued",
		Actor:           "ingress",
		Metadata:        req.Metadata,
	})
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("op=ingress.enqueue.activate: %w", err)
	}
	return result.Item, nil
}

// Cancel implements §6.1 cancel: legal directly from any non-terminal,
// non-RUNNING state; for RUNNING it instead sets a cancellation request
// observed at the next stage boundary.
func (i *Ingress) Cancel(ctx domain.Context, workItemID, reason string) (domain.WorkItem, error) {
	item, err := i.store.Get(ctx, workItemID)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("op=ingress.cancel.get: %w", err)
	}

	if item.State == domain.StateRunning {
		if item.CancelRequested {
			return domain.WorkItem{}, domain.ErrAlreadyCancelled
		}
		if err := i.store.RequestCancellation(ctx, workItemID); err != nil {
			return domain.WorkItem{}, fmt.Errorf("op=ingress.cancel.request: %w", err)
		}
		item.CancelRequested = true
		return item, nil
	}

	if !statemachine.CancellableFrom(item.State) {
		return domain.WorkItem{}, fmt.Errorf("%w: %s is not cancellable", domain.ErrIllegalTransition, item.State)
	}

	result, err := i.store.CompareAndTransition(ctx, domain.TransitionRequest{
		WorkItemID:      item.ID,
		ExpectedVersion: item.Version,
		FromState:       item.State,
		ToState:         domain.StateCancelled,
		Stage:           &item.Stage,
		Reason:          reason,
		Actor:           "ingress",
	})
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("op=ingress.cancel.transition: %w", err)
	}
	return result.Item, nil
}

// Retry implements §6.1 retry: FAILED or SUSPENDED -> READY.
func (i *Ingress) Retry(ctx domain.Context, workItemID string) (domain.WorkItem, error) {
	item, err := i.store.Get(ctx, workItemID)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("op=ingress.retry.get: %w", err)
	}
	if !statemachine.RetryableFrom(item.State) {
		return domain.WorkItem{}, fmt.Errorf("%w: %s is not retryable", domain.ErrIllegalTransition, item.State)
	}

	result, err := i.store.CompareAndTransition(ctx, domain.TransitionRequest{
		WorkItemID:      item.ID,
		ExpectedVersion: item.Version,
		FromState:       item.State,
		ToState:         domain.StateReady,
		Stage:           &item.Stage,
		Reason:          "manual_retry",
		Actor:           "ingress",
		EventType:       domain.EventResumed,
	})
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("op=ingress.retry.transition: %w", err)
	}
	return result.Item, nil
}

// Suspend implements §6.1 suspend: FAILED -> SUSPENDED.
func (i *Ingress) Suspend(ctx domain.Context, workItemID, reason string) (domain.WorkItem, error) {
	item, err := i.store.Get(ctx, workItemID)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("op=ingress.suspend.get: %w", err)
	}
	if !statemachine.SuspendableFrom(item.State) {
		return domain.WorkItem{}, fmt.Errorf("%w: %s is not suspendable", domain.ErrIllegalTransition, item.State)
	}

	result, err := i.store.CompareAndTransition(ctx, domain.TransitionRequest{
		WorkItemID:      item.ID,
		ExpectedVersion: item.Version,
		FromState:       item.State,
		ToState:         domain.StateSuspended,
		Stage:           &item.Stage,
		Reason:          reason,
		Actor:           "ingress",
	})
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("op=ingress.suspend.transition: %w", err)
	}
	return result.Item, nil
}

// Wake implements the supplemented wake() operation (SPEC_FULL.md §3):
// WAITING -> READY, the counterpart to a stage handler's
// OutcomePartial(continue_next=false).
func (i *Ingress) Wake(ctx domain.Context, workItemID string) (domain.WorkItem, error) {
	item, err := i.store.Get(ctx, workItemID)
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("op=ingress.wake.get: %w", err)
	}
	if !statemachine.WakeableFrom(item.State) {
		return domain.WorkItem{}, fmt.Errorf("%w: %s is not wakeable", domain.ErrIllegalTransition, item.State)
	}

	result, err := i.store.CompareAndTransition(ctx, domain.TransitionRequest{
		WorkItemID:      item.ID,
		ExpectedVersion: item.Version,
		FromState:       item.State,
		ToState:         domain.StateReady,
		Stage:           &item.Stage,
		Reason:          "woken",
		Actor:           "ingress",
		EventType:       domain.EventResumed,
	})
	if err != nil {
		return domain.WorkItem{}, fmt.Errorf("op=ingress.wake.transition: %w", err)
	}
	return result.Item, nil
}
