// Package eventbus implements the outbox delivery loop from spec.md §4.6: a
// separate loop reads undelivered events in insertion order and fans them
// out to in-process subscribers, retrying failed deliveries with backoff
// and never blocking the transaction that wrote the event in the first
// place.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/labelsquor/orchestrator/internal/domain"
	"github.com/labelsquor/orchestrator/internal/observability"
)

// Bus polls domain.Store for undelivered events and fans each one out to
// every registered subscriber.
type Bus struct {
	store        domain.Store
	pollInterval time.Duration
	batchSize    int

	mu      sync.Mutex
	subs    []domain.EventSubscriber
	retries map[string]*backoff.ExponentialBackOff
	nextTry map[string]time.Time
}

// New builds a Bus. pollInterval governs how often the delivery loop wakes
// to look for undelivered events.
func New(store domain.Store, pollInterval time.Duration, batchSize int) *Bus {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Bus{
		store:        store,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		retries:      map[string]*backoff.ExponentialBackOff{},
		nextTry:      map[string]time.Time{},
	}
}

// Subscribe registers an in-process event subscriber. Subscribers MUST be
// idempotent: the outbox guarantees at-least-once delivery, never
// exactly-once.
func (b *Bus) Subscribe(sub domain.EventSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
}

// Run blocks, polling for undelivered events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.deliverOnce(ctx)
		}
	}
}

// deliverOnce fetches a batch of undelivered events and attempts to fan each
// one out to every subscriber. An event is marked delivered only when every
// subscriber handles it successfully in the same pass; if any subscriber
// fails, the whole event is retried on a later tick per that event's own
// backoff schedule, and every subscriber, including those that already
// succeeded, receives it again. One failing event never holds up delivery
// of unrelated events.
func (b *Bus) deliverOnce(ctx context.Context) {
	events, err := b.store.UndeliveredEvents(ctx, b.batchSize)
	if err != nil {
		slog.Error("event bus failed to list undelivered events", slog.Any("error", err))
		return
	}

	b.mu.Lock()
	subs := make([]domain.EventSubscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, ev := range events {
		if !b.dueForRetry(ev.ID) {
			continue
		}

		allOK := true
		for _, sub := range subs {
			if err := sub.Handle(ctx, ev); err != nil {
				allOK = false
				observability.ObserveEventDeliveryFailure(sub.Name())
				slog.Warn("event subscriber failed",
					slog.String("subscriber", sub.Name()),
					slog.String("event_id", ev.ID),
					slog.String("work_item_id", ev.WorkItemID),
					slog.Any("error", err),
				)
			}
		}

		if allOK {
			if err := b.store.MarkDelivered(ctx, ev.ID); err != nil {
				slog.Error("failed to mark event delivered", slog.String("event_id", ev.ID), slog.Any("error", err))
				continue
			}
			b.clearBackoff(ev.ID)
		} else {
			b.scheduleRetry(ev.ID)
		}
	}
}

func (b *Bus) dueForRetry(eventID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, ok := b.nextTry[eventID]
	return !ok || !time.Now().Before(next)
}

func (b *Bus) scheduleRetry(eventID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bo, ok := b.retries[eventID]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = 1 * time.Second
		bo.MaxInterval = 5 * time.Minute
		bo.MaxElapsedTime = 0 // never give up; the event remains queryable indefinitely
		b.retries[eventID] = bo
	}
	b.nextTry[eventID] = time.Now().Add(bo.NextBackOff())
}

func (b *Bus) clearBackoff(eventID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.retries, eventID)
	delete(b.nextTry, eventID)
}
