package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelsquor/orchestrator/internal/domain"
)

type fakeEventStore struct {
	domain.Store
	mu        sync.Mutex
	events    []domain.Event
	delivered map[string]bool
}

func newFakeEventStore(events ...domain.Event) *fakeEventStore {
	return &fakeEventStore{events: events, delivered: map[string]bool{}}
}

func (f *fakeEventStore) UndeliveredEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Event
	for _, e := range f.events {
		if f.delivered[e.ID] {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeEventStore) MarkDelivered(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered[eventID] = true
	return nil
}

func (f *fakeEventStore) isDelivered(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered[id]
}

type fakeSubscriber struct {
	name       string
	failTimes  int
	calls      int
	handledIDs []string
	mu         sync.Mutex
}

func (s *fakeSubscriber) Name() string { return s.name }

func (s *fakeSubscriber) Handle(ctx context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.handledIDs = append(s.handledIDs, event.ID)
	if s.calls <= s.failTimes {
		return errors.New("transient subscriber failure")
	}
	return nil
}

func TestDeliverOnce_MarksDeliveredOnlyWhenAllSubscribersSucceed(t *testing.T) {
	store := newFakeEventStore(domain.Event{ID: "ev1", WorkItemID: "wi1", Type: domain.EventStateChanged})
	bus := New(store, time.Hour, 10)

	good := &fakeSubscriber{name: "good"}
	bad := &fakeSubscriber{name: "bad", failTimes: 100}
	bus.Subscribe(good)
	bus.Subscribe(bad)

	bus.deliverOnce(context.Background())

	assert.False(t, store.isDelivered("ev1"))
	assert.Equal(t, 1, good.calls)
	assert.Equal(t, 1, bad.calls)
}

func TestDeliverOnce_RetriesOnlyAfterBackoffElapses(t *testing.T) {
	store := newFakeEventStore(domain.Event{ID: "ev1", WorkItemID: "wi1", Type: domain.EventStateChanged})
	bus := New(store, time.Hour, 10)

	sub := &fakeSubscriber{name: "flaky", failTimes: 1}
	bus.Subscribe(sub)

	bus.deliverOnce(context.Background())
	require.Equal(t, 1, sub.calls)
	assert.False(t, store.isDelivered("ev1"))

	// Immediately retrying again should be a no-op: the backoff schedule
	// was just set and hasn't elapsed.
	bus.deliverOnce(context.Background())
	assert.Equal(t, 1, sub.calls)

	// Force the schedule to be due and try again.
	bus.mu.Lock()
	bus.nextTry["ev1"] = time.Now().Add(-time.Second)
	bus.mu.Unlock()

	bus.deliverOnce(context.Background())
	assert.Equal(t, 2, sub.calls)
	assert.True(t, store.isDelivered("ev1"))
}

func TestDeliverOnce_DeliversEventsIndependently(t *testing.T) {
	store := newFakeEventStore(
		domain.Event{ID: "ev1", WorkItemID: "wi1", Type: domain.EventStateChanged},
		domain.Event{ID: "ev2", WorkItemID: "wi2", Type: domain.EventStateChanged},
	)
	bus := New(store, time.Hour, 10)
	sub := &fakeSubscriber{name: "ok"}
	bus.Subscribe(sub)

	bus.deliverOnce(context.Background())

	assert.True(t, store.isDelivered("ev1"))
	assert.True(t, store.isDelivered("ev2"))
	assert.ElementsMatch(t, []string{"ev1", "ev2"}, sub.handledIDs)
}

func TestClearBackoff_RemovesScheduleState(t *testing.T) {
	store := newFakeEventStore()
	bus := New(store, time.Hour, 10)
	bus.scheduleRetry("ev1")
	assert.False(t, bus.dueForRetry("ev1"))

	bus.clearBackoff("ev1")
	assert.True(t, bus.dueForRetry("ev1"))
}
