// Package statemachine is pure logic: the closed set of legal transitions
// between domain.State values. It performs no I/O and holds no reference to
// the store. The durable store's compare-and-transition checks only the
// expected state and version, not this table; this package is what callers
// consult before even attempting one, and what the worker/ingress/sweeper
// packages use to build a TransitionRequest whose (from, to) pair is legal.
package statemachine

import (
	"fmt"

	"github.com/labelsquor/orchestrator/internal/domain"
)

// edge is one row of the legal-transitions table.
type edge struct {
	from domain.State
	to   domain.State
}

// table enumerates every legal transition per spec §4.1. An attempted
// transition not present here is illegal regardless of any other condition.
var table = map[edge]bool{
	{domain.StateCreated, domain.StateReady}: true,

	{domain.StateRunning, domain.StateCompleted}:     true,
	{domain.StateRunning, domain.StateReady}:         true, // stage succeeded, not final
	{domain.StateRunning, domain.StateWaiting}:        true,
	{domain.StateRunning, domain.StateFailed}:         true,
	{domain.StateRunning, domain.StateQuotaExceeded}:  true,
	{domain.StateRunning, domain.StateCancelled}:      true, // observed at stage boundary

	{domain.StateFailed, domain.StateRetryScheduled}: true,
	{domain.StateFailed, domain.StateSuspended}:       true,
	{domain.StateFailed, domain.StateDeadLettered}:    true,

	{domain.StateRetryScheduled, domain.StateReady}: true,
	{domain.StateQuotaExceeded, domain.StateReady}:  true,
	{domain.StateSuspended, domain.StateReady}:      true,
	{domain.StateWaiting, domain.StateReady}:        true,

	{domain.StateReady, domain.StateRunning}:           true,
	{domain.StateReady, domain.StateCancelled}:          true,
	{domain.StateRetryScheduled, domain.StateCancelled}: true,
	{domain.StateQuotaExceeded, domain.StateCancelled}:  true,
	{domain.StateSuspended, domain.StateCancelled}:      true,
}

// Legal reports whether from->to is a row in the legal-transitions table,
// independent of any store-level version/lock check.
func Legal(from, to domain.State) bool {
	return table[edge{from, to}]
}

// Validate returns a wrapped domain.ErrIllegalTransition if from->to is not
// in the table. Callers pass the result straight through so a store
// implementation never has to special-case "caller asked for something
// impossible" versus "someone else won the race" (domain.ErrConflict).
func Validate(from, to domain.State) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal, no outbound transitions", domain.ErrIllegalTransition, from)
	}
	if !Legal(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, to)
	}
	return nil
}

// AdvanceStage returns the stage a RUNNING item moves to after stage
// succeeds, and the State that transition lands in: StateReady with the
// next stage if there is one, or StateCompleted (stage left as the final
// stage) if stage was the last one in the pipeline.
func AdvanceStage(stage domain.Stage) (nextState domain.State, nextStage domain.Stage) {
	next, ok := stage.Next()
	if !ok {
		return domain.StateCompleted, stage
	}
	return domain.StateReady, next
}

// QuotaResumeLegal mirrors the spec's tie-break: QUOTA_EXCEEDED -> READY is
// only legal given quota capacity, a condition the state table alone can't
// express. Callers must check this (via the quota manager) in addition to
// Legal/Validate before attempting that specific transition.
func QuotaResumeLegal(hasCapacity bool) bool {
	return hasCapacity
}

// CancellableFrom reports whether state is one of the non-RUNNING,
// non-terminal states cancel() may transition directly out of (§6.1). A
// RUNNING item is cancelled indirectly, via RequestCancellation observed at
// the next stage boundary, never by this table.
func CancellableFrom(state domain.State) bool {
	switch state {
	case domain.StateReady, domain.StateRetryScheduled, domain.StateQuotaExceeded, domain.StateSuspended:
		return true
	default:
		return false
	}
}

// RetryableFrom reports whether state is a state retry() may transition out
// of (§6.1: "from FAILED or SUSPENDED -> READY").
func RetryableFrom(state domain.State) bool {
	return state == domain.StateFailed || state == domain.StateSuspended
}

// SuspendableFrom reports whether state is a state suspend() may transition
// out of (§6.1: "from FAILED -> SUSPENDED").
func SuspendableFrom(state domain.State) bool {
	return state == domain.StateFailed
}

// WakeableFrom reports whether state is a state wake() may transition out of
// (SPEC_FULL.md §3's supplemented wake operation: WAITING -> READY).
func WakeableFrom(state domain.State) bool {
	return state == domain.StateWaiting
}
