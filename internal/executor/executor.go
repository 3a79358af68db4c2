// Package executor implements the Stage Executor (spec.md §4.7): it runs a
// domain.StageHandler under a per-stage timeout and circuit breaker,
// classifies whatever the handler raises, and normalizes the result to a
// domain.Outcome. It never touches the store directly — the worker pool
// maps the returned Outcome to a transition.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/labelsquor/orchestrator/internal/domain"
	"github.com/labelsquor/orchestrator/internal/observability"
)

// Executor dispatches to stage handlers, adapted from the teacher's
// per-model CircuitBreakerManager (internal/adapter/ai/circuit_breaker.go):
// one breaker per stage key instead of one per AI model, built on
// sony/gobreaker instead of the teacher's hand-rolled state machine.
type Executor struct {
	handlers map[domain.Stage]domain.StageHandler
	timeout  time.Duration
	breakers breakerManager
}

// New builds an Executor. handlers maps each pipeline stage to the external
// collaborator that implements it (§6.2); stageTimeout bounds every
// handler invocation.
func New(handlers map[domain.Stage]domain.StageHandler, stageTimeout time.Duration) *Executor {
	return &Executor{
		handlers: handlers,
		timeout:  stageTimeout,
		breakers: newBreakerManager(),
	}
}

// Run executes item's current stage (§4.7): it times the call, counts the
// result by kind (done, failed, quota_exceeded, partial, timeout,
// circuit_open) in the stage-outcome metric, records the stage duration
// when the handler returns an Outcome, and classifies any raised error into
// the Outcome the caller will map to a transition.
// Handlers MUST be idempotent w.r.t. their stage key, since at-least-once
// delivery means a stage may run more than once for the same item.
func (e *Executor) Run(ctx context.Context, item domain.WorkItem, stage domain.Stage) domain.Outcome {
	handler, ok := e.handlers[stage]
	if !ok {
		return domain.Failed(domain.ClassFatal, "no_handler", fmt.Sprintf("no stage handler registered for %s", stage))
	}

	stageCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	breaker := e.breakers.get(stage)
	start := time.Now()

	result, err := breaker.Execute(func() (interface{}, error) {
		return handler.Execute(stageCtx, item, stage)
	})

	elapsed := time.Since(start)

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			observability.ObserveStageOutcome(string(stage), "circuit_open")
			return domain.Failed(domain.ClassTransient, "circuit_open", err.Error())
		}

		if stageCtx.Err() == context.DeadlineExceeded {
			observability.ObserveStageOutcome(string(stage), "timeout")
			return domain.Failed(domain.ClassTransient, "timeout", fmt.Sprintf("stage exceeded %s", e.timeout))
		}

		if qe, ok := domain.AsQuotaExceeded(err); ok {
			observability.ObserveStageOutcome(string(stage), "quota_exceeded")
			return domain.QuotaExceeded(qe.Service, qe.ResetAt, item.PartialResults)
		}

		class := domain.ClassifyError(err)
		observability.ObserveStageOutcome(string(stage), "failed")
		return domain.Failed(class, reasonFor(err), err.Error())
	}

	outcome, ok := result.(domain.Outcome)
	if !ok {
		observability.ObserveStageOutcome(string(stage), "failed")
		return domain.Failed(domain.ClassFatal, "bad_handler_result", "stage handler returned a non-Outcome value")
	}

	observability.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
	switch outcome.Kind {
	case domain.OutcomeDone:
		observability.ObserveStageOutcome(string(stage), "done")
	case domain.OutcomeFailed:
		observability.ObserveStageOutcome(string(stage), "failed")
	case domain.OutcomeQuota:
		observability.ObserveStageOutcome(string(stage), "quota_exceeded")
	case domain.OutcomePartial:
		observability.ObserveStageOutcome(string(stage), "partial")
	}
	return outcome
}

func reasonFor(err error) string {
	if sf, ok := domain.AsStageFailure(err); ok {
		return sf.Reason
	}
	return "handler_error"
}

// breakerManager is a map of per-stage circuit breakers, pre-populated for
// the fixed pipeline and guarded for the rare concurrent miss (a handler
// registered for a stage outside domain.Stages).
type breakerManager struct {
	mu       sync.Mutex
	breakers map[domain.Stage]*gobreaker.CircuitBreaker
}

func newBreakerManager() breakerManager {
	bm := breakerManager{breakers: map[domain.Stage]*gobreaker.CircuitBreaker{}}
	for _, stage := range domain.Stages {
		bm.breakers[stage] = newBreakerFor(stage)
	}
	return bm
}

func (bm *breakerManager) get(stage domain.Stage) *gobreaker.CircuitBreaker {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if b, ok := bm.breakers[stage]; ok {
		return b
	}
	b := newBreakerFor(stage)
	bm.breakers[stage] = b
	return b
}

func newBreakerFor(stage domain.Stage) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        string(stage),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}
