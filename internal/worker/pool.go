// Package worker implements the Worker Pool (spec.md §4.8): N cooperating
// workers that claim ready items, drive them through one stage under a
// lock, map the Stage Executor's outcome to a transition, and loop.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/labelsquor/orchestrator/internal/domain"
	"github.com/labelsquor/orchestrator/internal/executor"
	"github.com/labelsquor/orchestrator/internal/lock"
	"github.com/labelsquor/orchestrator/internal/observability"
	"github.com/labelsquor/orchestrator/internal/scheduler"
	"github.com/labelsquor/orchestrator/internal/statemachine"
)

// Config bounds a Pool's behavior, per spec.md §6.5.
type Config struct {
	NumWorkers    int
	IdleBackoff   time.Duration
	MaxBackoff    time.Duration
	ShutdownGrace time.Duration
}

// Pool runs Config.NumWorkers worker loops against a shared store,
// dispatcher, lock manager, executor, and retry policy.
type Pool struct {
	store      domain.Store
	dispatcher *scheduler.Dispatcher
	locks      *lock.Manager
	exec       *executor.Executor
	retry      domain.RetryPolicy
	cfg        Config

	wg sync.WaitGroup
}

// New builds a Pool.
func New(store domain.Store, dispatcher *scheduler.Dispatcher, locks *lock.Manager, exec *executor.Executor, retry domain.RetryPolicy, cfg Config) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Pool{store: store, dispatcher: dispatcher, locks: locks, exec: exec, retry: retry, cfg: cfg}
}

// Run starts NumWorkers loops and blocks until ctx is cancelled and every
// worker has either finished its in-flight iteration or the shutdown grace
// period elapsed (§4.8, §5: leases of anything still in-flight past that
// point simply expire naturally and are reclaimed by another instance).
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.NumWorkers; i++ {
		workerID := fmt.Sprintf("worker-%s-%d", uuid.NewString()[:8], i)
		p.wg.Add(1)
		go func(id string) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(workerID)
	}

	<-ctx.Done()
	slog.Info("worker pool stopping, waiting for in-flight iterations", slog.Duration("grace", p.cfg.ShutdownGrace))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("worker pool stopped cleanly")
	case <-time.After(p.cfg.ShutdownGrace):
		slog.Warn("worker pool shutdown grace period elapsed; remaining leases will expire naturally")
	}
}

// loop is a single worker's claim -> lock -> transition -> execute ->
// commit -> release cycle (§4.8).
func (p *Pool) loop(ctx context.Context, workerID string) {
	backoff := p.cfg.IdleBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		did, err := p.tick(ctx, workerID)
		if err != nil {
			slog.Error("worker iteration failed", slog.String("worker_id", workerID), slog.Any("error", err))
			observability.ObserveWorkerLoopIteration("error")
			did = false
		}

		if did {
			backoff = p.cfg.IdleBackoff
			observability.ObserveWorkerLoopIteration("worked")
			continue
		}

		observability.ObserveWorkerLoopIteration("idle")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}
}

// tick runs one iteration: first it gives priority to reclaiming a RUNNING
// item whose lease has expired (§4.1 "tie-break": owner died, new owner
// fails it and applies retry policy), then falls back to a fresh READY
// claim. It reports whether it did any work.
func (p *Pool) tick(ctx context.Context, workerID string) (bool, error) {
	reclaimed, err := p.locks.Reclaimable(ctx, 1)
	if err != nil {
		return false, fmt.Errorf("op=worker.tick.reclaimable: %w", err)
	}
	if len(reclaimed) > 0 {
		return true, p.handleReclaimed(ctx, reclaimed[0], workerID)
	}

	candidates, err := p.dispatcher.Next(ctx, 1)
	if err != nil {
		return false, fmt.Errorf("op=worker.tick.dispatch: %w", err)
	}
	if len(candidates) == 0 {
		return false, nil
	}
	return true, p.handleCandidate(ctx, candidates[0], workerID)
}

// handleReclaimed takes over a RUNNING item whose lease has expired: the
// new owner transitions it RUNNING -> FAILED(reason=lock_expired) and
// immediately applies the retry policy, never re-executing the stage the
// dead worker was mid-way through (§4.1).
func (p *Pool) handleReclaimed(ctx context.Context, item domain.WorkItem, workerID string) error {
	locked, err := p.locks.Acquire(ctx, item.ID, workerID)
	if err != nil {
		if err == domain.ErrLockHeld {
			return nil
		}
		return fmt.Errorf("op=worker.reclaim.lock: %w", err)
	}
	defer p.releaseQuiet(ctx, item.ID, workerID)

	failed, err := p.transitionToFailed(ctx, locked, domain.ClassTransient, "lock_expired", "worker holding the lease did not renew it before lock_expires_at")
	if err != nil {
		return fmt.Errorf("op=worker.reclaim.fail: %w", err)
	}
	return p.resolveFailure(ctx, failed, domain.ClassTransient, "lock_expired")
}

// handleCandidate runs the full claim -> execute -> commit cycle for a
// fresh READY item.
func (p *Pool) handleCandidate(ctx context.Context, item domain.WorkItem, workerID string) error {
	locked, err := p.locks.Acquire(ctx, item.ID, workerID)
	if err != nil {
		if err == domain.ErrLockHeld {
			return nil
		}
		return fmt.Errorf("op=worker.candidate.lock: %w", err)
	}
	defer p.releaseQuiet(ctx, item.ID, workerID)

	toRunning, err := p.store.CompareAndTransition(ctx, domain.TransitionRequest{
		WorkItemID:      locked.ID,
		ExpectedVersion: locked.Version,
		FromState:       domain.StateReady,
		ToState:         domain.StateRunning,
		Stage:           &locked.Stage,
		Reason:          "claimed",
		Actor:           workerID,
		EventType:       domain.EventStageStarted,
	})
	if err != nil {
		if err == domain.ErrConflict {
			return nil
		}
		return fmt.Errorf("op=worker.candidate.to_running: %w", err)
	}
	running := toRunning.Item
	observability.ObserveTransition(string(domain.StateReady), string(domain.StateRunning))

	if running.CancelRequested {
		return p.cancelRunning(ctx, running, workerID)
	}

	stageStart := time.Now()
	outcome := p.runWithLeaseRenewal(ctx, running, workerID)
	p.recordStateDuration(ctx, running, time.Since(stageStart))

	return p.applyOutcome(ctx, running, outcome, workerID)
}

// runWithLeaseRenewal drives the stage executor while a background ticker
// periodically extends workerID's lock lease, so a stage that runs close to
// the lease duration never loses its lock mid-execution (spec.md §4.3's
// "workers MUST periodically extend the lease while actively executing a
// stage"). The ticker stops as soon as the executor call returns.
func (p *Pool) runWithLeaseRenewal(ctx context.Context, item domain.WorkItem, workerID string) domain.Outcome {
	renewCtx, stopRenewing := context.WithCancel(ctx)
	defer stopRenewing()

	interval := p.locks.LeaseDuration() / 3
	if interval <= 0 {
		interval = 100 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if _, err := p.locks.Extend(ctx, item.ID, workerID); err != nil {
					slog.Warn("failed to extend lock lease", slog.String("work_item_id", item.ID), slog.Any("error", err))
				}
			}
		}
	}()

	return p.exec.Run(ctx, item, item.Stage)
}

// cancelRunning implements the RUNNING -> CANCELLED edge for an item whose
// cancellation was requested and is now observed at this stage boundary.
func (p *Pool) cancelRunning(ctx context.Context, item domain.WorkItem, workerID string) error {
	_, err := p.store.CompareAndTransition(ctx, domain.TransitionRequest{
		WorkItemID:      item.ID,
		ExpectedVersion: item.Version,
		FromState:       domain.StateRunning,
		ToState:         domain.StateCancelled,
		Stage:           &item.Stage,
		Reason:          "cancellation_observed",
		Actor:           workerID,
	})
	if err != nil {
		return fmt.Errorf("op=worker.cancel: %w", err)
	}
	observability.ObserveTransition(string(domain.StateRunning), string(domain.StateCancelled))
	return nil
}

// applyOutcome maps a Stage Executor outcome to the transition(s) it
// implies (§4.7 step 6, §4.1).
func (p *Pool) applyOutcome(ctx context.Context, running domain.WorkItem, outcome domain.Outcome, workerID string) error {
	switch outcome.Kind {
	case domain.OutcomeDone:
		return p.applyDone(ctx, running, outcome, workerID)
	case domain.OutcomeQuota:
		return p.applyQuotaExceeded(ctx, running, outcome, workerID)
	case domain.OutcomePartial:
		return p.applyPartial(ctx, running, outcome, workerID)
	case domain.OutcomeFailed:
		failed, err := p.transitionToFailed(ctx, running, outcome.Class, outcome.Reason, outcome.Details)
		if err != nil {
			return fmt.Errorf("op=worker.apply_outcome.failed: %w", err)
		}
		return p.resolveFailure(ctx, failed, outcome.Class, outcome.Reason)
	default:
		return fmt.Errorf("op=worker.apply_outcome: unrecognized outcome kind %q", outcome.Kind)
	}
}

// applyDone advances to the next stage, or to COMPLETED if this was the
// last one (§4.1).
func (p *Pool) applyDone(ctx context.Context, running domain.WorkItem, outcome domain.Outcome, workerID string) error {
	nextState, nextStage := statemachine.AdvanceStage(running.Stage)

	// The store merges PartialUpdates into partial_results via a top-level
	// jsonb ||, so only the incremental stage->summary entry is sent, not
	// the whole accumulated map; completed_at is set by the store itself
	// once ToState is COMPLETED.
	req := domain.TransitionRequest{
		WorkItemID:      running.ID,
		ExpectedVersion: running.Version,
		FromState:       domain.StateRunning,
		ToState:         nextState,
		Stage:           &nextStage,
		Reason:          "stage_done",
		Actor:           workerID,
		PartialUpdates:  map[string]any{string(running.Stage): outcome.Summary},
		EventType:       domain.EventStageCompleted,
	}

	_, err := p.store.CompareAndTransition(ctx, req)
	if err != nil {
		if err == domain.ErrConflict {
			return nil
		}
		return fmt.Errorf("op=worker.apply_done: %w", err)
	}
	observability.ObserveTransition(string(domain.StateRunning), string(nextState))
	return nil
}

// applyQuotaExceeded implements §4.4's worker-side half: RUNNING ->
// QUOTA_EXCEEDED, preserving partial_results and scheduling a resume
// attempt shortly after the quota's reset instant.
func (p *Pool) applyQuotaExceeded(ctx context.Context, running domain.WorkItem, outcome domain.Outcome, workerID string) error {
	nextAttempt := outcome.ResetAt.Add(jitter(5 * time.Second))

	partial := map[string]any{}
	for k, v := range outcome.Partial {
		partial[k] = v
	}
	partial["_meta"] = map[string]any{"progress_percentage": running.ProgressPercentage()}

	_, err := p.store.CompareAndTransition(ctx, domain.TransitionRequest{
		WorkItemID:         running.ID,
		ExpectedVersion:    running.Version,
		FromState:          domain.StateRunning,
		ToState:            domain.StateQuotaExceeded,
		Stage:              &running.Stage,
		Reason:             fmt.Sprintf("quota_exceeded:%s", outcome.Service),
		Actor:              workerID,
		NextAttemptAt:      &nextAttempt,
		QuotaExceededDelta: 1,
		PartialUpdates:     partial,
		LastError: &domain.ErrorInfo{
			Reason: fmt.Sprintf("quota_exceeded:%s", outcome.Service),
			At:     time.Now(),
		},
		EventType: domain.EventQuotaExceeded,
	})
	if err != nil {
		if err == domain.ErrConflict {
			return nil
		}
		return fmt.Errorf("op=worker.apply_quota: %w", err)
	}
	observability.ObserveTransition(string(domain.StateRunning), string(domain.StateQuotaExceeded))
	observability.ObserveQuotaDenial(outcome.Service, string(domain.WindowPerMinute))
	return nil
}

// applyPartial implements the two StagePartial variants: continue_next=true
// re-runs the same stage (RUNNING -> READY, stage unchanged);
// continue_next=false parks the item in WAITING until an external wake()
// call resumes it on the same stage.
func (p *Pool) applyPartial(ctx context.Context, running domain.WorkItem, outcome domain.Outcome, workerID string) error {
	toState := domain.StateReady
	reason := "stage_partial_continue"
	if !outcome.ContinueNext {
		toState = domain.StateWaiting
		reason = "stage_partial_waiting"
	}

	_, err := p.store.CompareAndTransition(ctx, domain.TransitionRequest{
		WorkItemID:      running.ID,
		ExpectedVersion: running.Version,
		FromState:       domain.StateRunning,
		ToState:         toState,
		Stage:           &running.Stage,
		Reason:          reason,
		Actor:           workerID,
		PartialUpdates:  map[string]any{string(running.Stage) + "_partial": outcome.Summary},
	})
	if err != nil {
		if err == domain.ErrConflict {
			return nil
		}
		return fmt.Errorf("op=worker.apply_partial: %w", err)
	}
	observability.ObserveTransition(string(domain.StateRunning), string(toState))
	return nil
}

// transitionToFailed performs the RUNNING -> FAILED half of failure
// handling, recording the error and incrementing attempt_count unless the
// failure class is RATE_LIMIT (§4.5: "no attempt-count increment").
func (p *Pool) transitionToFailed(ctx context.Context, running domain.WorkItem, class domain.FailureClass, reason, details string) (domain.WorkItem, error) {
	attemptDelta := 1
	if class == domain.ClassRateLimit {
		attemptDelta = 0
	}

	result, err := p.store.CompareAndTransition(ctx, domain.TransitionRequest{
		WorkItemID:      running.ID,
		ExpectedVersion: running.Version,
		FromState:       domain.StateRunning,
		ToState:         domain.StateFailed,
		Stage:           &running.Stage,
		Reason:          reason,
		Actor:           "worker",
		AttemptDelta:    attemptDelta,
		LastError: &domain.ErrorInfo{
			Class:   class,
			Reason:  reason,
			At:      time.Now(),
			Details: details,
		},
		EventType: domain.EventStageFailed,
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	observability.ObserveTransition(string(domain.StateRunning), string(domain.StateFailed))
	if err := p.store.RecordMetric(ctx, domain.Metric{
		WorkItemID: running.ID,
		Kind:       domain.MetricError,
		Name:       string(class),
		Value:      1,
		At:         time.Now(),
	}); err != nil {
		slog.Warn("failed to record error-class metric", slog.String("work_item_id", running.ID), slog.Any("error", err))
	}
	return result.Item, nil
}

// resolveFailure performs the second half of failure handling: FAILED ->
// {RETRY_SCHEDULED | SUSPENDED | DEAD_LETTERED} per the retry policy
// (§4.5).
func (p *Pool) resolveFailure(ctx context.Context, failed domain.WorkItem, class domain.FailureClass, reason string) error {
	var toState domain.State
	var nextAttempt *time.Time

	switch class {
	case domain.ClassValidation:
		toState = domain.StateSuspended
	case domain.ClassFatal:
		toState = domain.StateDeadLettered
	default: // TRANSIENT, RATE_LIMIT
		delay, exhausted := p.retry.NextAttempt(class, failed.AttemptCount)
		if exhausted {
			toState = domain.StateDeadLettered
		} else {
			toState = domain.StateRetryScheduled
			at := time.Now().Add(delay)
			nextAttempt = &at
		}
	}

	if err := statemachine.Validate(domain.StateFailed, toState); err != nil {
		return fmt.Errorf("op=worker.resolve_failure: %w", err)
	}

	eventType := domain.EventStateChanged
	if toState == domain.StateDeadLettered {
		eventType = domain.EventDeadLettered
	}

	_, err := p.store.CompareAndTransition(ctx, domain.TransitionRequest{
		WorkItemID:      failed.ID,
		ExpectedVersion: failed.Version,
		FromState:       domain.StateFailed,
		ToState:         toState,
		Stage:           &failed.Stage,
		Reason:          reason,
		Actor:           "worker",
		NextAttemptAt:   nextAttempt,
		EventType:       eventType,
	})
	if err != nil {
		if err == domain.ErrConflict {
			return nil
		}
		return fmt.Errorf("op=worker.resolve_failure.transition: %w", err)
	}
	observability.ObserveTransition(string(domain.StateFailed), string(toState))

	if toState == domain.StateDeadLettered {
		observability.ObserveDeadLetter(string(class))
		var chain []domain.ErrorInfo
		if failed.LastError != nil {
			chain = []domain.ErrorInfo{*failed.LastError}
		}
		if err := p.store.InsertDeadLetter(ctx, domain.DeadLetter{
			WorkItemID: failed.ID,
			Payload:    failed.Payload,
			ErrorChain: chain,
			At:         time.Now(),
		}); err != nil {
			slog.Error("failed to record dead letter", slog.String("work_item_id", failed.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (p *Pool) releaseQuiet(ctx context.Context, workItemID, workerID string) {
	if err := p.locks.Release(ctx, workItemID, workerID); err != nil {
		slog.Warn("failed to release lock", slog.String("work_item_id", workItemID), slog.Any("error", err))
	}
}

func (p *Pool) recordStateDuration(ctx context.Context, item domain.WorkItem, elapsed time.Duration) {
	observability.StateDuration.WithLabelValues(string(item.State)).Observe(elapsed.Seconds())
	if err := p.store.RecordMetric(ctx, domain.Metric{
		WorkItemID: item.ID,
		Kind:       domain.MetricStageDurationMs,
		Name:       string(item.Stage),
		Value:      float64(elapsed.Milliseconds()),
		At:         time.Now(),
	}); err != nil {
		slog.Warn("failed to record stage duration metric", slog.String("work_item_id", item.ID), slog.Any("error", err))
	}
	if err := p.store.RecordMetric(ctx, domain.Metric{
		WorkItemID: item.ID,
		Kind:       domain.MetricStateDurationMs,
		Name:       string(domain.StateRunning),
		Value:      float64(elapsed.Milliseconds()),
		At:         time.Now(),
	}); err != nil {
		slog.Warn("failed to record state duration metric", slog.String("work_item_id", item.ID), slog.Any("error", err))
	}
}

func jitter(base time.Duration) time.Duration {
	return time.Duration(rand.Int63n(int64(base)))
}
