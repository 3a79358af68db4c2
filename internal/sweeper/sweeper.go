// Package sweeper implements the Resume Sweeper (spec.md §4.10): a
// periodic pass that moves QUOTA_EXCEEDED and RETRY_SCHEDULED items whose
// next_attempt_at has passed back to READY, reusing the same §4.2
// compare-and-transition primitive every other mutator uses. Losers of the
// race against a worker or another sweeper instance simply skip, mirroring
// the teacher's CleanupService.RunPeriodic loop shape.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/labelsquor/orchestrator/internal/domain"
	"github.com/labelsquor/orchestrator/internal/observability"
	"github.com/labelsquor/orchestrator/internal/statemachine"
)

// Sweeper periodically resumes paused items.
type Sweeper struct {
	store     domain.Store
	quota     domain.QuotaManager
	interval  time.Duration
	batchSize int
}

// New builds a Sweeper. interval defaults to 15s per spec.md §4.10 if zero
// or negative.
func New(store domain.Store, quota domain.QuotaManager, interval time.Duration, batchSize int) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{store: store, quota: quota, interval: interval, batchSize: batchSize}
}

// Run starts the periodic sweep loop, blocking until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("resume sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs both jobs from spec.md §4.10 once.
func (s *Sweeper) sweepOnce(ctx context.Context) {
	if err := s.sweepQuotaExceeded(ctx); err != nil {
		slog.Error("sweep quota_exceeded failed", slog.Any("error", err))
	}
	if err := s.sweepRetryScheduled(ctx); err != nil {
		slog.Error("sweep retry_scheduled failed", slog.Any("error", err))
	}
}

// sweepQuotaExceeded resumes QUOTA_EXCEEDED items whose relevant service
// has available quota and whose next_attempt_at has passed (§4.10 job 1).
// The service name is recovered from the item's last recorded reason
// ("quota_exceeded:<service>"), set by the worker pool when it first
// parked the item.
func (s *Sweeper) sweepQuotaExceeded(ctx context.Context) error {
	items, err := s.store.SweepQuotaExceeded(ctx, s.batchSize)
	if err != nil {
		return err
	}
	for _, item := range items {
		service := serviceFromLastError(item)
		hasCapacity := true
		if s.quota != nil {
			hasCapacity, err = s.quota.HasCapacity(ctx, service)
			if err != nil {
				slog.Warn("quota capacity check failed during sweep", slog.String("work_item_id", item.ID), slog.Any("error", err))
				continue
			}
		}
		if !statemachine.QuotaResumeLegal(hasCapacity) {
			continue
		}

		_, err := s.store.CompareAndTransition(ctx, domain.TransitionRequest{
			WorkItemID:      item.ID,
			ExpectedVersion: item.Version,
			FromState:       domain.StateQuotaExceeded,
			ToState:         domain.StateReady,
			Stage:           &item.Stage,
			Reason:          "quota_reset",
			Actor:           "sweeper",
			EventType:       domain.EventResumed,
		})
		if err != nil {
			if err == domain.ErrConflict {
				continue
			}
			slog.Error("failed to resume quota-exceeded item", slog.String("work_item_id", item.ID), slog.Any("error", err))
			continue
		}
		observability.ObserveTransition(string(domain.StateQuotaExceeded), string(domain.StateReady))
		observability.ObserveSweeperResumed("quota_reset")
	}
	return nil
}

// sweepRetryScheduled resumes RETRY_SCHEDULED items whose next_attempt_at
// has passed (§4.10 job 2).
func (s *Sweeper) sweepRetryScheduled(ctx context.Context) error {
	items, err := s.store.SweepRetryScheduled(ctx, s.batchSize)
	if err != nil {
		return err
	}
	for _, item := range items {
		_, err := s.store.CompareAndTransition(ctx, domain.TransitionRequest{
			WorkItemID:      item.ID,
			ExpectedVersion: item.Version,
			FromState:       domain.StateRetryScheduled,
			ToState:         domain.StateReady,
			Stage:           &item.Stage,
			Reason:          "retry_ready",
			Actor:           "sweeper",
			EventType:       domain.EventResumed,
		})
		if err != nil {
			if err == domain.ErrConflict {
				continue
			}
			slog.Error("failed to resume retry-scheduled item", slog.String("work_item_id", item.ID), slog.Any("error", err))
			continue
		}
		observability.ObserveTransition(string(domain.StateRetryScheduled), string(domain.StateReady))
		observability.ObserveSweeperResumed("retry_ready")
	}
	return nil
}

// serviceFromLastError recovers the quota service name the worker recorded
// when it parked this item, since QuotaCounter accounting is keyed by
// service and the sweeper must ask the same question the worker answered.
func serviceFromLastError(item domain.WorkItem) string {
	if item.LastError == nil {
		return ""
	}
	const prefix = "quota_exceeded:"
	reason := item.LastError.Reason
	if len(reason) > len(prefix) && reason[:len(prefix)] == prefix {
		return reason[len(prefix):]
	}
	return ""
}
