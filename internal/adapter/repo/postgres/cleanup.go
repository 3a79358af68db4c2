package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CleanupService purges rows the orchestrator is allowed to retire:
// delivered outbox events and expired quota_usage_log entries past
// retention. It MUST NOT touch work_item or transition rows — spec.md §3
// states plainly that "Rows are never deleted by the orchestrator" for the
// work item lifecycle, and transitions are an append-only audit trail.
type CleanupService struct {
	Pool          *pgxpool.Pool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool *pgxpool.Pool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes delivered events and expired usage logs older than
// the retention period.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=cleanup.begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var deletedEvents int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM event
			WHERE delivered = true AND at < $1
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedEvents)
	if err != nil {
		return fmt.Errorf("op=cleanup.events: %w", err)
	}

	var deletedUsageLogs int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM quota_usage_log
			WHERE at < $1
			RETURNING 1
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedUsageLogs)
	if err != nil {
		return fmt.Errorf("op=cleanup.usage_log: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cleanup.commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_events", deletedEvents),
		slog.Int64("deleted_usage_logs", deletedUsageLogs),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup loop.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
