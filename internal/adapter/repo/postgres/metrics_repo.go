package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/labelsquor/orchestrator/internal/domain"
)

// RecordMetric appends a Metric row, backing the observability views'
// p50/p95 state-duration and stage-duration aggregates (§6.3).
func (s *Store) RecordMetric(ctx context.Context, m domain.Metric) error {
	if m.ID == "" {
		m.ID = newULID()
	}
	var workItemID any
	if m.WorkItemID != "" {
		workItemID = m.WorkItemID
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO metric (id, work_item_id, kind, name, value, at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		m.ID, workItemID, m.Kind, m.Name, m.Value,
	)
	if err != nil {
		return fmt.Errorf("op=metric.record: %w", err)
	}
	return nil
}

// Metrics computes the §6.3 read-only aggregates over [query.From, query.To).
// GroupBy is accepted for API symmetry with the spec's metrics(time_range,
// group_by) signature but every dimension below is already grouped by its
// own natural key (state, stage, failure class, service); GroupBy narrows
// nothing further today and is reserved for a future per-dimension filter.
func (s *Store) Metrics(ctx context.Context, query domain.MetricsQuery) (domain.MetricsSummary, error) {
	summary := domain.MetricsSummary{
		StateDurations:   map[domain.State]domain.DurationPercentiles{},
		StageDurations:   map[domain.Stage]domain.DurationPercentiles{},
		ErrorClassCounts: map[domain.FailureClass]int64{},
	}

	from, to := query.From, query.To
	if to.IsZero() {
		to = timeNow()
	}

	stateRows, err := s.Pool.Query(ctx, `
		SELECT name,
		       percentile_cont(0.5) WITHIN GROUP (ORDER BY value),
		       percentile_cont(0.95) WITHIN GROUP (ORDER BY value)
		FROM metric
		WHERE kind = $1 AND at >= $2 AND at < $3
		GROUP BY name`, domain.MetricStateDurationMs, from, to)
	if err != nil {
		return summary, fmt.Errorf("op=metrics.state_durations: %w", err)
	}
	for stateRows.Next() {
		var name string
		var p50, p95 float64
		if err := stateRows.Scan(&name, &p50, &p95); err != nil {
			stateRows.Close()
			return summary, fmt.Errorf("op=metrics.state_durations.scan: %w", err)
		}
		summary.StateDurations[domain.State(name)] = domain.DurationPercentiles{P50Ms: p50, P95Ms: p95}
	}
	stateRows.Close()

	stageRows, err := s.Pool.Query(ctx, `
		SELECT name,
		       percentile_cont(0.5) WITHIN GROUP (ORDER BY value),
		       percentile_cont(0.95) WITHIN GROUP (ORDER BY value)
		FROM metric
		WHERE kind = $1 AND at >= $2 AND at < $3
		GROUP BY name`, domain.MetricStageDurationMs, from, to)
	if err != nil {
		return summary, fmt.Errorf("op=metrics.stage_durations: %w", err)
	}
	for stageRows.Next() {
		var name string
		var p50, p95 float64
		if err := stageRows.Scan(&name, &p50, &p95); err != nil {
			stageRows.Close()
			return summary, fmt.Errorf("op=metrics.stage_durations.scan: %w", err)
		}
		summary.StageDurations[domain.Stage(name)] = domain.DurationPercentiles{P50Ms: p50, P95Ms: p95}
	}
	stageRows.Close()

	errRows, err := s.Pool.Query(ctx, `
		SELECT name, count(*)
		FROM metric
		WHERE kind = $1 AND at >= $2 AND at < $3
		GROUP BY name`, domain.MetricError, from, to)
	if err != nil {
		return summary, fmt.Errorf("op=metrics.error_classes: %w", err)
	}
	for errRows.Next() {
		var name string
		var count int64
		if err := errRows.Scan(&name, &count); err != nil {
			errRows.Close()
			return summary, fmt.Errorf("op=metrics.error_classes.scan: %w", err)
		}
		summary.ErrorClassCounts[domain.FailureClass(name)] = count
	}
	errRows.Close()

	var completedCount int64
	err = s.Pool.QueryRow(ctx, `
		SELECT count(*)
		FROM work_item
		WHERE state = $1 AND completed_at >= $2 AND completed_at < $3`,
		domain.StateCompleted, from, to,
	).Scan(&completedCount)
	if err != nil {
		return summary, fmt.Errorf("op=metrics.throughput: %w", err)
	}
	if hours := to.Sub(from).Hours(); hours > 0 {
		summary.Throughput = float64(completedCount) / hours
	}

	err = s.Pool.QueryRow(ctx, `
		SELECT coalesce(sum(quota_exceeded_count), 0)
		FROM work_item
		WHERE enqueued_at >= $1 AND enqueued_at < $2`,
		from, to,
	).Scan(&summary.QuotaExceededCount)
	if err != nil {
		return summary, fmt.Errorf("op=metrics.quota_exceeded_count: %w", err)
	}

	quotaRows, err := s.Pool.Query(ctx, `
		SELECT service, window, used, "limit" FROM quota_counter`)
	if err != nil {
		return summary, fmt.Errorf("op=metrics.quota_utilization: %w", err)
	}
	for quotaRows.Next() {
		var service, window string
		var used, limit int64
		if err := quotaRows.Scan(&service, &window, &used, &limit); err != nil {
			quotaRows.Close()
			return summary, fmt.Errorf("op=metrics.quota_utilization.scan: %w", err)
		}
		summary.QuotaUtilizations = append(summary.QuotaUtilizations, domain.QuotaUtilization{
			Service: service,
			Window:  domain.QuotaWindow(window),
			Used:    used,
			Limit:   limit,
		})
	}
	quotaRows.Close()

	return summary, nil
}

// timeNow is a seam over time.Now so tests could substitute a fixed clock;
// production always calls through to the real wall clock.
var timeNow = time.Now
