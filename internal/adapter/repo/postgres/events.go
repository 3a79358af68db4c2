package postgres

import (
	"context"
	"fmt"

	"github.com/labelsquor/orchestrator/internal/domain"
)

// UndeliveredEvents returns outbox rows with delivered=false in insertion
// order, the set the event bus's delivery loop polls (§4.6).
func (s *Store) UndeliveredEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	ctx, span := tracer.Start(ctx, "store.undelivered_events")
	defer span.End()

	rows, err := s.Pool.Query(ctx, `
		SELECT id, work_item_id, type, payload, at, delivered
		FROM event WHERE delivered = false
		ORDER BY at ASC
		LIMIT $1`, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("op=event.undelivered: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.WorkItemID, &e.Type, &payload, &e.At, &e.Delivered); err != nil {
			return nil, fmt.Errorf("op=event.undelivered.scan: %w", err)
		}
		if e.Payload, err = unmarshalMap(payload); err != nil {
			return nil, fmt.Errorf("op=event.undelivered.payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDelivered flags an event as delivered.
func (s *Store) MarkDelivered(ctx context.Context, eventID string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE event SET delivered = true WHERE id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("op=event.mark_delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=event.mark_delivered: %w", domain.ErrNotFound)
	}
	return nil
}
