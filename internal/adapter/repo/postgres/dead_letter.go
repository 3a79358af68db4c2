package postgres

import (
	"context"
	"fmt"

	"github.com/labelsquor/orchestrator/internal/domain"
)

// InsertDeadLetter appends a DeadLetter row for an item that exceeded its
// retry budget in a non-manual failure class (§4.5, §6.4).
func (s *Store) InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = newULID()
	}
	payload, err := marshalMap(dl.Payload)
	if err != nil {
		return fmt.Errorf("op=dead_letter.insert.marshal_payload: %w", err)
	}
	chain, err := marshalErrorChain(dl.ErrorChain)
	if err != nil {
		return fmt.Errorf("op=dead_letter.insert.marshal_chain: %w", err)
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO dead_letter (id, work_item_id, payload, error_chain, at)
		VALUES ($1, $2, $3, $4, now())`,
		dl.ID, dl.WorkItemID, payload, chain,
	)
	if err != nil {
		return fmt.Errorf("op=dead_letter.insert: %w", err)
	}
	return nil
}
