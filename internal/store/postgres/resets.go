package postgres

import (
	"context"
	"errors"
	"time"

	"campusq/queue-service/internal/models"
	"campusq/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
)

// ResetCounter writes the operator's manual reset as a durable checkpoint
// row. Allocation reads the checkpoint inside its own transaction, so the
// restart is visible to every instance and survives restarts. The raw
// counter itself is untouched; only the displayed numbering starts over.
func (s *Store) ResetCounter(ctx context.Context, input store.ManualResetInput) (store.ResetCheckpoint, error) {
	if input.Type != models.TypeRegular && input.Type != models.TypePriority {
		return store.ResetCheckpoint{}, store.ErrInvalidTicketType
	}

	resetAt := input.ResetAt
	if resetAt.IsZero() {
		resetAt = time.Now().UTC()
	}
	targetDate := input.TargetDate
	if targetDate.IsZero() {
		targetDate = resetAt
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.ResetCheckpoint{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = setLockTimeout(ctx, tx, s.lockTimeout); err != nil {
		return store.ResetCheckpoint{}, err
	}

	// Locking the session row fences the checkpoint against in-flight
	// allocations: an allocation either commits before the reset point is
	// read, or waits and lands after it.
	column := "regular_counter"
	if input.Type == models.TypePriority {
		column = "priority_counter"
	}
	var sessionID string
	var counter int64
	row := tx.QueryRow(ctx, `
		SELECT session_id, `+column+`
		FROM sessions
		WHERE session_date = $1 AND accepts_new = TRUE
		ORDER BY session_number DESC
		LIMIT 1
		FOR UPDATE
	`, s.dayOf(targetDate))
	if err = row.Scan(&sessionID, &counter); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrSessionNotFound
		}
		return store.ResetCheckpoint{}, mapContention(err)
	}

	checkpoint := store.ResetCheckpoint{
		SessionID:       sessionID,
		Type:            input.Type,
		ResetAtSequence: counter,
		IterationOffset: 0,
		CreatedAt:       resetAt,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO reset_checkpoints (session_id, ticket_type, reset_at_sequence, iteration_offset, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, ticket_type)
		DO UPDATE SET reset_at_sequence = EXCLUDED.reset_at_sequence,
			iteration_offset = EXCLUDED.iteration_offset,
			created_at = EXCLUDED.created_at
	`, checkpoint.SessionID, checkpoint.Type, checkpoint.ResetAtSequence, checkpoint.IterationOffset, checkpoint.CreatedAt)
	if err != nil {
		return store.ResetCheckpoint{}, err
	}

	payload := map[string]interface{}{
		"session_id":        checkpoint.SessionID,
		"type":              checkpoint.Type,
		"reset_at_sequence": checkpoint.ResetAtSequence,
		"reset_at":          resetAt,
	}
	if err = insertOutboxEvent(ctx, tx, "counter.reset", payload, nil); err != nil {
		return store.ResetCheckpoint{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.ResetCheckpoint{}, mapContention(err)
	}
	return checkpoint, nil
}
