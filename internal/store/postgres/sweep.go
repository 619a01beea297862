package postgres

import (
	"context"
	"errors"
	"time"

	"campusq/queue-service/internal/models"
	"campusq/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
)

// FinalizeStaleTickets folds lingering skipped/deferred/stalled tickets into
// their terminal statuses in batches. SKIP LOCKED keeps concurrent sweeps
// (or a sweep racing staff action) from stepping on each other.
func (s *Store) FinalizeStaleTickets(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT ticket_id, status
		FROM tickets
		WHERE status = ANY($1) AND created_at <= $2
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	`, store.StaleStatuses(), cutoff, batchSize)
	if err != nil {
		return 0, err
	}

	type staleTicket struct {
		id     string
		status string
	}
	var stale []staleTicket
	for rows.Next() {
		var st staleTicket
		if err = rows.Scan(&st.id, &st.status); err != nil {
			rows.Close()
			return 0, err
		}
		stale = append(stale, st)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	processed := 0
	for _, st := range stale {
		target, ok := store.FinalizeTarget(st.status)
		if !ok {
			continue
		}
		row := tx.QueryRow(ctx, `
			UPDATE tickets t
			SET status = $2
			WHERE t.ticket_id = $1
			RETURNING `+ticketColumns+`
		`, st.id, target)
		var ticket models.Ticket
		ticket, err = scanTicket(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				err = nil
				continue
			}
			return 0, err
		}

		payload := ticketPayload(ticket)
		payload["previous_status"] = st.status
		if err = insertOutboxEvent(ctx, tx, "ticket.finalized", payload, &ticket.TicketID); err != nil {
			return 0, err
		}
		processed++
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return processed, nil
}
