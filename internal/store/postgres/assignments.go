package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"campusq/queue-service/internal/models"
	"campusq/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const assignmentColumns = `assignment_id, window_id, staff_id, shift_tag, last_heartbeat, released_at`

func (s *Store) ClaimWindow(ctx context.Context, input store.ClaimWindowInput) (models.WindowAssignment, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WindowAssignment{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findAssignmentByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.WindowAssignment{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.WindowAssignment{}, false, err
		}
		return existing, false, nil
	}

	claimedAt := input.ClaimedAt
	if claimedAt.IsZero() {
		claimedAt = time.Now().UTC()
	}

	assignment := models.WindowAssignment{
		AssignmentID:  uuid.NewString(),
		WindowID:      input.WindowID,
		StaffID:       input.StaffID,
		ShiftTag:      input.ShiftTag,
		LastHeartbeat: claimedAt,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO window_assignments (assignment_id, request_id, window_id, staff_id, shift_tag, last_heartbeat, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, assignment.AssignmentID, input.RequestID, assignment.WindowID, assignment.StaffID,
		nullIfEmpty(assignment.ShiftTag), assignment.LastHeartbeat, claimedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "window_assignments_active" {
			err = store.ErrWindowBusy
		}
		return models.WindowAssignment{}, false, err
	}

	payload := map[string]interface{}{
		"assignment_id": assignment.AssignmentID,
		"window_id":     assignment.WindowID,
		"staff_id":      assignment.StaffID,
		"shift_tag":     assignment.ShiftTag,
		"claimed_at":    claimedAt,
	}
	if err = insertOutboxEvent(ctx, tx, "window.claimed", payload, nil); err != nil {
		return models.WindowAssignment{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.WindowAssignment{}, false, err
	}
	return assignment, true, nil
}

// Heartbeat refreshes the keep-alive timestamp. It is a single conditional
// update; a released assignment is never revived by a stale client.
func (s *Store) Heartbeat(ctx context.Context, assignmentID string, at time.Time) (models.WindowAssignment, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE window_assignments
		SET last_heartbeat = $2
		WHERE assignment_id = $1 AND released_at IS NULL
		RETURNING `+assignmentColumns+`
	`, assignmentID, at)
	assignment, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WindowAssignment{}, s.classifyMissingAssignment(ctx, assignmentID)
		}
		return models.WindowAssignment{}, err
	}
	return assignment, nil
}

func (s *Store) ReleaseAssignment(ctx context.Context, assignmentID string, at time.Time) (models.WindowAssignment, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WindowAssignment{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE window_assignments
		SET released_at = $2
		WHERE assignment_id = $1 AND released_at IS NULL
		RETURNING `+assignmentColumns+`
	`, assignmentID, at)
	assignment, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = s.classifyMissingAssignment(ctx, assignmentID)
		}
		return models.WindowAssignment{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "window.released", releasePayload(assignment, "staff_release"), nil); err != nil {
		return models.WindowAssignment{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.WindowAssignment{}, err
	}
	return assignment, nil
}

// ExpireAssignment runs the heartbeat-timeout claim. The row lock plus the
// released/freshness re-check make a concurrent duplicate firing (second
// process instance, or a racing staff release) a clean no-op: exactly one
// caller wins and performs the release.
func (s *Store) ExpireAssignment(ctx context.Context, assignmentID string, grace time.Duration) (store.ExpireResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.ExpireResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		SELECT `+assignmentColumns+`
		FROM window_assignments
		WHERE assignment_id = $1
		FOR UPDATE
	`, assignmentID)
	assignment, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrAssignmentNotFound
		}
		return store.ExpireResult{}, err
	}

	if assignment.ReleasedAt != nil {
		if err = tx.Commit(ctx); err != nil {
			return store.ExpireResult{}, err
		}
		return store.ExpireResult{}, nil
	}

	now := time.Now().UTC()
	if now.Sub(assignment.LastHeartbeat) < grace {
		// A fresh heartbeat won the race; report it so the timer re-arms.
		hb := assignment.LastHeartbeat
		if err = tx.Commit(ctx); err != nil {
			return store.ExpireResult{}, err
		}
		return store.ExpireResult{FreshHeartbeat: &hb}, nil
	}

	requeued, err := requeueInServiceTicket(ctx, tx, assignment.WindowID)
	if err != nil {
		return store.ExpireResult{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE window_assignments
		SET released_at = $2
		WHERE assignment_id = $1
	`, assignmentID, now)
	if err != nil {
		return store.ExpireResult{}, err
	}
	assignment.ReleasedAt = &now

	if err = insertOutboxEvent(ctx, tx, "window.released", releasePayload(assignment, "heartbeat_timeout"), nil); err != nil {
		return store.ExpireResult{}, err
	}
	if requeued != nil {
		payload := ticketPayload(*requeued)
		payload["window_id"] = assignment.WindowID
		payload["reason"] = "heartbeat_timeout"
		if err = insertOutboxEvent(ctx, tx, "ticket.requeued", payload, &requeued.TicketID); err != nil {
			return store.ExpireResult{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return store.ExpireResult{}, err
	}
	return store.ExpireResult{Released: true, RequeuedTicket: requeued}, nil
}

// requeueInServiceTicket puts the window's in-service ticket (if any) back at
// its waiting position: window, called-at and staff marker are cleared, the
// sequence number keeps its place in line.
func requeueInServiceTicket(ctx context.Context, tx pgx.Tx, windowID string) (*models.Ticket, error) {
	row := tx.QueryRow(ctx, `
		UPDATE tickets t
		SET status = $2,
			window_id = NULL,
			called_at = NULL
		WHERE t.ticket_id = (
			SELECT ticket_id
			FROM tickets
			WHERE window_id = $1 AND status = $3
			ORDER BY called_at DESC NULLS LAST
			LIMIT 1
			FOR UPDATE
		)
		RETURNING `+ticketColumns+`
	`, windowID, models.StatusWaiting, models.StatusInService)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ticket, nil
}

func (s *Store) ListUnreleasedAssignments(ctx context.Context) ([]models.WindowAssignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+assignmentColumns+`
		FROM window_assignments
		WHERE released_at IS NULL
		ORDER BY last_heartbeat ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []models.WindowAssignment
	for rows.Next() {
		var assignment models.WindowAssignment
		var shiftNull sql.NullString
		var releasedNull sql.NullTime
		if err := rows.Scan(&assignment.AssignmentID, &assignment.WindowID, &assignment.StaffID,
			&shiftNull, &assignment.LastHeartbeat, &releasedNull); err != nil {
			return nil, err
		}
		if shiftNull.Valid {
			assignment.ShiftTag = shiftNull.String
		}
		assignment.ReleasedAt = nullTimePtr(releasedNull)
		assignments = append(assignments, assignment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assignments, nil
}

func (s *Store) classifyMissingAssignment(ctx context.Context, assignmentID string) error {
	var released sql.NullTime
	row := s.pool.QueryRow(ctx, `
		SELECT released_at
		FROM window_assignments
		WHERE assignment_id = $1
	`, assignmentID)
	if err := row.Scan(&released); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrAssignmentNotFound
		}
		return err
	}
	if released.Valid {
		return store.ErrAssignmentReleased
	}
	return store.ErrAssignmentNotFound
}

func findAssignmentByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.WindowAssignment, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+assignmentColumns+`
		FROM window_assignments
		WHERE request_id = $1
	`, requestID)
	assignment, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WindowAssignment{}, false, nil
		}
		return models.WindowAssignment{}, false, err
	}
	return assignment, true, nil
}

func scanAssignment(row pgx.Row) (models.WindowAssignment, error) {
	var assignment models.WindowAssignment
	var shiftNull sql.NullString
	var releasedNull sql.NullTime
	err := row.Scan(&assignment.AssignmentID, &assignment.WindowID, &assignment.StaffID,
		&shiftNull, &assignment.LastHeartbeat, &releasedNull)
	if err != nil {
		return models.WindowAssignment{}, err
	}
	if shiftNull.Valid {
		assignment.ShiftTag = shiftNull.String
	}
	assignment.ReleasedAt = nullTimePtr(releasedNull)
	return assignment, nil
}

func releasePayload(assignment models.WindowAssignment, reason string) map[string]interface{} {
	payload := map[string]interface{}{
		"assignment_id": assignment.AssignmentID,
		"window_id":     assignment.WindowID,
		"staff_id":      assignment.StaffID,
		"reason":        reason,
	}
	if assignment.ReleasedAt != nil {
		payload["released_at"] = *assignment.ReleasedAt
	}
	return payload
}
