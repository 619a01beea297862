package postgres

import (
	"context"
	"errors"
	"time"

	"campusq/queue-service/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const sessionColumns = `session_id, session_date, session_number, is_active, accepts_new, is_serving,
	max_ticket_number, regular_counter, priority_counter, total_count`

// ResolveActiveSession finds or creates the accepting session for the given
// date in its own transaction. Ticket creation calls the tx-scoped variant so
// session resolution and allocation commit atomically.
func (s *Store) ResolveActiveSession(ctx context.Context, date time.Time) (models.Session, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = setLockTimeout(ctx, tx, s.lockTimeout); err != nil {
		return models.Session{}, err
	}

	session, err := resolveActiveSession(ctx, tx, s.dayOf(date), s.maxTicketNumber)
	if err != nil {
		return models.Session{}, mapContention(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Session{}, mapContention(err)
	}
	return session, nil
}

// resolveActiveSession serializes the "does today's session exist" decision
// behind a named advisory lock so two concurrent requests cannot both decide
// to insert. The lock is transaction-scoped and released at commit/rollback.
func resolveActiveSession(ctx context.Context, tx pgx.Tx, date time.Time, maxTicketNumber int) (models.Session, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionLockKey); err != nil {
		return models.Session{}, err
	}

	session, found, err := findAcceptingSession(ctx, tx, date)
	if err != nil {
		return models.Session{}, err
	}
	if found {
		return session, nil
	}

	// Reopened days continue the numbering rather than starting over.
	var nextNumber int
	row := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(session_number), 0) + 1
		FROM sessions
		WHERE session_date = $1
	`, date)
	if err := row.Scan(&nextNumber); err != nil {
		return models.Session{}, err
	}

	session = models.Session{
		SessionID:       uuid.NewString(),
		SessionDate:     date,
		SessionNumber:   nextNumber,
		IsActive:        true,
		AcceptsNew:      true,
		IsServing:       true,
		MaxTicketNumber: maxTicketNumber,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (
			session_id, session_date, session_number, is_active, accepts_new, is_serving,
			max_ticket_number, regular_counter, priority_counter, total_count
		) VALUES ($1,$2,$3,TRUE,TRUE,TRUE,$4,0,0,0)
	`, session.SessionID, session.SessionDate, session.SessionNumber, session.MaxTicketNumber)
	if err != nil {
		return models.Session{}, err
	}

	payload := map[string]interface{}{
		"session_id":     session.SessionID,
		"session_date":   session.SessionDate.Format("2006-01-02"),
		"session_number": session.SessionNumber,
	}
	if err := insertOutboxEvent(ctx, tx, "session.opened", payload, nil); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func findAcceptingSession(ctx context.Context, tx pgx.Tx, date time.Time) (models.Session, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE session_date = $1 AND accepts_new = TRUE
		ORDER BY session_number DESC
		LIMIT 1
	`, date)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, false, nil
		}
		return models.Session{}, false, err
	}
	return session, true, nil
}

// CloseSessions flips every still-open session for the date to closed. A day
// that was manually reopened can have several open sessions; all of them stop
// accepting and serving. Rows are never deleted.
func (s *Store) CloseSessions(ctx context.Context, date time.Time) (int, error) {
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
		UPDATE sessions
		SET is_active = FALSE,
			accepts_new = FALSE,
			is_serving = FALSE
		WHERE session_date = $1 AND is_active = TRUE
		RETURNING session_id, session_number
	`, s.dayOf(date))
	if err != nil {
		return 0, err
	}

	type closedSession struct {
		id     string
		number int
	}
	var closed []closedSession
	for rows.Next() {
		var cs closedSession
		if err = rows.Scan(&cs.id, &cs.number); err != nil {
			rows.Close()
			return 0, err
		}
		closed = append(closed, cs)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	for _, cs := range closed {
		payload := map[string]interface{}{
			"session_id":     cs.id,
			"session_number": cs.number,
			"session_date":   s.dayOf(date).Format("2006-01-02"),
		}
		if err = insertOutboxEvent(ctx, tx, "session.closed", payload, nil); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(closed), nil
}

func scanSession(row pgx.Row) (models.Session, error) {
	var session models.Session
	err := row.Scan(&session.SessionID, &session.SessionDate, &session.SessionNumber,
		&session.IsActive, &session.AcceptsNew, &session.IsServing,
		&session.MaxTicketNumber, &session.RegularCounter, &session.PriorityCounter, &session.TotalCount)
	if err != nil {
		return models.Session{}, err
	}
	return session, nil
}
