package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"campusq/queue-service/internal/models"
	"campusq/queue-service/internal/refcode"
	"campusq/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// sessionLockKey names the advisory lock that serializes the
// find-or-create decision for the day's session across all instances.
const sessionLockKey = "campusq:session:resolve"

type Store struct {
	pool            *pgxpool.Pool
	maxTicketNumber int
	lockTimeout     time.Duration
	location        *time.Location
}

type Options struct {
	MaxTicketNumber int
	LockTimeout     time.Duration
	// Location decides which calendar day a timestamp belongs to; sessions
	// are day-scoped in the facility's local time, not UTC.
	Location *time.Location
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	maxNumber := options.MaxTicketNumber
	if maxNumber < 1 {
		maxNumber = 500
	}
	lockTimeout := options.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	location := options.Location
	if location == nil {
		location = time.UTC
	}
	return &Store{
		pool:            pool,
		maxTicketNumber: maxNumber,
		lockTimeout:     lockTimeout,
		location:        location,
	}
}

// dayOf truncates a timestamp to the facility-local calendar date, stored as
// a date-only value.
func (s *Store) dayOf(t time.Time) time.Time {
	year, month, day := t.In(s.location).Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

const ticketColumns = `t.ticket_id, t.session_id, t.ticket_type, t.sequence_number, t.display_number,
	t.reset_iteration, t.reference_code, t.status, t.requester_name, t.student_number,
	t.window_id, t.called_at, t.created_at, t.request_id`

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	if input.Type != models.TypeRegular && input.Type != models.TypePriority {
		return models.Ticket{}, false, store.ErrInvalidTicketType
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = setLockTimeout(ctx, tx, s.lockTimeout); err != nil {
		return models.Ticket{}, false, err
	}

	existing, found, err := findTicketByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, mapContention(err)
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	if err = ensureItemsExist(ctx, tx, input.ItemIDs); err != nil {
		return models.Ticket{}, false, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	session, err := resolveActiveSession(ctx, tx, s.dayOf(createdAt), s.maxTicketNumber)
	if err != nil {
		return models.Ticket{}, false, mapContention(err)
	}

	sequence, err := allocateSequence(ctx, tx, session.SessionID, input.Type)
	if err != nil {
		return models.Ticket{}, false, mapContention(err)
	}
	checkpoint, err := loadCheckpoint(ctx, tx, session.SessionID, input.Type)
	if err != nil {
		return models.Ticket{}, false, err
	}
	display, iteration := store.DerivedNumber(sequence, session.MaxTicketNumber, checkpoint)
	reference := refcode.Encode(session.SessionDate, session.SessionNumber, input.Type, display)

	ticket := models.Ticket{
		TicketID:       uuid.NewString(),
		SessionID:      session.SessionID,
		SessionNumber:  session.SessionNumber,
		Type:           input.Type,
		SequenceNumber: sequence,
		DisplayNumber:  display,
		ResetIteration: iteration,
		ReferenceCode:  reference,
		Status:         models.StatusWaiting,
		RequesterName:  input.RequesterName,
		StudentNumber:  input.StudentNumber,
		RequestID:      input.RequestID,
		CreatedAt:      createdAt,
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, request_id, session_id, ticket_type, sequence_number, display_number,
			reset_iteration, reference_code, status, requester_name, student_number, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, ticket.TicketID, ticket.RequestID, ticket.SessionID, ticket.Type, ticket.SequenceNumber,
		ticket.DisplayNumber, ticket.ResetIteration, ticket.ReferenceCode, ticket.Status,
		nullIfEmpty(ticket.RequesterName), nullIfEmpty(ticket.StudentNumber), createdAt)
	if err != nil {
		return models.Ticket{}, false, mapContention(err)
	}

	for _, itemID := range input.ItemIDs {
		if _, err = tx.Exec(ctx, `
			INSERT INTO ticket_items (ticket_id, item_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, ticket.TicketID, itemID); err != nil {
			return models.Ticket{}, false, err
		}
	}

	if err = insertOutboxEvent(ctx, tx, "ticket.created", ticketPayload(ticket), &ticket.TicketID); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, mapContention(err)
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets t
		WHERE t.ticket_id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, store.ErrTicketNotFound
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// WaitingSnapshot returns today's waiting tickets oldest-first within type,
// together with the type of the most recently called ticket. The caller runs
// the alternation ordering over the snapshot; nothing here is persisted.
func (s *Store) WaitingSnapshot(ctx context.Context, date time.Time) ([]models.Ticket, string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`, s.session_number
		FROM tickets t
		JOIN sessions s ON s.session_id = t.session_id
		WHERE s.session_date = $1 AND t.status = $2
		ORDER BY s.session_number ASC, t.sequence_number ASC
	`, s.dayOf(date), models.StatusWaiting)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicketWithSession(rows)
		if err != nil {
			return nil, "", err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	var lastServedType string
	row := s.pool.QueryRow(ctx, `
		SELECT t.ticket_type
		FROM tickets t
		JOIN sessions s ON s.session_id = t.session_id
		WHERE s.session_date = $1 AND t.called_at IS NOT NULL
		ORDER BY t.called_at DESC
		LIMIT 1
	`, s.dayOf(date))
	if err := row.Scan(&lastServedType); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, "", err
	}

	return tickets, lastServedType, nil
}

func (s *Store) ListServiceItems(ctx context.Context) ([]models.ServiceItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT item_id, code, name, active
		FROM service_items
		WHERE active = TRUE
		ORDER BY code ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.ServiceItem
	for rows.Next() {
		var item models.ServiceItem
		if err := rows.Scan(&item.ItemID, &item.Code, &item.Name, &item.Active); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// allocateSequence is the only writer of the session counters. The single
// atomic increment is what makes concurrent allocations collision-free; the
// counter value is never reused, even across display wraps.
func allocateSequence(ctx context.Context, tx pgx.Tx, sessionID, ticketType string) (int64, error) {
	column := "regular_counter"
	if ticketType == models.TypePriority {
		column = "priority_counter"
	}
	var sequence int64
	query := fmt.Sprintf(`
		UPDATE sessions
		SET %s = %s + 1,
			total_count = total_count + 1
		WHERE session_id = $1
		RETURNING %s
	`, column, column, column)
	if err := tx.QueryRow(ctx, query, sessionID).Scan(&sequence); err != nil {
		return 0, err
	}
	return sequence, nil
}

func loadCheckpoint(ctx context.Context, tx pgx.Tx, sessionID, ticketType string) (*store.ResetCheckpoint, error) {
	var cp store.ResetCheckpoint
	row := tx.QueryRow(ctx, `
		SELECT session_id, ticket_type, reset_at_sequence, iteration_offset, created_at
		FROM reset_checkpoints
		WHERE session_id = $1 AND ticket_type = $2
	`, sessionID, ticketType)
	if err := row.Scan(&cp.SessionID, &cp.Type, &cp.ResetAtSequence, &cp.IterationOffset, &cp.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cp, nil
}

func ensureItemsExist(ctx context.Context, tx pgx.Tx, itemIDs []string) error {
	for _, itemID := range itemIDs {
		var exists bool
		row := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM service_items WHERE item_id = $1 AND active = TRUE
			)
		`, itemID)
		if err := row.Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrItemNotFound
		}
	}
	return nil
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets t
		WHERE t.request_id = $1
	`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var requesterNull, studentNull, windowNull, requestNull sql.NullString
	var calledAtNull sql.NullTime
	err := row.Scan(&ticket.TicketID, &ticket.SessionID, &ticket.Type, &ticket.SequenceNumber,
		&ticket.DisplayNumber, &ticket.ResetIteration, &ticket.ReferenceCode, &ticket.Status,
		&requesterNull, &studentNull, &windowNull, &calledAtNull, &ticket.CreatedAt, &requestNull)
	if err != nil {
		return models.Ticket{}, err
	}
	applyNullFields(&ticket, requesterNull, studentNull, windowNull, calledAtNull, requestNull)
	return ticket, nil
}

func scanTicketWithSession(rows pgx.Rows) (models.Ticket, error) {
	var ticket models.Ticket
	var requesterNull, studentNull, windowNull, requestNull sql.NullString
	var calledAtNull sql.NullTime
	err := rows.Scan(&ticket.TicketID, &ticket.SessionID, &ticket.Type, &ticket.SequenceNumber,
		&ticket.DisplayNumber, &ticket.ResetIteration, &ticket.ReferenceCode, &ticket.Status,
		&requesterNull, &studentNull, &windowNull, &calledAtNull, &ticket.CreatedAt, &requestNull,
		&ticket.SessionNumber)
	if err != nil {
		return models.Ticket{}, err
	}
	applyNullFields(&ticket, requesterNull, studentNull, windowNull, calledAtNull, requestNull)
	return ticket, nil
}

func applyNullFields(ticket *models.Ticket, requester, student, window sql.NullString, calledAt sql.NullTime, request sql.NullString) {
	if requester.Valid {
		ticket.RequesterName = requester.String
	}
	if student.Valid {
		ticket.StudentNumber = student.String
	}
	ticket.WindowID = nullStringPtr(window)
	ticket.CalledAt = nullTimePtr(calledAt)
	if request.Valid {
		ticket.RequestID = request.String
	}
}

func setLockTimeout(ctx context.Context, tx pgx.Tx, timeout time.Duration) error {
	_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds()))
	return err
}

// mapContention folds lock-wait and serialization failures into a single
// retryable sentinel so callers can answer "try again" without inspecting
// driver internals.
func mapContention(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01":
			return store.ErrContention
		}
	}
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func ticketPayload(ticket models.Ticket) map[string]interface{} {
	payload := map[string]interface{}{
		"ticket_id":       ticket.TicketID,
		"session_id":      ticket.SessionID,
		"type":            ticket.Type,
		"sequence_number": ticket.SequenceNumber,
		"display_number":  ticket.DisplayNumber,
		"reset_iteration": ticket.ResetIteration,
		"reference_code":  ticket.ReferenceCode,
		"status":          ticket.Status,
		"created_at":      ticket.CreatedAt,
	}
	if ticket.WindowID != nil {
		payload["window_id"] = *ticket.WindowID
	}
	if ticket.CalledAt != nil {
		payload["called_at"] = *ticket.CalledAt
	}
	return payload
}
