package store

import (
	"context"
	"encoding/json"
	"time"

	"campusq/queue-service/internal/models"
)

type CreateTicketInput struct {
	RequestID     string
	Type          string
	RequesterName string
	StudentNumber string
	ItemIDs       []string
	CreatedAt     time.Time
}

type ClaimWindowInput struct {
	RequestID string
	WindowID  string
	StaffID   string
	ShiftTag  string
	ClaimedAt time.Time
}

type ManualResetInput struct {
	Type       string
	TargetDate time.Time // zero value means today
	ResetAt    time.Time
}

// ExpireResult reports what an assignment-expiry transaction actually did.
// Released is false when the expiry lost the race against a fresh heartbeat;
// FreshHeartbeat then carries the heartbeat that won so the timer can re-arm.
type ExpireResult struct {
	Released       bool
	RequeuedTicket *models.Ticket
	FreshHeartbeat *time.Time
}

type QueueStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error)
	WaitingSnapshot(ctx context.Context, date time.Time) ([]models.Ticket, string, error)

	ResolveActiveSession(ctx context.Context, date time.Time) (models.Session, error)
	CloseSessions(ctx context.Context, date time.Time) (int, error)

	ClaimWindow(ctx context.Context, input ClaimWindowInput) (models.WindowAssignment, bool, error)
	Heartbeat(ctx context.Context, assignmentID string, at time.Time) (models.WindowAssignment, error)
	ReleaseAssignment(ctx context.Context, assignmentID string, at time.Time) (models.WindowAssignment, error)
	ExpireAssignment(ctx context.Context, assignmentID string, grace time.Duration) (ExpireResult, error)
	ListUnreleasedAssignments(ctx context.Context) ([]models.WindowAssignment, error)

	ResetCounter(ctx context.Context, input ManualResetInput) (ResetCheckpoint, error)
	FinalizeStaleTickets(ctx context.Context, olderThan time.Duration, batchSize int) (int, error)

	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]OutboxEvent, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
	ListServiceItems(ctx context.Context) ([]models.ServiceItem, error)
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
