package models

import "time"

const (
	TypeRegular  = "regular"
	TypePriority = "priority"
)

const (
	StatusWaiting         = "waiting"
	StatusInService       = "in_service"
	StatusCompleted       = "completed"
	StatusPartialComplete = "partially_complete"
	StatusCancelled       = "cancelled"
	StatusDeferred        = "deferred"
	StatusSkipped         = "skipped"
	StatusStalled         = "stalled"
)

type Session struct {
	SessionID       string    `json:"session_id"`
	SessionDate     time.Time `json:"session_date"`
	SessionNumber   int       `json:"session_number"`
	IsActive        bool      `json:"is_active"`
	AcceptsNew      bool      `json:"accepts_new"`
	IsServing       bool      `json:"is_serving"`
	MaxTicketNumber int       `json:"max_ticket_number"`
	RegularCounter  int64     `json:"regular_counter"`
	PriorityCounter int64     `json:"priority_counter"`
	TotalCount      int64     `json:"total_count"`
}

type Ticket struct {
	TicketID       string     `json:"ticket_id"`
	SessionID      string     `json:"session_id"`
	SessionNumber  int        `json:"session_number,omitempty"`
	Type           string     `json:"type"`
	SequenceNumber int64      `json:"sequence_number"`
	DisplayNumber  int        `json:"display_number"`
	ResetIteration int        `json:"reset_iteration"`
	ReferenceCode  string     `json:"reference_code"`
	Status         string     `json:"status"`
	RequesterName  string     `json:"requester_name,omitempty"`
	StudentNumber  string     `json:"student_number,omitempty"`
	RequestID      string     `json:"request_id,omitempty"`
	WindowID       *string    `json:"window_id,omitempty"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type WindowAssignment struct {
	AssignmentID  string     `json:"assignment_id"`
	WindowID      string     `json:"window_id"`
	StaffID       string     `json:"staff_id"`
	ShiftTag      string     `json:"shift_tag,omitempty"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
}

type ServiceItem struct {
	ItemID string `json:"item_id"`
	Code   string `json:"code"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}
