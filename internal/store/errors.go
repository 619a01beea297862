package store

import "errors"

var (
	ErrTicketNotFound      = errors.New("ticket not found")
	ErrItemNotFound        = errors.New("service item not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrAssignmentNotFound  = errors.New("assignment not found")
	ErrAssignmentReleased  = errors.New("assignment already released")
	ErrWindowBusy          = errors.New("window already claimed")
	ErrInvalidTicketType   = errors.New("invalid ticket type")
	ErrContention          = errors.New("transaction contention, retry")
)
