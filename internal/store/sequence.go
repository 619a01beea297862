package store

import "time"

// ResetCheckpoint marks the raw sequence value at which an operator restarted
// the displayed count for a ticket type. Sequence numbers are never reset;
// only the derived display number and iteration are computed relative to it.
type ResetCheckpoint struct {
	SessionID       string    `json:"session_id"`
	Type            string    `json:"type"`
	ResetAtSequence int64     `json:"reset_at_sequence"`
	IterationOffset int       `json:"iteration_offset"`
	CreatedAt       time.Time `json:"created_at"`
}

// DerivedNumber maps a raw per-(session,type) sequence value to the
// human-facing display number and wrap iteration. maxTicketNumber is the wrap
// modulus and must be >= 1; values below 1 are treated as 1. A checkpoint
// applies only to sequence values strictly greater than its reset point.
func DerivedNumber(sequence int64, maxTicketNumber int, checkpoint *ResetCheckpoint) (int, int) {
	if maxTicketNumber < 1 {
		maxTicketNumber = 1
	}
	modulus := int64(maxTicketNumber)

	if checkpoint != nil && sequence > checkpoint.ResetAtSequence {
		delta := sequence - checkpoint.ResetAtSequence
		display := int((delta-1)%modulus) + 1
		iteration := checkpoint.IterationOffset + int((delta-1)/modulus)
		return display, iteration
	}

	display := int((sequence-1)%modulus) + 1
	iteration := int((sequence - 1) / modulus)
	return display, iteration
}
