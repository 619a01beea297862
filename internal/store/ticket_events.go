package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// TicketEvent is one link in a ticket's hash-chained audit trail. Each event
// hashes over the previous event's hash, so tampering with history breaks
// the chain.
type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyTicketEvents walks an event chain in order and reports the first
// sequence number whose hash does not match, or 0 when the chain is intact.
func VerifyTicketEvents(events []TicketEvent) int {
	prev := ""
	for _, event := range events {
		expected := ComputeTicketEventHash(prev, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if event.Hash != expected || event.PrevHash != prev {
			return event.TicketSeq
		}
		prev = event.Hash
	}
	return 0
}
