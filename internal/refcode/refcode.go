// Package refcode formats the human-facing ticket reference code.
package refcode

import (
	"fmt"
	"time"

	"campusq/queue-service/internal/models"
)

// Encode builds the printed reference: YYMMDD-{session}-{T}{display:03d}.
// Display numbers above 999 widen the field instead of truncating.
func Encode(date time.Time, sessionNumber int, ticketType string, displayNumber int) string {
	return fmt.Sprintf("%s-%d-%s%03d", date.Format("060102"), sessionNumber, TypeCode(ticketType), displayNumber)
}

func TypeCode(ticketType string) string {
	if ticketType == models.TypePriority {
		return "P"
	}
	return "R"
}
