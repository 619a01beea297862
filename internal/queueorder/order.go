// Package queueorder computes the "next in line" display order for a
// snapshot of waiting tickets. Priority and regular tickets are interleaved
// one-for-one so neither type starves, while FIFO order is kept within a type.
package queueorder

import (
	"sort"

	"campusq/queue-service/internal/models"
)

// Order merges a waiting-ticket snapshot into an alternating sequence.
// The first slot goes to the type opposite lastServedType; an unknown
// lastServedType starts with priority. Once either type runs out, the
// remainder of the other type is appended unchanged.
func Order(waiting []models.Ticket, lastServedType string) []models.Ticket {
	var priority, regular []models.Ticket
	for _, ticket := range waiting {
		if ticket.Type == models.TypePriority {
			priority = append(priority, ticket)
		} else {
			regular = append(regular, ticket)
		}
	}
	sortByArrival(priority)
	sortByArrival(regular)

	if len(priority) == 0 {
		return regular
	}
	if len(regular) == 0 {
		return priority
	}

	startPriority := lastServedType != models.TypePriority

	ordered := make([]models.Ticket, 0, len(waiting))
	for len(priority) > 0 && len(regular) > 0 {
		if startPriority {
			ordered = append(ordered, priority[0])
			priority = priority[1:]
		} else {
			ordered = append(ordered, regular[0])
			regular = regular[1:]
		}
		startPriority = !startPriority
	}
	ordered = append(ordered, priority...)
	ordered = append(ordered, regular...)
	return ordered
}

func sortByArrival(tickets []models.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		if tickets[i].SessionNumber != tickets[j].SessionNumber {
			return tickets[i].SessionNumber < tickets[j].SessionNumber
		}
		return tickets[i].SequenceNumber < tickets[j].SequenceNumber
	})
}
