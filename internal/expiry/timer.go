// Package expiry tracks window-assignment heartbeats and releases windows
// whose staff went silent past the grace period.
package expiry

import (
	"context"
	"log"
	"sync"
	"time"

	"campusq/queue-service/internal/models"
	"campusq/queue-service/internal/store"
)

// Store is the slice of the queue store the timer needs.
type Store interface {
	ExpireAssignment(ctx context.Context, assignmentID string, grace time.Duration) (store.ExpireResult, error)
	ListUnreleasedAssignments(ctx context.Context) ([]models.WindowAssignment, error)
}

// Timer keeps one pending expiry per live assignment. Firings run the
// database-side claim, so a second instance running the same timers is
// harmless: whoever loses the claim simply observes a no-op.
type Timer struct {
	store      Store
	grace      time.Duration
	expireWait time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewTimer(st Store, grace time.Duration) *Timer {
	if grace <= 0 {
		grace = 30 * time.Minute
	}
	return &Timer{
		store:      st,
		grace:      grace,
		expireWait: 30 * time.Second,
		timers:     make(map[string]*time.Timer),
	}
}

// Schedule arms (or re-arms) the expiry for an assignment from its latest
// heartbeat. A deadline already in the past fires immediately.
func (t *Timer) Schedule(assignmentID string, lastHeartbeat time.Time) {
	due := time.Until(lastHeartbeat.Add(t.grace))
	if due < 0 {
		due = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if existing, ok := t.timers[assignmentID]; ok {
		existing.Stop()
	}
	t.timers[assignmentID] = time.AfterFunc(due, func() {
		t.fire(assignmentID)
	})
}

// Cancel drops the pending expiry, typically after a staff release.
func (t *Timer) Cancel(assignmentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.timers[assignmentID]; ok {
		existing.Stop()
		delete(t.timers, assignmentID)
	}
}

// RestoreOnStartup re-arms timers for every unreleased assignment, so a
// process restart cannot leave a window claimed forever. Assignments whose
// grace already lapsed while the process was down fire right away.
func (t *Timer) RestoreOnStartup(ctx context.Context) (int, error) {
	assignments, err := t.store.ListUnreleasedAssignments(ctx)
	if err != nil {
		return 0, err
	}
	for _, assignment := range assignments {
		t.Schedule(assignment.AssignmentID, assignment.LastHeartbeat)
	}
	return len(assignments), nil
}

// Stop cancels every pending timer. Firings already in flight finish on
// their own; the database claim keeps them safe.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

func (t *Timer) fire(assignmentID string) {
	t.mu.Lock()
	delete(t.timers, assignmentID)
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.expireWait)
	defer cancel()

	result, err := t.store.ExpireAssignment(ctx, assignmentID, t.grace)
	if err != nil {
		// Fail open: a window stuck claimed is recoverable by staff release
		// or the next restart's restore pass.
		log.Printf("expiry: assignment %s: %v", assignmentID, err)
		return
	}
	if result.FreshHeartbeat != nil {
		t.Schedule(assignmentID, *result.FreshHeartbeat)
		return
	}
	if result.Released {
		if result.RequeuedTicket != nil {
			log.Printf("expiry: released assignment %s, requeued ticket %s", assignmentID, result.RequeuedTicket.TicketID)
		} else {
			log.Printf("expiry: released assignment %s", assignmentID)
		}
	}
}
