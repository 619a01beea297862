package store

import "campusq/queue-service/internal/models"

// finalizeMap drives the scheduled sweep that folds lingering intermediate
// ticket states into terminal ones at end of day. A stalled ticket was mid
// service when it went quiet, so it settles as partially complete; skipped
// and deferred tickets that were never picked back up are cancelled.
var finalizeMap = map[string]string{
	models.StatusSkipped:  models.StatusCancelled,
	models.StatusDeferred: models.StatusCancelled,
	models.StatusStalled:  models.StatusPartialComplete,
}

// FinalizeTarget returns the terminal status for a stale intermediate status,
// or false when the status is not subject to sweeping.
func FinalizeTarget(status string) (string, bool) {
	target, ok := finalizeMap[status]
	return target, ok
}

// StaleStatuses lists the statuses the sweep considers, in a stable order.
func StaleStatuses() []string {
	return []string{models.StatusSkipped, models.StatusDeferred, models.StatusStalled}
}
