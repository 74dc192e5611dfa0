package engine

import (
	"time"

	"github.com/joescharf/prw/internal/models"
)

// scheduleNextAttempt records the outcome of one fetch attempt on the round.
// actionable is the round's item count recomputed from storage. The backoff
// list bounds the attempts: a round that never finds items completes after
// exactly len(backoff) attempts.
func scheduleNextAttempt(round *models.ReviewRound, actionable int, backoff []time.Duration, now time.Time) {
	round.AttemptCount++
	round.ActionableCount = actionable

	if actionable > 0 || round.AttemptCount >= len(backoff) {
		complete(round, now)
		return
	}

	// Attempts are 1-indexed into the backoff list.
	next := now.Add(backoff[round.AttemptCount-1])
	round.NextFetchAt = &next
}

// complete marks the round finished and clears any scheduled retry.
func complete(round *models.ReviewRound, now time.Time) {
	round.Status = models.RoundStatusComplete
	round.CompletedAt = &now
	round.NextFetchAt = nil
}
