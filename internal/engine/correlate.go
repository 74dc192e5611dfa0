package engine

import (
	"strings"
	"time"

	"github.com/joescharf/prw/internal/models"
)

// correlationSlack tolerates clock skew between the reviewer posting a
// comment and the watcher observing the check completion. Commit-less
// comments created up to this long after observation still count.
const correlationSlack = 10 * time.Minute

// partition is the result of correlating extracted items against a round:
// every item lands in exactly one bucket.
type partition struct {
	current []*models.FeedbackItem
	foreign map[string][]*models.FeedbackItem
	dropped []*models.FeedbackItem
}

// partitionItems assigns each item to the tracked round, a foreign-commit
// group, or the dropped bucket. Items carrying a commit SHA are matched
// against the round's head directly and never consult the time window; only
// commit-less items fall back to the [check start, observed + slack] window.
func partitionItems(round *models.ReviewRound, items []*models.FeedbackItem, observed time.Time) partition {
	p := partition{foreign: make(map[string][]*models.FeedbackItem)}

	windowStart := checkStartAnchor(round)
	windowEnd := observed.Add(correlationSlack)

	for _, item := range items {
		switch {
		case item.CommitSHA == "":
			if !item.CreatedAt.Before(windowStart) && !item.CreatedAt.After(windowEnd) {
				p.current = append(p.current, item)
			} else {
				p.dropped = append(p.dropped, item)
			}
		case strings.EqualFold(item.CommitSHA, round.HeadSHA):
			p.current = append(p.current, item)
		default:
			key := strings.ToLower(item.CommitSHA)
			p.foreign[key] = append(p.foreign[key], item)
		}
	}

	return p
}

// checkStartAnchor returns the lower bound of the correlation window. When
// the round's check-start string does not parse, the round's creation time
// stands in; if that anchor was itself defaulted, nearby commit-less comments
// may be mis-windowed.
func checkStartAnchor(round *models.ReviewRound) time.Time {
	if t, err := time.Parse(time.RFC3339, round.CheckStartedAt); err == nil {
		return t
	}
	return round.CreatedAt
}

// earliestCreation returns the minimum creation time among items. It anchors
// newly created foreign rounds, which have no check event of their own.
func earliestCreation(items []*models.FeedbackItem) time.Time {
	min := items[0].CreatedAt
	for _, item := range items[1:] {
		if item.CreatedAt.Before(min) {
			min = item.CreatedAt
		}
	}
	return min
}
