package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/prw/internal/models"
)

var (
	checkStart = time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	observedAt = time.Date(2026, 8, 20, 10, 5, 0, 0, time.UTC)
)

func testRound() *models.ReviewRound {
	return &models.ReviewRound{
		ID:             "round-1",
		RepoID:         "repo-1",
		PRNumber:       12,
		HeadSHA:        "abc123",
		CheckStartedAt: checkStart.Format(time.RFC3339),
		CreatedAt:      observedAt,
	}
}

func item(sha string, created time.Time) *models.FeedbackItem {
	return &models.FeedbackItem{
		CommentID: time.Now().UnixNano(),
		CommitSHA: sha,
		CreatedAt: created,
	}
}

func TestPartitionMatchingCommit(t *testing.T) {
	p := partitionItems(testRound(), []*models.FeedbackItem{
		item("abc123", observedAt),
		item("ABC123", observedAt), // case-insensitive
	}, observedAt)

	assert.Len(t, p.current, 2)
	assert.Empty(t, p.foreign)
	assert.Empty(t, p.dropped)
}

func TestPartitionForeignCommitsGroupedBySHA(t *testing.T) {
	p := partitionItems(testRound(), []*models.FeedbackItem{
		item("def456", observedAt),
		item("DEF456", observedAt),
		item("999aaa", observedAt),
	}, observedAt)

	assert.Empty(t, p.current)
	assert.Len(t, p.foreign, 2)
	assert.Len(t, p.foreign["def456"], 2)
	assert.Len(t, p.foreign["999aaa"], 1)
}

func TestPartitionCommitlessWindow(t *testing.T) {
	inside := item("", checkStart.Add(time.Minute))
	atStart := item("", checkStart)
	atSlackEnd := item("", observedAt.Add(correlationSlack))
	tooEarly := item("", checkStart.Add(-time.Second))
	tooLate := item("", observedAt.Add(correlationSlack+time.Second))

	p := partitionItems(testRound(),
		[]*models.FeedbackItem{inside, atStart, atSlackEnd, tooEarly, tooLate}, observedAt)

	assert.Len(t, p.current, 3)
	assert.Len(t, p.dropped, 2)
	assert.Empty(t, p.foreign)
}

func TestPartitionCommitNeverConsultsWindow(t *testing.T) {
	// A matching commit far outside the window still belongs to the round.
	ancient := item("abc123", checkStart.Add(-48*time.Hour))

	p := partitionItems(testRound(), []*models.FeedbackItem{ancient}, observedAt)
	assert.Len(t, p.current, 1)
	assert.Empty(t, p.dropped)
}

func TestPartitionIsExhaustiveAndExclusive(t *testing.T) {
	items := []*models.FeedbackItem{
		item("abc123", observedAt),
		item("def456", observedAt),
		item("", observedAt),
		item("", observedAt.Add(24*time.Hour)),
	}

	p := partitionItems(testRound(), items, observedAt)

	total := len(p.current) + len(p.dropped)
	for _, group := range p.foreign {
		total += len(group)
	}
	assert.Equal(t, len(items), total)
}

// When the check-start string fails to parse, the round's creation time
// anchors the window. A commit-less comment posted between the real check
// start and round creation then falls outside the window and is dropped —
// known behavior, kept as is.
func TestPartitionUnparsableCheckStartUsesCreatedAt(t *testing.T) {
	round := testRound()
	round.CheckStartedAt = "garbage"
	round.CreatedAt = observedAt

	early := item("", checkStart.Add(time.Minute)) // before round.CreatedAt
	late := item("", observedAt.Add(time.Minute))

	p := partitionItems(round, []*models.FeedbackItem{early, late}, observedAt)
	assert.Len(t, p.dropped, 1)
	assert.Len(t, p.current, 1)
}

func TestEarliestCreation(t *testing.T) {
	a := item("x", observedAt)
	b := item("x", checkStart)
	c := item("x", observedAt.Add(time.Hour))

	assert.Equal(t, checkStart, earliestCreation([]*models.FeedbackItem{a, b, c}))
}
