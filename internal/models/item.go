package models

import "time"

// ItemSource is the kind of raw record a feedback item came from.
type ItemSource string

const (
	ItemSourceReviewComment ItemSource = "review_comment"
	ItemSourceIssueComment  ItemSource = "issue_comment"
	ItemSourceReview        ItemSource = "review"
)

// ItemCategory classifies a piece of reviewer feedback.
type ItemCategory string

const (
	CategoryPotentialIssue     ItemCategory = "potential_issue"
	CategoryRefactorSuggestion ItemCategory = "refactor_suggestion"
)

// ItemSeverity is an optional severity extracted from the comment body.
// Empty means the reviewer stated no severity.
type ItemSeverity string

const (
	SeverityCritical ItemSeverity = "critical"
	SeverityMajor    ItemSeverity = "major"
	SeverityMinor    ItemSeverity = "minor"
	SeverityTrivial  ItemSeverity = "trivial"
	SeverityInfo     ItemSeverity = "info"
)

// FeedbackItem is one actionable piece of reviewer feedback attached to a
// round. CommentID is the hosting provider's identifier and, together with
// the round, forms the item's idempotency key.
type FeedbackItem struct {
	ID        string
	RoundID   string
	CommentID int64

	Source   ItemSource
	Category ItemCategory
	Severity ItemSeverity

	CommitSHA    string
	FilePath     string
	Line         int
	OriginalLine int
	DiffHunk     string
	URL          string
	Body         string
	AgentPrompt  string

	CreatedAt time.Time
	UpdatedAt time.Time
}
