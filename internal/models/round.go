package models

import "time"

// RoundStatus represents the lifecycle state of a review round.
type RoundStatus string

const (
	RoundStatusPending  RoundStatus = "pending"
	RoundStatusComplete RoundStatus = "complete"
)

// RoundKey identifies a review round: one reviewer pass over one commit of
// one pull request. CheckStartedAt is kept as the raw string from the check
// payload — it is an identity component, not a parsed time, so lookup and
// creation can never disagree on formatting.
type RoundKey struct {
	RepoID         string
	PRNumber       int
	HeadSHA        string
	CheckStartedAt string
}

// ReviewRound tracks one reviewer pass over one commit of one pull request.
type ReviewRound struct {
	ID             string
	RepoID         string
	PRNumber       int
	HeadSHA        string
	CheckStartedAt string

	WorkspacePath   string
	CheckState      string
	Status          RoundStatus
	AttemptCount    int
	ActionableCount int
	NextFetchAt     *time.Time
	CompletedAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the round's idempotency key.
func (r *ReviewRound) Key() RoundKey {
	return RoundKey{
		RepoID:         r.RepoID,
		PRNumber:       r.PRNumber,
		HeadSHA:        r.HeadSHA,
		CheckStartedAt: r.CheckStartedAt,
	}
}
