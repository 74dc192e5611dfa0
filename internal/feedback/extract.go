// Package feedback turns raw pull-request comment payloads into actionable
// feedback items.
package feedback

import (
	"strings"
	"time"

	"github.com/joescharf/prw/internal/models"
)

// agentPromptMarker precedes the machine-readable instruction block some
// reviewers embed in their comments.
const agentPromptMarker = "Prompt for AI Agents"

const fenceDelimiter = "```"

// Author is the comment author as returned by the GitHub API.
type Author struct {
	Login string `json:"login"`
}

// ReviewComment is an inline comment on a pull request diff
// (GET /repos/{owner}/{repo}/pulls/{n}/comments).
type ReviewComment struct {
	ID           int64  `json:"id"`
	User         Author `json:"user"`
	Body         string `json:"body"`
	HTMLURL      string `json:"html_url"`
	Path         string `json:"path"`
	Line         int    `json:"line"`
	OriginalLine int    `json:"original_line"`
	DiffHunk     string `json:"diff_hunk"`
	CommitID     string `json:"commit_id"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// IssueComment is a top-level conversation comment
// (GET /repos/{owner}/{repo}/issues/{n}/comments).
type IssueComment struct {
	ID        int64  `json:"id"`
	User      Author `json:"user"`
	Body      string `json:"body"`
	HTMLURL   string `json:"html_url"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Review is a review submission, possibly with a summary body
// (GET /repos/{owner}/{repo}/pulls/{n}/reviews).
type Review struct {
	ID          int64  `json:"id"`
	User        Author `json:"user"`
	Body        string `json:"body"`
	HTMLURL     string `json:"html_url"`
	CommitID    string `json:"commit_id"`
	SubmittedAt string `json:"submitted_at"`
}

// Batch carries everything the feedback source returned for one pull request.
type Batch struct {
	ReviewComments []ReviewComment
	IssueComments  []IssueComment
	Reviews        []Review
}

// Extractor filters raw comments down to the reviewer's actionable feedback.
// Logins is the case-insensitive allow-list of reviewer identities.
type Extractor struct {
	Logins []string

	// Now is the timestamp fallback for unparsable comment times.
	// Defaults to time.Now.
	Now func() time.Time
}

func (e *Extractor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Extractor) matchesLogin(login string) bool {
	for _, l := range e.Logins {
		if strings.EqualFold(l, login) {
			return true
		}
	}
	return false
}

// Extract returns the actionable items found in the batch. Comments by other
// authors, comments matching no category, and reviews with empty bodies are
// dropped. Returned items carry no round ID; correlation assigns one.
func (e *Extractor) Extract(batch Batch) []*models.FeedbackItem {
	var items []*models.FeedbackItem

	for _, c := range batch.ReviewComments {
		if !e.matchesLogin(c.User.Login) {
			continue
		}
		category, ok := categorize(c.Body)
		if !ok {
			continue
		}
		items = append(items, &models.FeedbackItem{
			CommentID:    c.ID,
			Source:       models.ItemSourceReviewComment,
			Category:     category,
			Severity:     detectSeverity(c.Body),
			CommitSHA:    c.CommitID,
			FilePath:     c.Path,
			Line:         c.Line,
			OriginalLine: c.OriginalLine,
			DiffHunk:     c.DiffHunk,
			URL:          c.HTMLURL,
			Body:         c.Body,
			AgentPrompt:  ExtractAgentPrompt(c.Body),
			CreatedAt:    e.parseTime(c.CreatedAt),
			UpdatedAt:    e.parseTime(c.UpdatedAt),
		})
	}

	for _, c := range batch.IssueComments {
		if !e.matchesLogin(c.User.Login) {
			continue
		}
		category, ok := categorize(c.Body)
		if !ok {
			continue
		}
		items = append(items, &models.FeedbackItem{
			CommentID:   c.ID,
			Source:      models.ItemSourceIssueComment,
			Category:    category,
			Severity:    detectSeverity(c.Body),
			URL:         c.HTMLURL,
			Body:        c.Body,
			AgentPrompt: ExtractAgentPrompt(c.Body),
			CreatedAt:   e.parseTime(c.CreatedAt),
			UpdatedAt:   e.parseTime(c.UpdatedAt),
		})
	}

	for _, r := range batch.Reviews {
		if !e.matchesLogin(r.User.Login) {
			continue
		}
		if strings.TrimSpace(r.Body) == "" {
			continue
		}
		category, ok := categorize(r.Body)
		if !ok {
			continue
		}
		created := e.parseTime(r.SubmittedAt)
		items = append(items, &models.FeedbackItem{
			CommentID:   r.ID,
			Source:      models.ItemSourceReview,
			Category:    category,
			Severity:    detectSeverity(r.Body),
			CommitSHA:   r.CommitID,
			URL:         r.HTMLURL,
			Body:        r.Body,
			AgentPrompt: ExtractAgentPrompt(r.Body),
			CreatedAt:   created,
			UpdatedAt:   created,
		})
	}

	return items
}

func (e *Extractor) parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return e.now()
	}
	return t
}

// categorize maps a comment body to a feedback category. Comments matching
// neither phrase are not actionable.
func categorize(body string) (models.ItemCategory, bool) {
	lower := strings.ToLower(body)
	if strings.Contains(lower, "potential issue") {
		return models.CategoryPotentialIssue, true
	}
	if strings.Contains(lower, "refactor suggestion") {
		return models.CategoryRefactorSuggestion, true
	}
	return "", false
}

// severityOrder fixes the keyword priority: the first match wins, so a body
// mentioning both "critical" and "minor" classifies as critical.
var severityOrder = []models.ItemSeverity{
	models.SeverityCritical,
	models.SeverityMajor,
	models.SeverityMinor,
	models.SeverityTrivial,
	models.SeverityInfo,
}

func detectSeverity(body string) models.ItemSeverity {
	lower := strings.ToLower(body)
	for _, s := range severityOrder {
		if strings.Contains(lower, string(s)) {
			return s
		}
	}
	return ""
}

// ExtractAgentPrompt pulls the instruction block out of a comment body: the
// text between the first pair of code fences following the marker string.
// Returns "" when the marker or either fence is missing.
func ExtractAgentPrompt(body string) string {
	idx := strings.Index(body, agentPromptMarker)
	if idx == -1 {
		return ""
	}
	rest := body[idx+len(agentPromptMarker):]

	open := strings.Index(rest, fenceDelimiter)
	if open == -1 {
		return ""
	}
	rest = rest[open+len(fenceDelimiter):]

	end := strings.Index(rest, fenceDelimiter)
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}
