package git

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/joescharf/prw/internal/checks"
	"github.com/joescharf/prw/internal/feedback"
)

// GitHubClient wraps the gh CLI for pull request status and review feedback.
// All methods take a working directory: gh resolves {owner}/{repo} from the
// repository the command runs in.
type GitHubClient interface {
	OpenPRStatuses(dir string) ([]checks.PRStatus, error)
	ClosedPRNumbers(dir string) ([]int, error)
	FetchFeedback(dir string, prNumber int) (feedback.Batch, error)
}

// RealGitHubClient implements GitHubClient using the gh CLI.
type RealGitHubClient struct{}

// NewGitHubClient returns a new RealGitHubClient.
func NewGitHubClient() *RealGitHubClient {
	return &RealGitHubClient{}
}

func ghCmd(dir string, args ...string) (string, error) {
	cmd := exec.Command("gh", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// OpenPRStatuses returns the head commit and status check rollup for every
// open pull request of the repository at dir.
func (c *RealGitHubClient) OpenPRStatuses(dir string) ([]checks.PRStatus, error) {
	out, err := ghCmd(dir, "pr", "list",
		"--state", "open",
		"--json", "number,headRefOid,statusCheckRollup",
	)
	if err != nil {
		return nil, err
	}

	var statuses []checks.PRStatus
	if err := json.Unmarshal([]byte(out), &statuses); err != nil {
		return nil, fmt.Errorf("parse PR statuses: %w", err)
	}
	return statuses, nil
}

// ClosedPRNumbers returns the numbers of recently closed pull requests,
// used by the retention sweep.
func (c *RealGitHubClient) ClosedPRNumbers(dir string) ([]int, error) {
	out, err := ghCmd(dir, "pr", "list",
		"--state", "closed",
		"--limit", "50",
		"--json", "number",
	)
	if err != nil {
		return nil, err
	}

	var prs []struct {
		Number int `json:"number"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse closed PRs: %w", err)
	}

	numbers := make([]int, 0, len(prs))
	for _, pr := range prs {
		numbers = append(numbers, pr.Number)
	}
	return numbers, nil
}

// FetchFeedback returns all review comments, issue comments, and reviews for
// a pull request. Safe to call repeatedly; the caller relies on idempotent
// item insertion rather than delta fetching.
func (c *RealGitHubClient) FetchFeedback(dir string, prNumber int) (feedback.Batch, error) {
	var batch feedback.Batch

	if err := ghPaginated(dir,
		fmt.Sprintf("repos/{owner}/{repo}/pulls/%d/comments", prNumber),
		&batch.ReviewComments); err != nil {
		return feedback.Batch{}, err
	}

	if err := ghPaginated(dir,
		fmt.Sprintf("repos/{owner}/{repo}/issues/%d/comments", prNumber),
		&batch.IssueComments); err != nil {
		return feedback.Batch{}, err
	}

	if err := ghPaginated(dir,
		fmt.Sprintf("repos/{owner}/{repo}/pulls/%d/reviews", prNumber),
		&batch.Reviews); err != nil {
		return feedback.Batch{}, err
	}

	return batch, nil
}

// ghPaginated runs `gh api --paginate` and collects the concatenated JSON
// arrays it emits (one per page) into out, which must be a pointer to a slice.
func ghPaginated[T any](dir, endpoint string, out *[]T) error {
	raw, err := ghCmd(dir, "api", "--paginate", endpoint)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	for dec.More() {
		var page []T
		if err := dec.Decode(&page); err != nil {
			return fmt.Errorf("parse %s: %w", endpoint, err)
		}
		*out = append(*out, page...)
	}
	return nil
}
