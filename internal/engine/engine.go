// Package engine reconciles reviewer check completions with the feedback the
// reviewer actually posted: it tracks review rounds, fetches and correlates
// comments, and retries on a bounded backoff until feedback shows up.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/prw/internal/checks"
	"github.com/joescharf/prw/internal/feedback"
	"github.com/joescharf/prw/internal/models"
	"github.com/joescharf/prw/internal/output"
	"github.com/joescharf/prw/internal/settings"
	"github.com/joescharf/prw/internal/store"
	"github.com/joescharf/prw/internal/workspace"
)

// FeedbackSource fetches a pull request's review feedback. Reads must be
// idempotent; the engine re-fetches everything on each attempt.
type FeedbackSource interface {
	FetchFeedback(dir string, prNumber int) (feedback.Batch, error)
}

// SettingsResolver resolves per-repository review settings.
type SettingsResolver interface {
	ForRepo(repoName string) settings.ReviewSettings
}

// WorkdirResolver picks the directory a round's fetch runs from.
type WorkdirResolver interface {
	WorkingDir(repo *models.Repo, round *models.ReviewRound) (string, error)
}

// Engine wires the completion detector's output to the feedback pipeline.
type Engine struct {
	store    store.Store
	source   FeedbackSource
	settings SettingsResolver
	workdirs WorkdirResolver
	ui       *output.UI
	now      func() time.Time
}

// New creates an Engine. A nil now defaults to time.Now.
func New(st store.Store, source FeedbackSource, resolver SettingsResolver, workdirs WorkdirResolver, ui *output.UI, now func() time.Time) *Engine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:    st,
		source:   source,
		settings: resolver,
		workdirs: workdirs,
		ui:       ui,
		now:      now,
	}
}

// HandleCompletion processes one reviewer-check completion signal: it finds
// or creates the round identified by (repo, pr, head, check start), marks it
// due, and runs a fetch-and-correlate pass. Re-delivering the same signal
// after the round completed is a no-op.
func (e *Engine) HandleCompletion(ctx context.Context, repo *models.Repo, sig checks.CompletionSignal) error {
	cfg := e.settings.ForRepo(repo.Name)
	if !cfg.Enabled {
		return nil
	}

	key := models.RoundKey{
		RepoID:         repo.ID,
		PRNumber:       sig.PRNumber,
		HeadSHA:        sig.HeadSHA,
		CheckStartedAt: sig.StartedAt,
	}

	round, err := e.store.GetRoundByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		round = &models.ReviewRound{
			RepoID:         key.RepoID,
			PRNumber:       key.PRNumber,
			HeadSHA:        key.HeadSHA,
			CheckStartedAt: key.CheckStartedAt,
			CheckState:     string(sig.State),
		}
		if err := e.store.CreateRound(ctx, round); err != nil {
			// A concurrent signal for the same key may have won the create.
			if store.IsDuplicateKey(err) {
				if round, err = e.store.GetRoundByKey(ctx, key); err != nil {
					return fmt.Errorf("lookup round after duplicate create: %w", err)
				}
			} else {
				return fmt.Errorf("create round: %w", err)
			}
		} else {
			e.ui.VerboseLog("round %s created for %s#%d @ %s", round.ID, repo.Name, sig.PRNumber, shortSHA(sig.HeadSHA))
		}
	} else if err != nil {
		return fmt.Errorf("lookup round: %w", err)
	}

	if round.Status == models.RoundStatusComplete {
		return nil
	}

	now := e.now()
	round.CheckState = string(sig.State)
	round.NextFetchAt = &now
	if err := e.store.UpdateRound(ctx, round); err != nil {
		return fmt.Errorf("update round: %w", err)
	}

	return e.processRound(ctx, repo, round, cfg)
}

// Sweep runs one fetch-and-correlate pass for every round whose scheduled
// retry time has passed. Failures on individual rounds are logged and do not
// abort the sweep.
func (e *Engine) Sweep(ctx context.Context) error {
	due, err := e.store.ListDueRounds(ctx, e.now())
	if err != nil {
		return fmt.Errorf("list due rounds: %w", err)
	}

	for _, round := range due {
		repo, err := e.store.GetRepo(ctx, round.RepoID)
		if err != nil {
			e.ui.Warning("round %s: repo lookup failed: %v", round.ID, err)
			continue
		}

		cfg := e.settings.ForRepo(repo.Name)
		if !cfg.Enabled {
			continue
		}

		if err := e.processRound(ctx, repo, round, cfg); err != nil {
			e.ui.Warning("round %s (%s#%d): %v", round.ID, repo.Name, round.PRNumber, err)
		}
	}
	return nil
}

// HandlePRClosed applies the repository's retention policy after a pull
// request closes.
func (e *Engine) HandlePRClosed(ctx context.Context, repo *models.Repo, prNumber int) error {
	cfg := e.settings.ForRepo(repo.Name)
	if cfg.Retention != settings.RetentionDeleteOnClose {
		return nil
	}

	n, err := e.store.DeleteRoundsByPR(ctx, repo.ID, prNumber)
	if err != nil {
		return fmt.Errorf("delete rounds for %s#%d: %w", repo.Name, prNumber, err)
	}
	if n > 0 {
		e.ui.VerboseLog("removed %d round(s) for closed %s#%d", n, repo.Name, prNumber)
	}
	return nil
}

// processRound runs one fetch-and-correlate attempt against the round. A
// fetch failure counts as zero items this attempt so transient provider
// errors ride the normal backoff path.
func (e *Engine) processRound(ctx context.Context, repo *models.Repo, round *models.ReviewRound, cfg settings.ReviewSettings) error {
	dir, err := e.workdirs.WorkingDir(repo, round)
	if err != nil {
		if errors.Is(err, workspace.ErrNoWorkingDir) {
			e.ui.Warning("round %s: no working directory, skipping this cycle", round.ID)
			return nil
		}
		return err
	}

	batch, err := e.source.FetchFeedback(dir, round.PRNumber)
	if err != nil {
		e.ui.Warning("round %s: fetch failed, treating as zero items: %v", round.ID, err)
		batch = feedback.Batch{}
	}

	extractor := feedback.Extractor{Logins: cfg.ReviewerLogins, Now: e.now}
	items := extractor.Extract(batch)

	now := e.now()
	part := partitionItems(round, items, now)

	for sha, group := range part.foreign {
		if err := e.absorbForeignGroup(ctx, repo, round.PRNumber, sha, group); err != nil {
			return err
		}
	}

	for _, item := range part.current {
		item.RoundID = round.ID
	}
	if _, err := e.store.InsertItems(ctx, part.current); err != nil {
		return fmt.Errorf("insert items: %w", err)
	}

	// Recompute from storage so repeated attempts stay correct.
	count, err := e.store.CountItemsForRound(ctx, round.ID)
	if err != nil {
		return fmt.Errorf("count items: %w", err)
	}

	scheduleNextAttempt(round, count, cfg.Backoff, now)
	if err := e.store.UpdateRound(ctx, round); err != nil {
		return fmt.Errorf("update round: %w", err)
	}

	if round.Status == models.RoundStatusComplete {
		e.ui.Info("%s#%d @ %s: round complete, %d actionable item(s) after %d attempt(s)",
			repo.Name, round.PRNumber, shortSHA(round.HeadSHA), round.ActionableCount, round.AttemptCount)
	} else {
		e.ui.VerboseLog("%s#%d @ %s: no feedback yet, attempt %d, next fetch %s",
			repo.Name, round.PRNumber, shortSHA(round.HeadSHA), round.AttemptCount,
			round.NextFetchAt.Format(time.RFC3339))
	}
	return nil
}

// absorbForeignGroup attaches items referencing a non-head commit to that
// commit's own round, creating one when needed. Foreign rounds have no check
// to wait for, so they complete as soon as they hold items.
func (e *Engine) absorbForeignGroup(ctx context.Context, repo *models.Repo, prNumber int, sha string, items []*models.FeedbackItem) error {
	round, err := e.store.GetLatestRoundForHead(ctx, repo.ID, prNumber, sha)
	if errors.Is(err, store.ErrNotFound) {
		round = &models.ReviewRound{
			RepoID:   repo.ID,
			PRNumber: prNumber,
			HeadSHA:  sha,
			// No check event exists for a foreign commit; the earliest
			// item time is the best available anchor.
			CheckStartedAt: earliestCreation(items).UTC().Format(time.RFC3339),
		}
		if err := e.store.CreateRound(ctx, round); err != nil {
			return fmt.Errorf("create foreign round: %w", err)
		}
		e.ui.VerboseLog("foreign round %s created for %s#%d @ %s", round.ID, repo.Name, prNumber, shortSHA(sha))
	} else if err != nil {
		return fmt.Errorf("lookup foreign round: %w", err)
	}

	for _, item := range items {
		item.RoundID = round.ID
	}
	if _, err := e.store.InsertItems(ctx, items); err != nil {
		return fmt.Errorf("insert foreign items: %w", err)
	}

	count, err := e.store.CountItemsForRound(ctx, round.ID)
	if err != nil {
		return fmt.Errorf("count foreign items: %w", err)
	}

	round.ActionableCount = count
	if count > 0 && round.Status != models.RoundStatusComplete {
		complete(round, e.now())
	}
	if err := e.store.UpdateRound(ctx, round); err != nil {
		return fmt.Errorf("update foreign round: %w", err)
	}
	return nil
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
