package engine

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/prw/internal/checks"
	"github.com/joescharf/prw/internal/feedback"
	"github.com/joescharf/prw/internal/models"
	"github.com/joescharf/prw/internal/output"
	"github.com/joescharf/prw/internal/settings"
	"github.com/joescharf/prw/internal/store"
	"github.com/joescharf/prw/internal/workspace"
)

type fakeSource struct {
	batch feedback.Batch
	err   error
	calls int
}

func (f *fakeSource) FetchFeedback(dir string, prNumber int) (feedback.Batch, error) {
	f.calls++
	return f.batch, f.err
}

type fakeSettings struct {
	cfg settings.ReviewSettings
}

func (f *fakeSettings) ForRepo(string) settings.ReviewSettings { return f.cfg }

type fakeWorkdirs struct {
	dir string
	err error
}

func (f *fakeWorkdirs) WorkingDir(*models.Repo, *models.ReviewRound) (string, error) {
	return f.dir, f.err
}

type fixture struct {
	engine *Engine
	store  *store.SQLiteStore
	repo   *models.Repo
	source *fakeSource
	clock  *time.Time
}

func defaultSettings() settings.ReviewSettings {
	return settings.ReviewSettings{
		Enabled:        true,
		ReviewerLogins: []string{"coderabbitai[bot]", "coderabbitai"},
		CheckContext:   "coderabbitai",
		Backoff:        []time.Duration{30 * time.Second, 120 * time.Second},
		Retention:      settings.RetentionKeep,
	}
}

func newFixture(t *testing.T, cfg settings.ReviewSettings, source *fakeSource) *fixture {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	repo := &models.Repo{Name: "myrepo", Path: "/tmp/myrepo"}
	require.NoError(t, st.CreateRepo(context.Background(), repo))

	clock := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	f := &fixture{store: st, repo: repo, source: source, clock: &clock}

	ui := &output.UI{Out: &bytes.Buffer{}, ErrOut: &bytes.Buffer{}}
	f.engine = New(st, source, &fakeSettings{cfg: cfg}, &fakeWorkdirs{dir: "/tmp/myrepo"}, ui,
		func() time.Time { return *f.clock })
	return f
}

func signal(pr int, head, startedAt string) checks.CompletionSignal {
	return checks.CompletionSignal{
		PRNumber:  pr,
		HeadSHA:   head,
		State:     checks.StateSuccess,
		StartedAt: startedAt,
	}
}

func reviewComment(id int64, commit, body, createdAt string) feedback.ReviewComment {
	return feedback.ReviewComment{
		ID:        id,
		User:      feedback.Author{Login: "coderabbitai[bot]"},
		Body:      body,
		CommitID:  commit,
		CreatedAt: createdAt,
	}
}

func TestHandleCompletionFirstFetchFindsFeedback(t *testing.T) {
	source := &fakeSource{batch: feedback.Batch{
		ReviewComments: []feedback.ReviewComment{
			reviewComment(100, "abc123", "Potential issue: unchecked return value", "2026-08-20T10:02:00Z"),
		},
	}}
	f := newFixture(t, defaultSettings(), source)
	ctx := context.Background()

	err := f.engine.HandleCompletion(ctx, f.repo, signal(12, "abc123", "2026-08-20T10:00:00Z"))
	require.NoError(t, err)

	rounds, err := f.store.ListRounds(ctx, f.repo.ID, 0)
	require.NoError(t, err)
	require.Len(t, rounds, 1)

	round := rounds[0]
	assert.Equal(t, models.RoundStatusComplete, round.Status)
	assert.Equal(t, 1, round.AttemptCount)
	assert.Equal(t, 1, round.ActionableCount)
	assert.NotNil(t, round.CompletedAt)
	assert.Nil(t, round.NextFetchAt)

	items, err := f.store.ListItemsForRound(ctx, round.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.CategoryPotentialIssue, items[0].Category)
	assert.Empty(t, items[0].Severity)
}

func TestHandleCompletionDisabledIsNoop(t *testing.T) {
	cfg := defaultSettings()
	cfg.Enabled = false
	f := newFixture(t, cfg, &fakeSource{})
	ctx := context.Background()

	require.NoError(t, f.engine.HandleCompletion(ctx, f.repo, signal(12, "abc123", "2026-08-20T10:00:00Z")))

	rounds, err := f.store.ListRounds(ctx, f.repo.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, rounds)
	assert.Zero(t, f.source.calls)
}

func TestRepeatedSignalIsIdempotent(t *testing.T) {
	source := &fakeSource{batch: feedback.Batch{
		ReviewComments: []feedback.ReviewComment{
			reviewComment(100, "abc123", "Potential issue: off by one", "2026-08-20T10:02:00Z"),
		},
	}}
	f := newFixture(t, defaultSettings(), source)
	ctx := context.Background()
	sig := signal(12, "abc123", "2026-08-20T10:00:00Z")

	require.NoError(t, f.engine.HandleCompletion(ctx, f.repo, sig))
	require.NoError(t, f.engine.HandleCompletion(ctx, f.repo, sig))
	require.NoError(t, f.engine.HandleCompletion(ctx, f.repo, sig))

	rounds, err := f.store.ListRounds(ctx, f.repo.ID, 0)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, 1, rounds[0].AttemptCount)

	// Once the round completed, later identical signals fetch nothing.
	assert.Equal(t, 1, f.source.calls)
}

func TestBackoffPathGivesUpAfterListExhausted(t *testing.T) {
	f := newFixture(t, defaultSettings(), &fakeSource{}) // always zero items
	ctx := context.Background()

	require.NoError(t, f.engine.HandleCompletion(ctx, f.repo, signal(12, "abc123", "2026-08-20T10:00:00Z")))

	rounds, err := f.store.ListRounds(ctx, f.repo.ID, 0)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	round := rounds[0]
	assert.Equal(t, models.RoundStatusPending, round.Status)
	assert.Equal(t, 1, round.AttemptCount)
	require.NotNil(t, round.NextFetchAt)
	assert.True(t, round.NextFetchAt.Equal(f.clock.Add(30*time.Second)))

	// Not due yet: sweeping now does nothing.
	require.NoError(t, f.engine.Sweep(ctx))
	round, err = f.store.GetRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, round.AttemptCount)

	// Advance past the first delay: attempt 2 exhausts the two-entry list.
	*f.clock = f.clock.Add(31 * time.Second)
	require.NoError(t, f.engine.Sweep(ctx))

	round, err = f.store.GetRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundStatusComplete, round.Status)
	assert.Equal(t, 2, round.AttemptCount)
	assert.Equal(t, 0, round.ActionableCount)
	assert.Nil(t, round.NextFetchAt)

	// Completed rounds never come due again.
	*f.clock = f.clock.Add(time.Hour)
	require.NoError(t, f.engine.Sweep(ctx))
	round, err = f.store.GetRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, round.AttemptCount)
}

func TestForeignCommitSpawnsOwnRound(t *testing.T) {
	source := &fakeSource{batch: feedback.Batch{
		ReviewComments: []feedback.ReviewComment{
			reviewComment(200, "def456", "Potential issue: stale read", "2026-08-20T09:55:00Z"),
		},
	}}
	f := newFixture(t, defaultSettings(), source)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleCompletion(ctx, f.repo, signal(12, "abc123", "2026-08-20T10:00:00Z")))

	rounds, err := f.store.ListRounds(ctx, f.repo.ID, 0)
	require.NoError(t, err)
	require.Len(t, rounds, 2)

	byHead := map[string]*models.ReviewRound{}
	for _, r := range rounds {
		byHead[r.HeadSHA] = r
	}

	// The tracked round saw no items of its own and stays pending.
	current := byHead["abc123"]
	require.NotNil(t, current)
	assert.Equal(t, models.RoundStatusPending, current.Status)
	assert.Equal(t, 0, current.ActionableCount)

	// The foreign commit got its own round, completed immediately, anchored
	// on the item's creation time.
	foreign := byHead["def456"]
	require.NotNil(t, foreign)
	assert.Equal(t, models.RoundStatusComplete, foreign.Status)
	assert.Equal(t, 1, foreign.ActionableCount)
	assert.Equal(t, "2026-08-20T09:55:00Z", foreign.CheckStartedAt)
	assert.Nil(t, foreign.NextFetchAt)
}

func TestForeignItemsReuseExistingRound(t *testing.T) {
	source := &fakeSource{batch: feedback.Batch{
		ReviewComments: []feedback.ReviewComment{
			reviewComment(200, "def456", "Potential issue: stale read", "2026-08-20T09:55:00Z"),
		},
	}}
	f := newFixture(t, defaultSettings(), source)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleCompletion(ctx, f.repo, signal(12, "abc123", "2026-08-20T10:00:00Z")))

	// A retry of the tracked round re-sees the same foreign comment.
	*f.clock = f.clock.Add(31 * time.Second)
	require.NoError(t, f.engine.Sweep(ctx))

	rounds, err := f.store.ListRounds(ctx, f.repo.ID, 0)
	require.NoError(t, err)
	assert.Len(t, rounds, 2)

	foreign, err := f.store.GetLatestRoundForHead(ctx, f.repo.ID, 12, "def456")
	require.NoError(t, err)
	assert.Equal(t, 1, foreign.ActionableCount)
}

func TestCommitlessCommentWithinWindow(t *testing.T) {
	source := &fakeSource{batch: feedback.Batch{
		IssueComments: []feedback.IssueComment{{
			ID:        300,
			User:      feedback.Author{Login: "coderabbitai[bot]"},
			Body:      "Refactor suggestion: collapse duplicate branches",
			CreatedAt: "2026-08-20T10:01:00Z",
		}},
	}}
	f := newFixture(t, defaultSettings(), source)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleCompletion(ctx, f.repo, signal(12, "abc123", "2026-08-20T10:00:00Z")))

	rounds, err := f.store.ListRounds(ctx, f.repo.ID, 0)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, models.RoundStatusComplete, rounds[0].Status)
	assert.Equal(t, 1, rounds[0].ActionableCount)
}

func TestCommitlessCommentOutsideWindowDropped(t *testing.T) {
	source := &fakeSource{batch: feedback.Batch{
		IssueComments: []feedback.IssueComment{{
			ID:        300,
			User:      feedback.Author{Login: "coderabbitai[bot]"},
			Body:      "Refactor suggestion: from a previous review pass",
			CreatedAt: "2026-08-19T08:00:00Z", // a day before the check started
		}},
	}}
	f := newFixture(t, defaultSettings(), source)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleCompletion(ctx, f.repo, signal(12, "abc123", "2026-08-20T10:00:00Z")))

	rounds, err := f.store.ListRounds(ctx, f.repo.ID, 0)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, models.RoundStatusPending, rounds[0].Status)
	assert.Equal(t, 0, rounds[0].ActionableCount)
}

func TestFetchErrorCountsAsZeroItems(t *testing.T) {
	source := &fakeSource{err: assert.AnError}
	f := newFixture(t, defaultSettings(), source)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleCompletion(ctx, f.repo, signal(12, "abc123", "2026-08-20T10:00:00Z")))

	rounds, err := f.store.ListRounds(ctx, f.repo.ID, 0)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, models.RoundStatusPending, rounds[0].Status)
	assert.Equal(t, 1, rounds[0].AttemptCount)
	assert.NotNil(t, rounds[0].NextFetchAt)
}

func TestSweepSkipsRoundWithoutWorkdir(t *testing.T) {
	f := newFixture(t, defaultSettings(), &fakeSource{})
	f.engine.workdirs = &fakeWorkdirs{err: workspace.ErrNoWorkingDir}
	ctx := context.Background()

	require.NoError(t, f.engine.HandleCompletion(ctx, f.repo, signal(12, "abc123", "2026-08-20T10:00:00Z")))

	// No fetch happened; the round is untouched this cycle.
	rounds, err := f.store.ListRounds(ctx, f.repo.ID, 0)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, 0, rounds[0].AttemptCount)
	assert.Zero(t, f.source.calls)
}

func TestRetentionDeleteOnClose(t *testing.T) {
	source := &fakeSource{batch: feedback.Batch{
		ReviewComments: []feedback.ReviewComment{
			reviewComment(100, "abc123", "Potential issue: x", "2026-08-20T10:02:00Z"),
		},
	}}
	cfg := defaultSettings()
	cfg.Retention = settings.RetentionDeleteOnClose
	f := newFixture(t, cfg, source)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleCompletion(ctx, f.repo, signal(12, "abc123", "2026-08-20T10:00:00Z")))
	require.NoError(t, f.engine.HandlePRClosed(ctx, f.repo, 12))

	rounds, err := f.store.ListRounds(ctx, f.repo.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, rounds)
}

func TestRetentionKeepLeavesRounds(t *testing.T) {
	source := &fakeSource{batch: feedback.Batch{
		ReviewComments: []feedback.ReviewComment{
			reviewComment(100, "abc123", "Potential issue: x", "2026-08-20T10:02:00Z"),
		},
	}}
	f := newFixture(t, defaultSettings(), source)
	ctx := context.Background()

	require.NoError(t, f.engine.HandleCompletion(ctx, f.repo, signal(12, "abc123", "2026-08-20T10:00:00Z")))
	require.NoError(t, f.engine.HandlePRClosed(ctx, f.repo, 12))

	rounds, err := f.store.ListRounds(ctx, f.repo.ID, 0)
	require.NoError(t, err)
	assert.Len(t, rounds, 1)

	items, err := f.store.ListItemsForRound(ctx, rounds[0].ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
