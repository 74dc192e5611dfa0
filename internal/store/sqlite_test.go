package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/prw/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	require.NoError(t, s.Migrate(context.Background()))

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRepo(t *testing.T, s *SQLiteStore) *models.Repo {
	t.Helper()

	r := &models.Repo{
		Name:    "myrepo",
		Path:    "/tmp/myrepo",
		RepoURL: "https://github.com/owner/myrepo",
	}
	require.NoError(t, s.CreateRepo(context.Background(), r))
	return r
}

func TestRepoCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := newTestRepo(t, s)
	assert.NotEmpty(t, repo.ID)

	got, err := s.GetRepo(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "myrepo", got.Name)
	assert.Equal(t, "/tmp/myrepo", got.Path)

	byName, err := s.GetRepoByName(ctx, "myrepo")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, byName.ID)

	repos, err := s.ListRepos(ctx)
	require.NoError(t, err)
	assert.Len(t, repos, 1)

	require.NoError(t, s.DeleteRepo(ctx, repo.ID))

	_, err = s.GetRepo(ctx, repo.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRepoNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRepoByName(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = s.DeleteRepo(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRoundCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s)

	round := &models.ReviewRound{
		RepoID:         repo.ID,
		PRNumber:       42,
		HeadSHA:        "abc123",
		CheckStartedAt: "2026-08-20T10:00:00Z",
		CheckState:     "SUCCESS",
	}
	require.NoError(t, s.CreateRound(ctx, round))
	assert.NotEmpty(t, round.ID)
	assert.Equal(t, models.RoundStatusPending, round.Status)

	got, err := s.GetRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, got.PRNumber)
	assert.Equal(t, "abc123", got.HeadSHA)
	assert.Nil(t, got.NextFetchAt)
	assert.Nil(t, got.CompletedAt)

	byKey, err := s.GetRoundByKey(ctx, round.Key())
	require.NoError(t, err)
	assert.Equal(t, round.ID, byKey.ID)

	next := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	got.AttemptCount = 1
	got.NextFetchAt = &next
	require.NoError(t, s.UpdateRound(ctx, got))

	got2, err := s.GetRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got2.AttemptCount)
	require.NotNil(t, got2.NextFetchAt)
	assert.True(t, got2.NextFetchAt.Equal(next))
}

func TestRoundKeyUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s)

	round := &models.ReviewRound{
		RepoID:         repo.ID,
		PRNumber:       7,
		HeadSHA:        "def456",
		CheckStartedAt: "2026-08-20T11:00:00Z",
	}
	require.NoError(t, s.CreateRound(ctx, round))

	dup := &models.ReviewRound{
		RepoID:         repo.ID,
		PRNumber:       7,
		HeadSHA:        "def456",
		CheckStartedAt: "2026-08-20T11:00:00Z",
	}
	err := s.CreateRound(ctx, dup)
	require.Error(t, err)
	assert.True(t, IsDuplicateKey(err))

	// Same PR, different start time is a new round.
	other := &models.ReviewRound{
		RepoID:         repo.ID,
		PRNumber:       7,
		HeadSHA:        "def456",
		CheckStartedAt: "2026-08-20T12:00:00Z",
	}
	require.NoError(t, s.CreateRound(ctx, other))
}

func TestGetLatestRoundForHead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s)

	first := &models.ReviewRound{
		RepoID: repo.ID, PRNumber: 1, HeadSHA: "sha1",
		CheckStartedAt: "2026-08-20T10:00:00Z",
	}
	require.NoError(t, s.CreateRound(ctx, first))

	// Later round on same head.
	time.Sleep(5 * time.Millisecond)
	second := &models.ReviewRound{
		RepoID: repo.ID, PRNumber: 1, HeadSHA: "sha1",
		CheckStartedAt: "2026-08-20T11:00:00Z",
	}
	require.NoError(t, s.CreateRound(ctx, second))

	latest, err := s.GetLatestRoundForHead(ctx, repo.ID, 1, "sha1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, err = s.GetLatestRoundForHead(ctx, repo.ID, 1, "other")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListDueRounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s)
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &models.ReviewRound{
		RepoID: repo.ID, PRNumber: 1, HeadSHA: "a",
		CheckStartedAt: "t1", NextFetchAt: &past,
	}
	notYet := &models.ReviewRound{
		RepoID: repo.ID, PRNumber: 2, HeadSHA: "b",
		CheckStartedAt: "t2", NextFetchAt: &future,
	}
	noSchedule := &models.ReviewRound{
		RepoID: repo.ID, PRNumber: 3, HeadSHA: "c",
		CheckStartedAt: "t3",
	}
	completed := &models.ReviewRound{
		RepoID: repo.ID, PRNumber: 4, HeadSHA: "d",
		CheckStartedAt: "t4", Status: models.RoundStatusComplete, NextFetchAt: &past,
	}
	for _, r := range []*models.ReviewRound{due, notYet, noSchedule, completed} {
		require.NoError(t, s.CreateRound(ctx, r))
	}

	rounds, err := s.ListDueRounds(ctx, now)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, due.ID, rounds[0].ID)
}

func TestDeleteRoundsByPR(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s)

	for i, sha := range []string{"a", "b"} {
		r := &models.ReviewRound{
			RepoID: repo.ID, PRNumber: 9, HeadSHA: sha,
			CheckStartedAt: time.Now().Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		}
		require.NoError(t, s.CreateRound(ctx, r))
	}
	keep := &models.ReviewRound{
		RepoID: repo.ID, PRNumber: 10, HeadSHA: "c", CheckStartedAt: "t",
	}
	require.NoError(t, s.CreateRound(ctx, keep))

	n, err := s.DeleteRoundsByPR(ctx, repo.ID, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rounds, err := s.ListRounds(ctx, repo.ID, 0)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, keep.ID, rounds[0].ID)
}

func TestInsertItemsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s)

	round := &models.ReviewRound{
		RepoID: repo.ID, PRNumber: 1, HeadSHA: "a", CheckStartedAt: "t",
	}
	require.NoError(t, s.CreateRound(ctx, round))

	items := []*models.FeedbackItem{
		{
			RoundID:   round.ID,
			CommentID: 100,
			Source:    models.ItemSourceReviewComment,
			Category:  models.CategoryPotentialIssue,
			Severity:  models.SeverityMajor,
			FilePath:  "main.go",
			Line:      10,
			Body:      "nil deref",
		},
		{
			RoundID:   round.ID,
			CommentID: 101,
			Source:    models.ItemSourceReviewComment,
			Category:  models.CategoryRefactorSuggestion,
			FilePath:  "util.go",
		},
	}

	n, err := s.InsertItems(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Re-inserting the same comment IDs is a no-op.
	again := []*models.FeedbackItem{
		{RoundID: round.ID, CommentID: 100, Source: models.ItemSourceReviewComment, Category: models.CategoryPotentialIssue},
		{RoundID: round.ID, CommentID: 102, Source: models.ItemSourceIssueComment, Category: models.CategoryPotentialIssue},
	}
	n, err = s.InsertItems(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := s.CountItemsForRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	listed, err := s.ListItemsForRound(ctx, round.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, models.SeverityMajor, listed[0].Severity)
	assert.Equal(t, "main.go", listed[0].FilePath)
}

func TestCascadeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t, s)

	round := &models.ReviewRound{
		RepoID: repo.ID, PRNumber: 1, HeadSHA: "a", CheckStartedAt: "t",
	}
	require.NoError(t, s.CreateRound(ctx, round))

	_, err := s.InsertItems(ctx, []*models.FeedbackItem{
		{RoundID: round.ID, CommentID: 1, Source: models.ItemSourceReview, Category: models.CategoryPotentialIssue},
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRepo(ctx, repo.ID))

	count, err := s.CountItemsForRound(ctx, round.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
