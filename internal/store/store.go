package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/prw/internal/models"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for prw.
type Store interface {
	// Repos
	CreateRepo(ctx context.Context, r *models.Repo) error
	GetRepo(ctx context.Context, id string) (*models.Repo, error)
	GetRepoByName(ctx context.Context, name string) (*models.Repo, error)
	ListRepos(ctx context.Context) ([]*models.Repo, error)
	DeleteRepo(ctx context.Context, id string) error

	// Review rounds
	CreateRound(ctx context.Context, r *models.ReviewRound) error
	GetRound(ctx context.Context, id string) (*models.ReviewRound, error)
	GetRoundByKey(ctx context.Context, key models.RoundKey) (*models.ReviewRound, error)
	GetLatestRoundForHead(ctx context.Context, repoID string, pr int, headSHA string) (*models.ReviewRound, error)
	ListRounds(ctx context.Context, repoID string, limit int) ([]*models.ReviewRound, error)
	ListDueRounds(ctx context.Context, now time.Time) ([]*models.ReviewRound, error)
	UpdateRound(ctx context.Context, r *models.ReviewRound) error
	DeleteRoundsByPR(ctx context.Context, repoID string, pr int) (int64, error)

	// Feedback items
	InsertItems(ctx context.Context, items []*models.FeedbackItem) (int64, error)
	CountItemsForRound(ctx context.Context, roundID string) (int, error)
	ListItemsForRound(ctx context.Context, roundID string) ([]*models.FeedbackItem, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
