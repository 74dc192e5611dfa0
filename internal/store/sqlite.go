package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/prw/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors when the watcher and a CLI
	// invocation overlap.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Repos ---

func (s *SQLiteStore) CreateRepo(ctx context.Context, r *models.Repo) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repos (id, name, path, repo_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Path, r.RepoURL, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create repo: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRepo(ctx context.Context, id string) (*models.Repo, error) {
	return s.getRepo(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetRepoByName(ctx context.Context, name string) (*models.Repo, error) {
	return s.getRepo(ctx, "name = ?", name)
}

func (s *SQLiteStore) getRepo(ctx context.Context, where string, arg any) (*models.Repo, error) {
	r := &models.Repo{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, repo_url, created_at, updated_at
		FROM repos WHERE `+where, arg,
	).Scan(&r.ID, &r.Name, &r.Path, &r.RepoURL, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("repo %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get repo: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListRepos(ctx context.Context) ([]*models.Repo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, path, repo_url, created_at, updated_at
		FROM repos ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []*models.Repo
	for rows.Next() {
		r := &models.Repo{}
		if err := rows.Scan(&r.ID, &r.Name, &r.Path, &r.RepoURL, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func (s *SQLiteStore) DeleteRepo(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM repos WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete repo: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("repo %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Review rounds ---

const roundColumns = `id, repo_id, pr_number, head_sha, check_started_at, workspace_path,
	check_state, status, attempt_count, actionable_count, next_fetch_at, completed_at,
	created_at, updated_at`

func (s *SQLiteStore) CreateRound(ctx context.Context, r *models.ReviewRound) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	if r.Status == "" {
		r.Status = models.RoundStatusPending
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_rounds (`+roundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RepoID, r.PRNumber, r.HeadSHA, r.CheckStartedAt, r.WorkspacePath,
		r.CheckState, string(r.Status), r.AttemptCount, r.ActionableCount,
		r.NextFetchAt, r.CompletedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create round: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRound(ctx context.Context, id string) (*models.ReviewRound, error) {
	return s.getRound(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetRoundByKey(ctx context.Context, key models.RoundKey) (*models.ReviewRound, error) {
	return s.getRound(ctx,
		"repo_id = ? AND pr_number = ? AND head_sha = ? AND check_started_at = ?",
		key.RepoID, key.PRNumber, key.HeadSHA, key.CheckStartedAt)
}

func (s *SQLiteStore) GetLatestRoundForHead(ctx context.Context, repoID string, pr int, headSHA string) (*models.ReviewRound, error) {
	return s.getRound(ctx,
		"repo_id = ? AND pr_number = ? AND head_sha = ? ORDER BY created_at DESC LIMIT 1",
		repoID, pr, headSHA)
}

func (s *SQLiteStore) getRound(ctx context.Context, where string, args ...any) (*models.ReviewRound, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roundColumns+` FROM review_rounds WHERE `+where, args...)
	r, err := scanRound(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("round: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get round: %w", err)
	}
	return r, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (*models.ReviewRound, error) {
	r := &models.ReviewRound{}
	var status string
	var nextFetchAt, completedAt sql.NullTime

	err := row.Scan(&r.ID, &r.RepoID, &r.PRNumber, &r.HeadSHA, &r.CheckStartedAt,
		&r.WorkspacePath, &r.CheckState, &status, &r.AttemptCount, &r.ActionableCount,
		&nextFetchAt, &completedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	r.Status = models.RoundStatus(status)
	if nextFetchAt.Valid {
		r.NextFetchAt = &nextFetchAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func (s *SQLiteStore) ListRounds(ctx context.Context, repoID string, limit int) ([]*models.ReviewRound, error) {
	query := `SELECT ` + roundColumns + ` FROM review_rounds`
	var args []any

	if repoID != "" {
		query += " WHERE repo_id = ?"
		args = append(args, repoID)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return s.scanRounds(ctx, query, args...)
}

func (s *SQLiteStore) ListDueRounds(ctx context.Context, now time.Time) ([]*models.ReviewRound, error) {
	return s.scanRounds(ctx,
		`SELECT `+roundColumns+` FROM review_rounds
		WHERE status != ? AND next_fetch_at IS NOT NULL AND next_fetch_at <= ?
		ORDER BY next_fetch_at`,
		string(models.RoundStatusComplete), now.UTC())
}

func (s *SQLiteStore) scanRounds(ctx context.Context, query string, args ...any) ([]*models.ReviewRound, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rounds []*models.ReviewRound
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

func (s *SQLiteStore) UpdateRound(ctx context.Context, r *models.ReviewRound) error {
	r.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE review_rounds SET workspace_path=?, check_state=?, status=?, attempt_count=?,
		actionable_count=?, next_fetch_at=?, completed_at=?, updated_at=? WHERE id=?`,
		r.WorkspacePath, r.CheckState, string(r.Status), r.AttemptCount,
		r.ActionableCount, r.NextFetchAt, r.CompletedAt, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update round: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("round %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteRoundsByPR(ctx context.Context, repoID string, pr int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM review_rounds WHERE repo_id = ? AND pr_number = ?", repoID, pr)
	if err != nil {
		return 0, fmt.Errorf("delete rounds by pr: %w", err)
	}
	return res.RowsAffected()
}

// --- Feedback items ---

// InsertItems inserts feedback items idempotently: an item whose
// (round_id, comment_id) pair already exists is silently skipped, so the
// engine can re-process the full comment list on every attempt. Returns the
// number of newly inserted rows.
func (s *SQLiteStore) InsertItems(ctx context.Context, items []*models.FeedbackItem) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var inserted int64
	for _, item := range items {
		if item.ID == "" {
			item.ID = newULID()
		}
		now := time.Now().UTC()
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		item.UpdatedAt = now

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO feedback_items
			(id, round_id, comment_id, source, category, severity, commit_sha,
			file_path, line, original_line, diff_hunk, url, body, agent_prompt,
			created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.RoundID, item.CommentID, string(item.Source),
			string(item.Category), string(item.Severity), item.CommitSHA,
			item.FilePath, item.Line, item.OriginalLine, item.DiffHunk,
			item.URL, item.Body, item.AgentPrompt, item.CreatedAt, item.UpdatedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("insert item %d: %w", item.CommentID, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return inserted, nil
}

func (s *SQLiteStore) CountItemsForRound(ctx context.Context, roundID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM feedback_items WHERE round_id = ?", roundID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) ListItemsForRound(ctx context.Context, roundID string) ([]*models.FeedbackItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, round_id, comment_id, source, category, severity, commit_sha,
		file_path, line, original_line, diff_hunk, url, body, agent_prompt,
		created_at, updated_at
		FROM feedback_items WHERE round_id = ? ORDER BY created_at, comment_id`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*models.FeedbackItem
	for rows.Next() {
		item := &models.FeedbackItem{}
		var source, category, severity string
		if err := rows.Scan(&item.ID, &item.RoundID, &item.CommentID, &source,
			&category, &severity, &item.CommitSHA, &item.FilePath, &item.Line,
			&item.OriginalLine, &item.DiffHunk, &item.URL, &item.Body,
			&item.AgentPrompt, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.Source = models.ItemSource(source)
		item.Category = models.ItemCategory(category)
		item.Severity = models.ItemSeverity(severity)
		items = append(items, item)
	}
	return items, rows.Err()
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsDuplicateKey reports whether an error from CreateRound means the round's
// idempotency key already exists.
func IsDuplicateKey(err error) bool {
	return isUniqueViolation(err)
}
