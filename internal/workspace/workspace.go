// Package workspace resolves the filesystem directory a round's feedback
// fetch should run from.
package workspace

import (
	"fmt"
	"os"

	"github.com/joescharf/prw/internal/models"
)

// ErrNoWorkingDir is returned when neither the round's workspace nor the
// repository's base checkout exists on disk. Callers skip the round and try
// again on a later sweep.
var ErrNoWorkingDir = fmt.Errorf("no usable working directory")

// Resolver picks a working directory for a round, preferring the round's
// own workspace and falling back to the repository's base checkout.
type Resolver struct {
	// Stat is injectable for tests. Defaults to os.Stat.
	Stat func(string) (os.FileInfo, error)
}

// NewResolver returns a Resolver using the real filesystem.
func NewResolver() *Resolver {
	return &Resolver{Stat: os.Stat}
}

func (r *Resolver) stat(path string) (os.FileInfo, error) {
	if r.Stat != nil {
		return r.Stat(path)
	}
	return os.Stat(path)
}

// WorkingDir returns the directory to run gh from for the given round.
func (r *Resolver) WorkingDir(repo *models.Repo, round *models.ReviewRound) (string, error) {
	if round.WorkspacePath != "" {
		if info, err := r.stat(round.WorkspacePath); err == nil && info.IsDir() {
			return round.WorkspacePath, nil
		}
	}

	if repo.Path != "" {
		if info, err := r.stat(repo.Path); err == nil && info.IsDir() {
			return repo.Path, nil
		}
	}

	return "", fmt.Errorf("round %s: %w", round.ID, ErrNoWorkingDir)
}
