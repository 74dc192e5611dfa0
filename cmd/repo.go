package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/joescharf/prw/internal/git"
	"github.com/joescharf/prw/internal/models"
	"github.com/joescharf/prw/internal/output"
	"github.com/joescharf/prw/internal/store"
)

var repoName string

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage watched repositories",
	Long:  "Add, remove, and list repositories whose pull requests prw watches.",
}

var repoAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Add a repository to the watch list",
	Long:  "Add a local git checkout to prw's watch list. Use '.' for the current directory.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoAddRun(args[0])
	},
}

var repoRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Remove a repository from the watch list",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoRemoveRun(args[0])
	},
}

var repoListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List watched repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoListRun()
	},
}

func init() {
	repoAddCmd.Flags().StringVar(&repoName, "name", "", "Override repo name (default: directory name)")

	repoCmd.AddCommand(repoAddCmd)
	repoCmd.AddCommand(repoRemoveCmd)
	repoCmd.AddCommand(repoListCmd)
	rootCmd.AddCommand(repoCmd)
}

func repoAddRun(rawPath string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("not a directory: %s", absPath)
	}

	name := repoName
	if name == "" {
		name = filepath.Base(absPath)
	}

	// Try to get remote URL
	gc := git.NewClient()
	remoteURL, _ := gc.RemoteURL(absPath)

	r := &models.Repo{
		Name:    name,
		Path:    absPath,
		RepoURL: remoteURL,
	}

	if err := s.CreateRepo(context.Background(), r); err != nil {
		return fmt.Errorf("add repo: %w", err)
	}

	ui.Success("Watching repo: %s (%s)", output.Cyan(name), absPath)
	if remoteURL != "" {
		if owner, ghRepo, err := git.ExtractOwnerRepo(remoteURL); err == nil {
			ui.VerboseLog("Remote: %s/%s (%s)", owner, ghRepo, remoteURL)
		} else {
			ui.VerboseLog("Remote: %s", remoteURL)
		}
	}
	return nil
}

func repoRemoveRun(name string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	r, err := resolveRepo(ctx, s, name)
	if err != nil {
		return err
	}

	if err := s.DeleteRepo(ctx, r.ID); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}

	ui.Success("Removed repo: %s", output.Cyan(r.Name))
	return nil
}

func repoListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repos, err := s.ListRepos(ctx)
	if err != nil {
		return err
	}

	if len(repos) == 0 {
		ui.Info("No repos watched. Use 'prw repo add <path>' to get started.")
		return nil
	}

	table := ui.Table([]string{"Name", "Path", "Remote", "Rounds"})
	for _, r := range repos {
		rounds, _ := s.ListRounds(ctx, r.ID, 0)
		table.Append([]string{
			output.Cyan(r.Name),
			r.Path,
			r.RepoURL,
			fmt.Sprintf("%d", len(rounds)),
		})
	}
	table.Render()
	return nil
}

// resolveRepo finds a repo by name first, then by ID.
func resolveRepo(ctx context.Context, s store.Store, nameOrID string) (*models.Repo, error) {
	r, err := s.GetRepoByName(ctx, nameOrID)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if r, err := s.GetRepo(ctx, nameOrID); err == nil {
		return r, nil
	}
	return nil, fmt.Errorf("repo not found: %s", nameOrID)
}
