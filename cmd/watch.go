package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/prw/internal/checks"
	"github.com/joescharf/prw/internal/daemon"
	"github.com/joescharf/prw/internal/engine"
	"github.com/joescharf/prw/internal/git"
	"github.com/joescharf/prw/internal/models"
	"github.com/joescharf/prw/internal/output"
	"github.com/joescharf/prw/internal/settings"
	"github.com/joescharf/prw/internal/store"
	"github.com/joescharf/prw/internal/workspace"
)

var (
	watchOnce     bool
	watchInterval int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll watched repos for reviewer completions",
	Long: `Poll each watched repository's open pull requests. When the reviewer's
status check finishes, fetch the feedback it posted and record it against
the matching review round, retrying on a backoff until feedback appears.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchRun(cmd.Context())
	},
}

var watchStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid := daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "prw.pid"))
		p, running := pid.IsRunning()
		if !running {
			return fmt.Errorf("no watcher running")
		}
		if err := pid.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("stop watcher (pid %d): %w", p, err)
		}
		ui.Success("Stopped watcher (pid %d)", p)
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Run a single poll pass and exit")
	watchCmd.Flags().IntVar(&watchInterval, "interval", 0, "Poll interval in seconds (default: watch.interval_seconds)")
	watchCmd.AddCommand(watchStopCmd)
	rootCmd.AddCommand(watchCmd)
}

func watchRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	pid := daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "prw.pid"))
	if err := pid.Acquire(); err != nil {
		return err
	}
	defer func() { _ = pid.Release() }()

	gh := git.NewGitHubClient()
	resolver := settings.NewResolver(nil)
	w := &watcher{
		store:    s,
		gh:       gh,
		avail:    git.NewAvailability(),
		settings: resolver,
		engine:   engine.New(s, gh, resolver, workspace.NewResolver(), ui, nil),
		ui:       ui,
		seen:     make(map[string]map[int]*checks.PRStatus),
	}

	if watchOnce {
		w.tick(ctx)
		return nil
	}

	interval := watchInterval
	if interval <= 0 {
		interval = viper.GetInt("watch.interval_seconds")
	}
	if interval <= 0 {
		interval = 60
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ui.Info("Watching pull requests every %ds (pid %d). Ctrl-C to stop.", interval, os.Getpid())

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			ui.Info("Shutting down")
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// watcher holds the poll loop's state: the last status snapshot per
// repo/PR, which the completion detector diffs new snapshots against.
type watcher struct {
	store    store.Store
	gh       git.GitHubClient
	avail    *git.Availability
	settings *settings.Resolver
	engine   *engine.Engine
	ui       *output.UI

	// seen maps repo ID -> PR number -> last observed status.
	seen map[string]map[int]*checks.PRStatus
}

// tick runs one poll pass over every watched repository, then sweeps rounds
// whose retry time has passed. Errors are logged, never fatal: the next tick
// gets another chance.
func (w *watcher) tick(ctx context.Context) {
	if err := w.avail.Check(); err != nil {
		w.ui.Warning("gh unavailable, skipping poll: %v", err)
		return
	}

	repos, err := w.store.ListRepos(ctx)
	if err != nil {
		w.ui.Error("list repos: %v", err)
		return
	}

	for _, repo := range repos {
		if ctx.Err() != nil {
			return
		}
		w.pollRepo(ctx, repo)
	}

	if err := w.engine.Sweep(ctx); err != nil {
		w.ui.Warning("sweep: %v", err)
	}
}

func (w *watcher) pollRepo(ctx context.Context, repo *models.Repo) {
	cfg := w.settings.ForRepo(repo.Name)
	if !cfg.Enabled {
		return
	}

	prev, known := w.seen[repo.ID]

	statuses, err := w.gh.OpenPRStatuses(repo.Path)
	if err != nil {
		w.ui.Warning("%s: poll failed: %v", repo.Name, err)
		w.avail.Invalidate()
		return
	}

	// Catch up on PRs that closed while the watcher was down.
	if !known {
		w.applyClosed(ctx, repo)
	}

	curr := make(map[int]*checks.PRStatus, len(statuses))
	for i := range statuses {
		st := &statuses[i]
		curr[st.Number] = st

		sig, ok := checks.DetectCompletion(prev[st.Number], st, cfg.CheckContext)
		if !ok {
			continue
		}
		w.ui.VerboseLog("%s#%d: %s check finished (%s)", repo.Name, st.Number, cfg.CheckContext, sig.State)
		if err := w.engine.HandleCompletion(ctx, repo, sig); err != nil {
			w.ui.Warning("%s#%d: %v", repo.Name, st.Number, err)
		}
	}

	// PRs gone from the open list have closed or merged.
	for number := range prev {
		if _, open := curr[number]; open {
			continue
		}
		if err := w.engine.HandlePRClosed(ctx, repo, number); err != nil {
			w.ui.Warning("%s#%d: %v", repo.Name, number, err)
		}
	}

	w.seen[repo.ID] = curr
}

// applyClosed applies the retention policy to recently closed PRs once per
// watcher start, covering closures that happened between runs.
func (w *watcher) applyClosed(ctx context.Context, repo *models.Repo) {
	numbers, err := w.gh.ClosedPRNumbers(repo.Path)
	if err != nil {
		w.ui.VerboseLog("%s: closed PR lookup failed: %v", repo.Name, err)
		return
	}
	for _, number := range numbers {
		if err := w.engine.HandlePRClosed(ctx, repo, number); err != nil {
			w.ui.Warning("%s#%d: %v", repo.Name, number, err)
		}
	}
}
