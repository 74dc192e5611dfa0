package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/prw/internal/llm"
	"github.com/joescharf/prw/internal/mcp"
	"github.com/joescharf/prw/internal/models"
	"github.com/joescharf/prw/internal/output"
	"github.com/joescharf/prw/internal/settings"
	"github.com/joescharf/prw/internal/store"
)

var (
	roundsRepo  string
	roundsLimit int
)

var roundsCmd = &cobra.Command{
	Use:   "rounds",
	Short: "Inspect review rounds and their feedback",
	Long:  "A round is one reviewer pass over one commit of a pull request.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return roundsListRun()
	},
}

var roundsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List review rounds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return roundsListRun()
	},
}

var roundsShowCmd = &cobra.Command{
	Use:   "show <round-id>",
	Short: "Show a round and its feedback items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return roundsShowRun(args[0])
	},
}

var roundsPromptCmd = &cobra.Command{
	Use:   "prompt <round-id>",
	Short: "Print a follow-up prompt addressing all of a round's feedback",
	Long: `Print a prompt built from the reviewer's embedded machine instructions,
suitable for pasting into a coding agent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return roundsPromptRun(args[0])
	},
}

var roundsCloseCmd = &cobra.Command{
	Use:   "close <pr-number>",
	Short: "Apply the retention policy to a closed pull request's rounds",
	Long: `Apply the repo's retention policy to a pull request that has closed.
With retention "delete-on-close" the PR's rounds and feedback are removed;
with "keep" (the default) this is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return roundsCloseRun(args[0])
	},
}

var roundsSummarizeCmd = &cobra.Command{
	Use:   "summarize <round-id>",
	Short: "Consolidate a round's feedback into one plan via the Anthropic API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return roundsSummarizeRun(cmd.Context(), args[0])
	},
}

func init() {
	roundsCmd.PersistentFlags().StringVar(&roundsRepo, "repo", "", "Filter by repo name")
	roundsListCmd.Flags().IntVar(&roundsLimit, "limit", 20, "Maximum rounds to show")

	roundsCmd.AddCommand(roundsListCmd)
	roundsCmd.AddCommand(roundsShowCmd)
	roundsCmd.AddCommand(roundsPromptCmd)
	roundsCmd.AddCommand(roundsCloseCmd)
	roundsCmd.AddCommand(roundsSummarizeCmd)
	rootCmd.AddCommand(roundsCmd)
}

func roundsListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repoID := ""
	if roundsRepo != "" {
		r, err := resolveRepo(ctx, s, roundsRepo)
		if err != nil {
			return err
		}
		repoID = r.ID
	}

	rounds, err := s.ListRounds(ctx, repoID, roundsLimit)
	if err != nil {
		return err
	}

	if len(rounds) == 0 {
		ui.Info("No review rounds recorded yet.")
		return nil
	}

	table := ui.Table([]string{"ID", "PR", "Head", "Status", "Attempts", "Items", "Next Fetch"})
	for _, r := range rounds {
		next := "-"
		if r.NextFetchAt != nil {
			next = r.NextFetchAt.Local().Format("15:04:05")
		}
		table.Append([]string{
			output.Cyan(shortID(r.ID)),
			fmt.Sprintf("#%d", r.PRNumber),
			shortSHA(r.HeadSHA),
			output.StatusColor(string(r.Status)),
			fmt.Sprintf("%d", r.AttemptCount),
			fmt.Sprintf("%d", r.ActionableCount),
			next,
		})
	}
	table.Render()
	return nil
}

func roundsShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	round, err := findRound(ctx, s, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(round.ID))
	fmt.Fprintf(ui.Out, "  PR:          #%d\n", round.PRNumber)
	fmt.Fprintf(ui.Out, "  Head:        %s\n", round.HeadSHA)
	fmt.Fprintf(ui.Out, "  Check start: %s\n", round.CheckStartedAt)
	if round.CheckState != "" {
		fmt.Fprintf(ui.Out, "  Check state: %s\n", round.CheckState)
	}
	fmt.Fprintf(ui.Out, "  Status:      %s\n", output.StatusColor(string(round.Status)))
	fmt.Fprintf(ui.Out, "  Attempts:    %d\n", round.AttemptCount)
	if round.CompletedAt != nil {
		fmt.Fprintf(ui.Out, "  Completed:   %s\n", round.CompletedAt.Local().Format(time.RFC822))
	}
	fmt.Fprintln(ui.Out)

	items, err := s.ListItemsForRound(ctx, round.ID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		ui.Info("No actionable feedback recorded for this round.")
		return nil
	}

	table := ui.Table([]string{"Category", "Severity", "Location", "Comment"})
	for _, item := range items {
		location := "-"
		if item.FilePath != "" {
			location = fmt.Sprintf("%s:%d", item.FilePath, item.Line)
		}
		table.Append([]string{
			string(item.Category),
			output.SeverityColor(string(item.Severity)),
			location,
			truncate(firstLine(item.Body), 60),
		})
	}
	table.Render()
	return nil
}

func roundsPromptRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	round, err := findRound(ctx, s, id)
	if err != nil {
		return err
	}

	items, err := s.ListItemsForRound(ctx, round.ID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("round %s has no feedback items", shortID(round.ID))
	}

	fmt.Fprint(ui.Out, mcp.BuildAgentPrompt(round, items))
	return nil
}

func roundsCloseRun(rawNumber string) error {
	if roundsRepo == "" {
		return fmt.Errorf("--repo is required")
	}
	prNumber, err := strconv.Atoi(rawNumber)
	if err != nil {
		return fmt.Errorf("invalid PR number: %s", rawNumber)
	}

	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repo, err := resolveRepo(ctx, s, roundsRepo)
	if err != nil {
		return err
	}

	cfg := settings.NewResolver(nil).ForRepo(repo.Name)
	if cfg.Retention != settings.RetentionDeleteOnClose {
		ui.Info("Retention is %q for %s; rounds kept.", cfg.Retention, repo.Name)
		return nil
	}

	n, err := s.DeleteRoundsByPR(ctx, repo.ID, prNumber)
	if err != nil {
		return err
	}
	ui.Success("Removed %d round(s) for %s#%d", n, repo.Name, prNumber)
	return nil
}

func roundsSummarizeRun(ctx context.Context, id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	round, err := findRound(ctx, s, id)
	if err != nil {
		return err
	}

	items, err := s.ListItemsForRound(ctx, round.ID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("round %s has no feedback items", shortID(round.ID))
	}

	client := llm.NewClient(viper.GetString("anthropic.api_key"), viper.GetString("anthropic.model"))
	summary, err := client.SummarizeRound(ctx, round, items)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n\n%s\n", output.Cyan(summary.Summary), summary.AgentPrompt)
	return nil
}

// findRound finds a round by full ID or unique prefix.
func findRound(ctx context.Context, s store.Store, id string) (*models.ReviewRound, error) {
	if round, err := s.GetRound(ctx, id); err == nil {
		return round, nil
	}

	upper := strings.ToUpper(id)
	rounds, err := s.ListRounds(ctx, "", 0)
	if err != nil {
		return nil, err
	}

	var matches []*models.ReviewRound
	for _, round := range rounds {
		if strings.HasPrefix(round.ID, upper) {
			matches = append(matches, round)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("round not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous round ID %s: matches %d rounds", id, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
