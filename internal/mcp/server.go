package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/prw/internal/models"
	"github.com/joescharf/prw/internal/store"
)

// Server wraps the prw data layer and exposes it as MCP tools, so coding
// agents can read review rounds and feedback directly.
type Server struct {
	store store.Store
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store) *Server {
	return &Server{store: s}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("prw", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listReposTool())
	srv.AddTool(s.listRoundsTool())
	srv.AddTool(s.roundFeedbackTool())
	srv.AddTool(s.agentPromptTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// prw_list_repos
func (s *Server) listReposTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("prw_list_repos",
		mcp.WithDescription("List all watched repositories. Returns a JSON array with id, name, path, and repo_url."),
	)
	return tool, s.handleListRepos
}

func (s *Server) handleListRepos(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repos, err := s.store.ListRepos(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list repos: %v", err)), nil
	}

	type repoOut struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Path    string `json:"path"`
		RepoURL string `json:"repo_url"`
	}

	out := make([]repoOut, len(repos))
	for i, r := range repos {
		out[i] = repoOut{ID: r.ID, Name: r.Name, Path: r.Path, RepoURL: r.RepoURL}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal repos: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// prw_list_rounds
func (s *Server) listRoundsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("prw_list_rounds",
		mcp.WithDescription("List review rounds, optionally filtered by repo and status. Each round is one reviewer pass over one commit of a pull request, with status (pending/complete), attempt count, and actionable feedback count."),
		mcp.WithString("repo", mcp.Description("Repository name to filter by")),
		mcp.WithString("status", mcp.Description("Status filter: pending, complete")),
		mcp.WithNumber("limit", mcp.Description("Maximum rounds to return (default 20)")),
	)
	return tool, s.handleListRounds
}

func (s *Server) handleListRounds(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repoID := ""
	if repoName := request.GetString("repo", ""); repoName != "" {
		repo, err := s.resolveRepo(ctx, repoName)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("repo not found: %s", repoName)), nil
		}
		repoID = repo.ID
	}

	limit := request.GetInt("limit", 20)
	status := request.GetString("status", "")

	rounds, err := s.store.ListRounds(ctx, repoID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list rounds: %v", err)), nil
	}

	type roundOut struct {
		ID              string `json:"id"`
		RepoID          string `json:"repo_id"`
		PRNumber        int    `json:"pr_number"`
		HeadSHA         string `json:"head_sha"`
		CheckStartedAt  string `json:"check_started_at"`
		CheckState      string `json:"check_state"`
		Status          string `json:"status"`
		AttemptCount    int    `json:"attempt_count"`
		ActionableCount int    `json:"actionable_count"`
		CompletedAt     string `json:"completed_at,omitempty"`
	}

	var out []roundOut
	for _, r := range rounds {
		if status != "" && string(r.Status) != status {
			continue
		}
		o := roundOut{
			ID:              r.ID,
			RepoID:          r.RepoID,
			PRNumber:        r.PRNumber,
			HeadSHA:         r.HeadSHA,
			CheckStartedAt:  r.CheckStartedAt,
			CheckState:      r.CheckState,
			Status:          string(r.Status),
			AttemptCount:    r.AttemptCount,
			ActionableCount: r.ActionableCount,
		}
		if r.CompletedAt != nil {
			o.CompletedAt = r.CompletedAt.Format(time.RFC3339)
		}
		out = append(out, o)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal rounds: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// prw_round_feedback
func (s *Server) roundFeedbackTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("prw_round_feedback",
		mcp.WithDescription("Get every actionable feedback item for a review round: category, severity, file/line, comment body, and the reviewer's embedded agent prompt when present."),
		mcp.WithString("round_id", mcp.Required(), mcp.Description("Round ID (full ULID or unique prefix)")),
	)
	return tool, s.handleRoundFeedback
}

func (s *Server) handleRoundFeedback(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	roundID, err := request.RequireString("round_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: round_id"), nil
	}

	round, err := s.findRound(ctx, roundID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	items, err := s.store.ListItemsForRound(ctx, round.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list items: %v", err)), nil
	}

	type itemOut struct {
		ID          string `json:"id"`
		CommentID   int64  `json:"comment_id"`
		Source      string `json:"source"`
		Category    string `json:"category"`
		Severity    string `json:"severity,omitempty"`
		FilePath    string `json:"file_path,omitempty"`
		Line        int    `json:"line,omitempty"`
		URL         string `json:"url"`
		Body        string `json:"body"`
		AgentPrompt string `json:"agent_prompt,omitempty"`
	}

	out := make([]itemOut, len(items))
	for i, item := range items {
		out[i] = itemOut{
			ID:          item.ID,
			CommentID:   item.CommentID,
			Source:      string(item.Source),
			Category:    string(item.Category),
			Severity:    string(item.Severity),
			FilePath:    item.FilePath,
			Line:        item.Line,
			URL:         item.URL,
			Body:        item.Body,
			AgentPrompt: item.AgentPrompt,
		}
	}

	result := map[string]any{
		"round_id":  round.ID,
		"pr_number": round.PRNumber,
		"head_sha":  round.HeadSHA,
		"status":    string(round.Status),
		"items":     out,
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal feedback: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// prw_agent_prompt
func (s *Server) agentPromptTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("prw_agent_prompt",
		mcp.WithDescription("Get a ready-to-use prompt addressing all of a round's feedback, built from the reviewer's embedded machine instructions. Use this to fix an entire review round in one pass."),
		mcp.WithString("round_id", mcp.Required(), mcp.Description("Round ID (full ULID or unique prefix)")),
	)
	return tool, s.handleAgentPrompt
}

func (s *Server) handleAgentPrompt(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	roundID, err := request.RequireString("round_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: round_id"), nil
	}

	round, err := s.findRound(ctx, roundID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	items, err := s.store.ListItemsForRound(ctx, round.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list items: %v", err)), nil
	}
	if len(items) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("round %s has no feedback items", round.ID)), nil
	}

	return mcp.NewToolResultText(BuildAgentPrompt(round, items)), nil
}

// BuildAgentPrompt renders a round's items into one follow-up prompt. Items
// carrying an embedded machine instruction contribute it verbatim; the rest
// fall back to their comment body.
func BuildAgentPrompt(round *models.ReviewRound, items []*models.FeedbackItem) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Address the following %d review finding(s) on PR #%d (commit %s):\n",
		len(items), round.PRNumber, round.HeadSHA)

	for i, item := range items {
		fmt.Fprintf(&sb, "\n%d. ", i+1)
		if item.FilePath != "" {
			fmt.Fprintf(&sb, "[%s:%d] ", item.FilePath, item.Line)
		}
		if item.AgentPrompt != "" {
			sb.WriteString(item.AgentPrompt)
		} else {
			sb.WriteString(item.Body)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// resolveRepo tries to find a repo by name first, then by ID.
func (s *Server) resolveRepo(ctx context.Context, name string) (*models.Repo, error) {
	if r, err := s.store.GetRepoByName(ctx, name); err == nil {
		return r, nil
	}
	if r, err := s.store.GetRepo(ctx, name); err == nil {
		return r, nil
	}
	return nil, fmt.Errorf("repo not found: %s", name)
}

// findRound finds a round by full ID or unique prefix.
func (s *Server) findRound(ctx context.Context, id string) (*models.ReviewRound, error) {
	if round, err := s.store.GetRound(ctx, id); err == nil {
		return round, nil
	}

	upper := strings.ToUpper(id)
	rounds, err := s.store.ListRounds(ctx, "", 0)
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
