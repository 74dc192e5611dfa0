package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/prw/internal/models"
)

// RoundSummary holds the LLM-generated consolidation of a round's feedback.
type RoundSummary struct {
	Summary     string `json:"summary"`
	AgentPrompt string `json:"agent_prompt"`
}

// Client wraps the Anthropic API for feedback consolidation.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildSummaryPrompt constructs the system and user prompts for consolidating
// a round's feedback items into one follow-up plan.
func buildSummaryPrompt(round *models.ReviewRound, items []*models.FeedbackItem) (system string, user string) {
	system = `You consolidate automated code-review feedback into a single actionable plan. Given a list of review findings for one commit of a pull request, return a JSON object with exactly two fields:

- "summary": A concise 1-3 sentence overview of what the reviewer found, leading with the most severe findings.
- "agent_prompt": Step-by-step instructions (one numbered step per finding, ordered by severity) for a developer or AI agent to address every finding. Reference the file and line for each step. Where a finding already carries its own machine instruction, incorporate it verbatim rather than paraphrasing.

Rules:
- Return valid JSON only, no markdown fencing or explanation
- Never invent findings that are not in the input
- Group duplicate findings on the same file/line into one step`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Pull request #%d, commit %s, %d finding(s):\n\n", round.PRNumber, round.HeadSHA, len(items))
	for i, item := range items {
		fmt.Fprintf(&sb, "--- Finding %d ---\n", i+1)
		fmt.Fprintf(&sb, "Category: %s\n", item.Category)
		if item.Severity != "" {
			fmt.Fprintf(&sb, "Severity: %s\n", item.Severity)
		}
		if item.FilePath != "" {
			fmt.Fprintf(&sb, "Location: %s:%d\n", item.FilePath, item.Line)
		}
		fmt.Fprintf(&sb, "Comment:\n%s\n", item.Body)
		if item.AgentPrompt != "" {
			fmt.Fprintf(&sb, "Machine instruction:\n%s\n", item.AgentPrompt)
		}
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// SummarizeRound sends a round's feedback items to the LLM and returns a
// consolidated summary and follow-up prompt.
func (c *Client) SummarizeRound(ctx context.Context, round *models.ReviewRound, items []*models.FeedbackItem) (*RoundSummary, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("round %s has no feedback items to summarize", round.ID)
	}

	systemPrompt, userPrompt := buildSummaryPrompt(round, items)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	// Strip markdown fencing if present
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	var summary RoundSummary
	if err := json.Unmarshal([]byte(text), &summary); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}

	return &summary, nil
}
