package cmd

import (
	"github.com/spf13/cobra"

	mcpsrv "github.com/joescharf/prw/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for coding agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets a coding agent query prw natively for review rounds and the
feedback a reviewer posted. Configure in Claude Code with:

  {
    "mcpServers": {
      "prw": { "command": "prw", "args": ["mcp"] }
    }
  }

Available tools: prw_list_repos, prw_list_rounds, prw_round_feedback,
prw_agent_prompt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		return mcpsrv.NewServer(s).ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
