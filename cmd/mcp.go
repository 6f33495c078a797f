package cmd

import (
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/devkit/internal/mcp"
	"github.com/joescharf/devkit/internal/refstore"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

The server exposes the HAR analyzer and the conversation cache as tools.
Configure in Claude Code with:

  {
    "mcpServers": {
      "devkit": { "command": "devkit", "args": ["mcp"] }
    }
  }

Available tools: har_sessions, har_list, har_show, har_expand, convo_list,
convo_search`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ix, err := getIndexer()
		if err != nil {
			return err
		}

		var refs refstore.Backend
		if s, err := getStore(); err == nil {
			refs = s
		}

		srv := mcp.NewServer(getManager(), refs, ix, logger).
			WithVersion(buildVersion).
			WithThreshold(viper.GetInt("har.ref_threshold"))

		ctx, stop := signal.NotifyContext(cmdContext(cmd.Context()), shutdownSignals()...)
		defer stop()
		return srv.ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
