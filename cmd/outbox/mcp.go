package main

import (
	"fmt"
	"os"

	"github.com/hyperengineering/outbox"
	outboxmcp "github.com/hyperengineering/outbox/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the queue tools over MCP (stdio)",
	Long: `Start a Model Context Protocol (MCP) server over stdio, so an agent can
inspect the queue, replay it, and resolve stuck or rejected mutations.

Unlike the other commands, the server keeps the client open and replays
in the background whenever the server becomes reachable.

Example configuration:

  {
    "mcpServers": {
      "outbox": {
        "command": "outbox",
        "args": ["mcp"],
        "env": {
          "OUTBOX_DB_PATH": "/path/to/outbox.db",
          "OUTBOX_SERVER_URL": "https://api.example.com",
          "OUTBOX_TENANT": "acme"
        }
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	cfg.Logger = outbox.NewLogger(os.Stderr, cfg.LogLevel, "json")

	client, err := outbox.New(cfg)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer client.Close()

	return outboxmcp.NewServer(client).Run()
}
