package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue statistics",
	Long: `Display statistics about the local queue for the tenant in scope.

Example:
  outbox status
  outbox status --tenant acme --health`,
	RunE: runStatus,
}

var statusHealth bool

func init() {
	statusCmd.Flags().BoolVar(&statusHealth, "health", false, "Include health check")
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := commandContext(cmd)

	stats, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}
	res := StatusResult{Stats: stats, Online: client.Online()}

	if statusHealth {
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		health := client.HealthCheck(hctx)
		res.Health = &health
	}

	if outputJSON {
		return outputAsJSON(cmd, res)
	}
	renderStatus(cmd.OutOrStdout(), res)
	return nil
}
