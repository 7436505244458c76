package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/outbox"
	"github.com/spf13/cobra"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Deliver queued mutations now",
	Long: `Run one replay pass: send every queued mutation of the tenant, oldest
first, with its original idempotency key.

Mutations the server already applied come back as 409 and are counted as
delivered. Transient failures stay queued; refused mutations move to the
rejected list.

Requires --server (or OUTBOX_SERVER_URL).

Example:
  outbox replay
  outbox replay --tenant acme --json`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

// ReplayOutput for JSON output.
type ReplayOutput struct {
	*outbox.ReplayResult
	Remaining  int   `json:"remaining"`
	DurationMs int64 `json:"duration_ms"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := commandContext(cmd)

	var res *outbox.ReplayResult
	start := time.Now()
	err = runWithSpinner(cmd.ErrOrStderr(), "Replaying queue", func() error {
		var rerr error
		res, rerr = client.Replay(ctx)
		return rerr
	})
	took := time.Since(start)
	if errors.Is(err, outbox.ErrOffline) {
		return fmt.Errorf("replay needs a server: set --server or OUTBOX_SERVER_URL")
	}
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	remaining, err := client.PendingCount(ctx)
	if err != nil {
		return fmt.Errorf("count remaining: %w", err)
	}

	if outputJSON {
		return outputAsJSON(cmd, ReplayOutput{
			ReplayResult: res,
			Remaining:    remaining,
			DurationMs:   took.Milliseconds(),
		})
	}

	out := cmd.OutOrStdout()
	renderReplay(out, res, took)
	if remaining > 0 {
		printField(out, 10, "Remaining", remaining)
	}
	return nil
}
