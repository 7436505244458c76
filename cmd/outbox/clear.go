package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	clearConfirm         bool
	clearSyncedOlderThan time.Duration
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete local data for the tenant",
	Long: `Delete local data for the tenant.

With --synced-older-than, only cached records that are synced and were
last written before the cutoff are removed. Queued writes are untouched.

Without it, every queued mutation, rejected mutation and cached record of
the tenant is wiped. Queued writes that never reached the server are lost,
so this requires --confirm.

Example:
  outbox clear --synced-older-than 720h
  outbox clear --tenant acme --confirm`,
	Args: cobra.NoArgs,
	RunE: runClear,
}

func init() {
	clearCmd.Flags().BoolVar(&clearConfirm, "confirm", false, "Confirm wiping the tenant (required without --synced-older-than)")
	clearCmd.Flags().DurationVar(&clearSyncedOlderThan, "synced-older-than", 0, "Only remove synced records older than this")
}

func runClear(cmd *cobra.Command, args []string) error {
	if clearSyncedOlderThan < 0 {
		return fmt.Errorf("--synced-older-than must be positive")
	}
	if clearSyncedOlderThan == 0 && !clearConfirm {
		return fmt.Errorf("clearing drops queued writes for good; re-run with --confirm")
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	tenant := client.Tenant()
	if tenant == "" {
		return fmt.Errorf("no tenant: set --tenant or OUTBOX_TENANT")
	}

	ctx := commandContext(cmd)
	out := cmd.OutOrStdout()

	if clearSyncedOlderThan > 0 {
		n, err := client.Store().ClearOldSyncedData(ctx, tenant, clearSyncedOlderThan)
		if err != nil {
			return fmt.Errorf("clear synced data: %w", err)
		}
		if outputJSON {
			return outputAsJSON(cmd, map[string]interface{}{"tenant": tenant, "removed": n})
		}
		printSuccess(out, "Removed %d synced records from %s", n, tenant)
		return nil
	}

	if err := client.Store().ClearTenantData(ctx, tenant); err != nil {
		return fmt.Errorf("clear tenant: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]interface{}{"tenant": tenant, "cleared": true})
	}
	printSuccess(out, "Cleared all local data for %s", tenant)
	return nil
}
