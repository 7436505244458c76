package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hyperengineering/outbox"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage queued mutations",
	Long: `Inspect and manage the mutations waiting for the server.

Subcommands:
  list      List queued mutations, oldest first
  show      Show one queued mutation with its body
  stuck     List mutations that exhausted their retries
  requeue   Reset a stuck mutation so replay tries it again
  discard   Give up on a queued mutation
  rejected  List mutations the server refused
  ack       Remove a rejected mutation

Example:
  outbox queue list
  outbox queue requeue 12
  outbox queue rejected --json`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a queued mutation and its body",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueStuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "List stuck mutations",
	Long: `List mutations whose retry count reached max_retries. Replay skips
them until they are requeued or discarded.`,
	Args: cobra.NoArgs,
	RunE: runQueueStuck,
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Reset a mutation's retry count",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRequeue,
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Give up on a queued mutation",
	Long: `Move a queued mutation to the rejected list. The write will never
reach the server.

Requires --confirm.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueDiscard,
}

var queueRejectedCmd = &cobra.Command{
	Use:   "rejected",
	Short: "List rejected mutations",
	Args:  cobra.NoArgs,
	RunE:  runQueueRejected,
}

var queueAckCmd = &cobra.Command{
	Use:   "ack <id>",
	Short: "Remove a rejected mutation",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueAck,
}

var queueDiscardConfirm bool

func init() {
	queueDiscardCmd.Flags().BoolVar(&queueDiscardConfirm, "confirm", false, "Confirm discarding (required)")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueShowCmd)
	queueCmd.AddCommand(queueStuckCmd)
	queueCmd.AddCommand(queueRequeueCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	queueCmd.AddCommand(queueRejectedCmd)
	queueCmd.AddCommand(queueAckCmd)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q: must be a positive integer", arg)
	}
	return id, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	pending, err := client.PendingMutations(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, pending)
	}
	renderMutations(cmd.OutOrStdout(), pending, "Queue is empty.")
	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	pending, err := client.PendingMutations(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}
	for i := range pending {
		if pending[i].ID != id {
			continue
		}
		if outputJSON {
			return outputAsJSON(cmd, pending[i])
		}
		renderMutationDetail(cmd.OutOrStdout(), &pending[i])
		return nil
	}
	return fmt.Errorf("show %d: %w", id, outbox.ErrNotFound)
}

func runQueueStuck(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	stuck, err := client.StuckMutations(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("list stuck: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, stuck)
	}
	renderMutations(cmd.OutOrStdout(), stuck, "No stuck mutations.")
	return nil
}

func runQueueRequeue(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.RequeueMutation(commandContext(cmd), id); err != nil {
		return fmt.Errorf("requeue %d: %w", id, err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]interface{}{"id": id, "requeued": true})
	}
	printSuccess(cmd.OutOrStdout(), "Requeued mutation %d", id)
	return nil
}

func runQueueDiscard(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	if !queueDiscardConfirm {
		return fmt.Errorf("discarding drops the write for good; re-run with --confirm")
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	r, err := client.DiscardMutation(commandContext(cmd), id)
	if err != nil {
		return fmt.Errorf("discard %d: %w", id, err)
	}
	if outputJSON {
		return outputAsJSON(cmd, r)
	}
	printSuccess(cmd.OutOrStdout(), "Discarded %s %s (rejected id %d)", r.Method, r.Endpoint, r.ID)
	return nil
}

func runQueueRejected(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	rejected, err := client.RejectedMutations(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("list rejected: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, rejected)
	}
	renderRejected(cmd.OutOrStdout(), rejected)
	return nil
}

func runQueueAck(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.AckRejected(commandContext(cmd), id); err != nil {
		return fmt.Errorf("ack %d: %w", id, err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]interface{}{"id": id, "acknowledged": true})
	}
	printSuccess(cmd.OutOrStdout(), "Acknowledged rejected mutation %d", id)
	return nil
}
