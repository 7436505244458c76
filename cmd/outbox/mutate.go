package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hyperengineering/outbox"
	"github.com/spf13/cobra"
)

var (
	mutateMethod string
	mutateData   string
	mutateFile   string
)

var mutateCmd = &cobra.Command{
	Use:   "mutate <endpoint>",
	Short: "Send a write, queueing it if the server is unreachable",
	Long: `Send one write to the server under a fresh idempotency key.

If the server cannot be reached, or answers with a 5xx, the write is queued
and delivered by a later replay. A 4xx other than 409 is a rejection and is
reported as an error.

The body comes from --data, or from --file ("-" reads stdin), and must be
valid JSON.

Example:
  outbox mutate /api/leads --data '{"name":"Ada"}'
  outbox mutate /api/leads/42 --method PATCH --file patch.json`,
	Args: cobra.ExactArgs(1),
	RunE: runMutate,
}

func init() {
	mutateCmd.Flags().StringVarP(&mutateMethod, "method", "X", "POST", "HTTP method: POST, PUT, PATCH, DELETE")
	mutateCmd.Flags().StringVarP(&mutateData, "data", "d", "", "JSON body")
	mutateCmd.Flags().StringVarP(&mutateFile, "file", "f", "", "Read the JSON body from a file (- for stdin)")
}

func runMutate(cmd *cobra.Command, args []string) error {
	endpoint := strings.TrimSpace(args[0])
	if endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if mutateData != "" && mutateFile != "" {
		return fmt.Errorf("use either --data or --file, not both")
	}

	body, err := readMutateBody(cmd.InOrStdin())
	if err != nil {
		return err
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Mutate(commandContext(cmd), outbox.MutationRequest{
		Endpoint: endpoint,
		Method:   strings.ToUpper(mutateMethod),
		Body:     body,
	})
	if err != nil {
		return fmt.Errorf("mutate %s: %w", endpoint, err)
	}

	if outputJSON {
		return outputAsJSON(cmd, res)
	}
	renderMutate(cmd.OutOrStdout(), res)
	return nil
}

func readMutateBody(stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	switch {
	case mutateFile == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		data = b
	case mutateFile != "":
		b, err := os.ReadFile(mutateFile)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		data = b
	default:
		data = []byte(mutateData)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("body is not valid JSON")
	}
	return json.RawMessage(data), nil
}
