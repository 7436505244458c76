package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/outbox"
	"github.com/spf13/cobra"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints an error to stderr, ensuring no API keys are leaked.
func outputError(w io.Writer, err error) {
	printError(w, "Error: %s", scrubSensitiveData(err.Error()))
}

// scrubSensitiveData removes the API key from error messages.
func scrubSensitiveData(msg string) string {
	if cfgAPIKey != "" && strings.Contains(msg, cfgAPIKey) {
		msg = strings.ReplaceAll(msg, cfgAPIKey, "[REDACTED]")
	}
	return msg
}

// StatusResult for JSON output.
type StatusResult struct {
	Stats  *outbox.StoreStats   `json:"stats"`
	Online bool                 `json:"online"`
	Health *outbox.HealthStatus `json:"health,omitempty"`
}

const fieldWidth = 19

func renderStatus(w io.Writer, res StatusResult) {
	s := res.Stats
	printField(w, fieldWidth, "Tenant", s.Tenant)
	printField(w, fieldWidth, "Pending mutations", s.PendingMutations)
	printField(w, fieldWidth, "Stuck mutations", s.StuckMutations)
	printField(w, fieldWidth, "Rejected mutations", s.RejectedMutations)
	printField(w, fieldWidth, "Pending entities", s.PendingEntities)
	printField(w, fieldWidth, "Conflict entities", s.ConflictEntities)
	if s.OldestPending != nil {
		printField(w, fieldWidth, "Oldest pending", s.OldestPending.UTC().Format(time.RFC3339))
	}
	if s.LastReplay.IsZero() {
		printField(w, fieldWidth, "Last replay", "never")
	} else {
		printField(w, fieldWidth, "Last replay", s.LastReplay.UTC().Format(time.RFC3339))
	}
	printField(w, fieldWidth, "Schema version", s.SchemaVersion)

	if res.Health == nil {
		return
	}
	fmt.Fprintln(w)
	h := res.Health
	if h.Healthy {
		printSuccess(w, "healthy")
	} else {
		printWarning(w, "unhealthy")
	}
	printField(w, fieldWidth, "Store OK", h.StoreOK)
	printField(w, fieldWidth, "Online", h.Online)
	printField(w, fieldWidth, "Server reachable", h.ServerReachable)
	if h.Error != "" {
		printField(w, fieldWidth, "Error", scrubSensitiveData(h.Error))
	}
}

func renderMutations(w io.Writer, list []outbox.PendingMutation, empty string) {
	if len(list) == 0 {
		printMuted(w, empty)
		return
	}

	rows := make([][]string, 0, len(list))
	for _, m := range list {
		lastErr := "-"
		if m.LastError != "" {
			lastErr = truncate(m.LastError, 48)
		}
		rows = append(rows, []string{
			strconv.FormatInt(m.ID, 10),
			strconv.Itoa(m.Retries),
			m.Method,
			truncate(m.Endpoint, 40),
			m.IdempotencyKey,
			lastErr,
		})
	}
	fmt.Fprint(w, renderTable([]string{"ID", "RETRIES", "METHOD", "ENDPOINT", "KEY", "LAST ERROR"}, rows))
}

func renderMutationDetail(w io.Writer, m *outbox.PendingMutation) {
	const width = 12
	printField(w, width, "ID", m.ID)
	printField(w, width, "Request", m.Method+" "+m.Endpoint)
	printField(w, width, "Key", m.IdempotencyKey)
	printField(w, width, "Created", m.CreatedAt.UTC().Format(time.RFC3339))
	printField(w, width, "Retries", m.Retries)
	if m.LastAttemptAt != nil {
		printField(w, width, "Last attempt", m.LastAttemptAt.UTC().Format(time.RFC3339))
	}
	if m.LastError != "" {
		printField(w, width, "Last error", m.LastError)
	}
	if m.Entity != nil {
		printField(w, width, "Entity", string(m.Entity.Table)+"/"+m.Entity.ID)
	}
	if len(m.Body) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, renderJSONBody(m.Body))
	}
}

func renderRejected(w io.Writer, list []outbox.RejectedMutation) {
	if len(list) == 0 {
		printMuted(w, "No rejected mutations.")
		return
	}

	rows := make([][]string, 0, len(list))
	for _, r := range list {
		status := "-"
		if r.StatusCode != 0 {
			status = strconv.Itoa(r.StatusCode)
		}
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			status,
			r.Method,
			truncate(r.Endpoint, 40),
			r.RejectedAt.UTC().Format(time.RFC3339),
			truncate(r.Error, 48),
		})
	}
	fmt.Fprint(w, renderTable([]string{"ID", "STATUS", "METHOD", "ENDPOINT", "REJECTED", "ERROR"}, rows))
}

func renderReplay(w io.Writer, res *outbox.ReplayResult, took time.Duration) {
	printSuccess(w, "Replay complete (took %s)", took.Round(time.Millisecond))
	printField(w, 10, "Delivered", res.Success)
	printField(w, 10, "Conflicts", res.Conflicts)
	printField(w, 10, "Failed", res.Failed)
	printField(w, 10, "Skipped", res.Skipped)
	for _, r := range res.Rejected {
		printWarning(w, "Rejected %s %s (status %d): %s", r.Method, r.Endpoint, r.StatusCode, truncate(r.Error, 80))
	}
	if res.Transient() {
		printMuted(w, "Some mutations are still queued; they will be retried.")
	}
}

func renderMutate(w io.Writer, res *outbox.MutateResult) {
	switch {
	case res.Queued:
		printInfo(w, "Queued %s", res.IdempotencyKey)
	case res.Conflict:
		printWarning(w, "Delivered with conflict (status %d)", res.StatusCode)
	default:
		printSuccess(w, "Delivered (status %d)", res.StatusCode)
	}
	if len(res.Data) > 0 {
		fmt.Fprintln(w, string(res.Data))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
