package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/outbox"
	"github.com/sebdah/goldie/v2"
)

func TestRenderStatus_Golden(t *testing.T) {
	defer setMockTTY(false)()

	oldest := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	renderStatus(&buf, StatusResult{
		Stats: &outbox.StoreStats{
			Tenant:            "acme",
			PendingMutations:  3,
			StuckMutations:    1,
			RejectedMutations: 2,
			PendingEntities:   1,
			OldestPending:     &oldest,
			SchemaVersion:     "3",
		},
		Health: &outbox.HealthStatus{
			StoreOK: true,
			Error:   "server unreachable",
		},
	})

	goldie.New(t).Assert(t, "status", buf.Bytes())
}

func TestRenderMutations_Golden(t *testing.T) {
	defer setMockTTY(false)()

	var buf bytes.Buffer
	renderMutations(&buf, []outbox.PendingMutation{
		{ID: 1, Method: "POST", Endpoint: "/api/leads", IdempotencyKey: "01HQ3K5V0000000000000000AA"},
		{ID: 2, Method: "PATCH", Endpoint: "/api/work-orders/wo-17", IdempotencyKey: "01HQ3K5V0000000000000000AB", Retries: 3, LastError: "status 503"},
	}, "Queue is empty.")

	goldie.New(t).Assert(t, "queue_list", buf.Bytes())
}

func TestRenderReplay_Golden(t *testing.T) {
	defer setMockTTY(false)()

	var buf bytes.Buffer
	renderReplay(&buf, &outbox.ReplayResult{
		Success:   4,
		Conflicts: 1,
		Failed:    2,
		Rejected: []outbox.RejectedMutation{
			{Method: "POST", Endpoint: "/api/leads", StatusCode: 422, Error: "name is required"},
		},
	}, 0)

	goldie.New(t).Assert(t, "replay", buf.Bytes())
}

func TestRenderMutations_Empty(t *testing.T) {
	defer setMockTTY(false)()

	var buf bytes.Buffer
	renderMutations(&buf, nil, "No stuck mutations.")
	if buf.String() != "No stuck mutations.\n" {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRenderRejected(t *testing.T) {
	defer setMockTTY(false)()

	var buf bytes.Buffer
	renderRejected(&buf, []outbox.RejectedMutation{
		{ID: 7, Method: "POST", Endpoint: "/api/leads", Error: "discarded", RejectedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
	})

	out := buf.String()
	if !strings.HasPrefix(out, "ID  STATUS  METHOD") {
		t.Errorf("missing header row: %q", out)
	}
	if !strings.Contains(out, "7   -       POST") {
		t.Errorf("discarded mutation should show '-' status: %q", out)
	}
	if !strings.Contains(out, "2026-03-02T08:00:00Z") {
		t.Errorf("missing rejection time: %q", out)
	}
}

func TestRenderMutate(t *testing.T) {
	defer setMockTTY(false)()

	tests := []struct {
		name string
		res  outbox.MutateResult
		want string
	}{
		{"queued", outbox.MutateResult{OK: true, Queued: true, IdempotencyKey: "k1"}, "● Queued k1\n"},
		{"conflict", outbox.MutateResult{OK: true, Conflict: true, StatusCode: 409}, "⚠ Delivered with conflict (status 409)\n"},
		{"delivered", outbox.MutateResult{OK: true, StatusCode: 201, Data: []byte(`{"id":"x"}`)}, "✓ Delivered (status 201)\n{\"id\":\"x\"}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			renderMutate(&buf, &tt.res)
			if buf.String() != tt.want {
				t.Errorf("got %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestScrubSensitiveData(t *testing.T) {
	testEnv(t)
	cfgAPIKey = "sk-secret"

	got := scrubSensitiveData("request failed: bearer sk-secret rejected")
	if strings.Contains(got, "sk-secret") {
		t.Errorf("API key leaked: %q", got)
	}
	if !strings.Contains(got, "[REDACTED]") {
		t.Errorf("expected redaction marker: %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("/api/work-orders/very-long-identifier", 12); got != "/api/work..." {
		t.Errorf("truncate(long) = %q", got)
	}
}
