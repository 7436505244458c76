package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/hyperengineering/outbox"
	"github.com/hyperengineering/outbox/internal/dedupe"
)

// testEnv points the CLI at a fresh database for tenant acme and resets
// flag state left over from earlier commands.
func testEnv(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "outbox.db")
	t.Setenv("OUTBOX_HOME", dir)
	t.Setenv("OUTBOX_DB_PATH", dbPath)
	t.Setenv("OUTBOX_SERVER_URL", "")
	t.Setenv("OUTBOX_API_KEY", "")
	t.Setenv("OUTBOX_TENANT", "acme")
	t.Setenv(ConfigEnv, "")
	t.Setenv("OUTBOX_LOG_LEVEL", "error")

	resetFlags()
	t.Cleanup(resetFlags)
	return dbPath
}

func resetFlags() {
	cfgDBPath = ""
	cfgServerURL = ""
	cfgAPIKey = ""
	cfgTenant = ""
	cfgFile = ""
	cfgLogLevel = ""
	outputJSON = false
	statusHealth = false
	queueDiscardConfirm = false
	mutateMethod = "POST"
	mutateData = ""
	mutateFile = ""
	clearConfirm = false
	clearSyncedOlderThan = 0
}

// run executes the root command with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out
}

func queuedMutations(t *testing.T) []outbox.PendingMutation {
	t.Helper()
	resetFlags()
	var list []outbox.PendingMutation
	if err := json.Unmarshal([]byte(mustRun(t, "queue", "list", "--json")), &list); err != nil {
		t.Fatalf("queue list --json: %v", err)
	}
	resetFlags()
	return list
}

// compactBody undoes the indentation queue list --json applies to bodies.
func compactBody(t *testing.T, body json.RawMessage) string {
	t.Helper()
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		t.Fatalf("compact body %q: %v", body, err)
	}
	return buf.String()
}

func TestCLI_Help_ListsCommands(t *testing.T) {
	testEnv(t)

	out := mustRun(t, "--help")
	for _, cmd := range []string{"status", "queue", "replay", "mutate", "clear", "devserver", "mcp", "version"} {
		if !strings.Contains(out, cmd) {
			t.Errorf("--help output should contain %q", cmd)
		}
	}
}

func TestCLI_Mutate_OfflineQueues(t *testing.T) {
	defer setMockTTY(false)()
	testEnv(t)

	out := mustRun(t, "mutate", "/api/leads", "--data", `{"name":"Ada"}`)
	if !strings.Contains(out, "Queued") {
		t.Errorf("output should report the write as queued: %q", out)
	}

	list := queuedMutations(t)
	if len(list) != 1 {
		t.Fatalf("queue has %d mutations, want 1", len(list))
	}
	m := list[0]
	if m.Endpoint != "/api/leads" || m.Method != "POST" || m.Tenant != "acme" {
		t.Errorf("queued %+v", m)
	}
	if m.IdempotencyKey == "" {
		t.Error("queued mutation has no idempotency key")
	}
	if got := compactBody(t, m.Body); got != `{"name":"Ada"}` {
		t.Errorf("body = %s", m.Body)
	}
}

func TestCLI_Mutate_BodyFromFile(t *testing.T) {
	testEnv(t)

	path := filepath.Join(t.TempDir(), "patch.json")
	os.WriteFile(path, []byte(`{"status":"done"}`), 0o600)

	mustRun(t, "mutate", "/api/work-orders/wo-1", "-X", "patch", "--file", path)

	list := queuedMutations(t)
	if len(list) != 1 || list[0].Method != "PATCH" {
		t.Fatalf("queue = %+v", list)
	}
	if got := compactBody(t, list[0].Body); got != `{"status":"done"}` {
		t.Errorf("body = %s", got)
	}
}

func TestCLI_Mutate_BodyFromStdin(t *testing.T) {
	testEnv(t)

	rootCmd.SetIn(strings.NewReader(`{"hours":2}`))
	defer rootCmd.SetIn(nil)
	mustRun(t, "mutate", "/api/time-entries", "--file", "-")

	list := queuedMutations(t)
	if len(list) != 1 {
		t.Fatalf("queue = %+v", list)
	}
	if got := compactBody(t, list[0].Body); got != `{"hours":2}` {
		t.Errorf("body = %s", got)
	}
}

func TestCLI_Mutate_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"invalid json", []string{"mutate", "/api/leads", "--data", "{name"}, "not valid JSON"},
		{"data and file", []string{"mutate", "/api/leads", "--data", "{}", "--file", "x.json"}, "not both"},
		{"missing file", []string{"mutate", "/api/leads", "--file", "/nonexistent/body.json"}, "read body"},
		{"blank endpoint", []string{"mutate", " "}, "endpoint is required"},
		{"no endpoint", []string{"mutate"}, "accepts 1 arg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testEnv(t)
			_, err := run(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestCLI_Mutate_NoTenant(t *testing.T) {
	testEnv(t)
	t.Setenv("OUTBOX_TENANT", "")

	_, err := run(t, "mutate", "/api/leads", "--data", "{}")
	if err == nil || !strings.Contains(err.Error(), "tenant") {
		t.Errorf("error = %v, want a missing tenant error", err)
	}
}

func TestCLI_Queue_DiscardAndAck(t *testing.T) {
	defer setMockTTY(false)()
	testEnv(t)

	mustRun(t, "mutate", "/api/leads", "--data", `{"name":"Ada"}`)
	id := queuedMutations(t)[0].ID
	idArg := strconv.FormatInt(id, 10)

	if _, err := run(t, "queue", "discard", idArg); err == nil || !strings.Contains(err.Error(), "--confirm") {
		t.Fatalf("discard without --confirm: err = %v", err)
	}
	if len(queuedMutations(t)) != 1 {
		t.Fatal("unconfirmed discard removed the mutation")
	}

	out := mustRun(t, "queue", "discard", idArg, "--confirm")
	if !strings.Contains(out, "Discarded POST /api/leads") {
		t.Errorf("discard output = %q", out)
	}
	if len(queuedMutations(t)) != 0 {
		t.Error("discarded mutation still queued")
	}

	var rejected []outbox.RejectedMutation
	if err := json.Unmarshal([]byte(mustRun(t, "queue", "rejected", "--json")), &rejected); err != nil {
		t.Fatal(err)
	}
	resetFlags()
	if len(rejected) != 1 || rejected[0].MutationID != id || rejected[0].Error != "discarded" {
		t.Fatalf("rejected = %+v", rejected)
	}

	ackArg := strconv.FormatInt(rejected[0].ID, 10)
	if out := mustRun(t, "queue", "ack", ackArg); !strings.Contains(out, "Acknowledged") {
		t.Errorf("ack output = %q", out)
	}
	if out := mustRun(t, "queue", "rejected"); !strings.Contains(out, "No rejected mutations.") {
		t.Errorf("rejected after ack = %q", out)
	}
}

func TestCLI_Queue_InvalidID(t *testing.T) {
	for _, sub := range []string{"requeue", "discard", "ack"} {
		t.Run(sub, func(t *testing.T) {
			testEnv(t)
			_, err := run(t, "queue", sub, "abc")
			if err == nil || !strings.Contains(err.Error(), "positive integer") {
				t.Errorf("error = %v", err)
			}
		})
	}
}

func TestCLI_Queue_RequeueUnknown(t *testing.T) {
	testEnv(t)

	_, err := run(t, "queue", "requeue", "999")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestCLI_Queue_EmptyLists(t *testing.T) {
	defer setMockTTY(false)()
	testEnv(t)

	if out := mustRun(t, "queue", "list"); out != "Queue is empty.\n" {
		t.Errorf("queue list = %q", out)
	}
	if out := mustRun(t, "queue", "stuck"); out != "No stuck mutations.\n" {
		t.Errorf("queue stuck = %q", out)
	}
}

func TestCLI_Status_JSON(t *testing.T) {
	testEnv(t)

	mustRun(t, "mutate", "/api/leads", "--data", `{"name":"Ada"}`)
	mustRun(t, "mutate", "/api/leads", "--data", `{"name":"Grace"}`)

	var res StatusResult
	if err := json.Unmarshal([]byte(mustRun(t, "status", "--json")), &res); err != nil {
		t.Fatal(err)
	}
	if res.Stats == nil || res.Stats.Tenant != "acme" || res.Stats.PendingMutations != 2 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if res.Online {
		t.Error("Online = true without a server")
	}
	if res.Health != nil {
		t.Error("health included without --health")
	}
}

func TestCLI_Status_Health(t *testing.T) {
	testEnv(t)

	var res StatusResult
	if err := json.Unmarshal([]byte(mustRun(t, "status", "--health", "--json")), &res); err != nil {
		t.Fatal(err)
	}
	if res.Health == nil || !res.Health.StoreOK {
		t.Errorf("health = %+v", res.Health)
	}
}

func TestCLI_Clear(t *testing.T) {
	testEnv(t)

	mustRun(t, "mutate", "/api/leads", "--data", `{"name":"Ada"}`)

	if _, err := run(t, "clear"); err == nil || !strings.Contains(err.Error(), "--confirm") {
		t.Fatalf("clear without --confirm: err = %v", err)
	}
	if len(queuedMutations(t)) != 1 {
		t.Fatal("unconfirmed clear removed data")
	}

	mustRun(t, "clear", "--confirm")
	if len(queuedMutations(t)) != 0 {
		t.Error("clear --confirm left queued mutations")
	}
}

func TestCLI_Clear_SyncedOlderThanKeepsQueue(t *testing.T) {
	testEnv(t)

	mustRun(t, "mutate", "/api/leads", "--data", `{"name":"Ada"}`)

	var res map[string]interface{}
	if err := json.Unmarshal([]byte(mustRun(t, "clear", "--synced-older-than", "1h", "--json")), &res); err != nil {
		t.Fatal(err)
	}
	if res["removed"] != float64(0) {
		t.Errorf("removed = %v, want 0", res["removed"])
	}
	if len(queuedMutations(t)) != 1 {
		t.Error("--synced-older-than must not touch the queue")
	}
}

func TestCLI_Clear_NoTenant(t *testing.T) {
	testEnv(t)
	t.Setenv("OUTBOX_TENANT", "")

	_, err := run(t, "clear", "--confirm")
	if err == nil || !strings.Contains(err.Error(), "no tenant") {
		t.Errorf("error = %v", err)
	}
}

func TestCLI_Replay_NoServer(t *testing.T) {
	testEnv(t)

	_, err := run(t, "replay")
	if err == nil || !strings.Contains(err.Error(), "--server") {
		t.Errorf("error = %v, want hint about --server", err)
	}
}

func TestCLI_Replay_DeliversQueue(t *testing.T) {
	defer setMockTTY(false)()
	testEnv(t)

	ds := newDevStore(0)
	srv := httptest.NewServer(newDevRouter(ds, dedupe.NewStore(0), slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer srv.Close()

	mustRun(t, "mutate", "/api/leads", "--data", `{"id":"lead-1","name":"Ada"}`)
	mustRun(t, "mutate", "/api/leads", "--data", `[1]`)
	if n := len(queuedMutations(t)); n != 2 {
		t.Fatalf("queued %d, want 2", n)
	}

	var res struct {
		Success   int               `json:"success"`
		Rejected  []json.RawMessage `json:"rejected"`
		Remaining int               `json:"remaining"`
	}
	out := mustRun(t, "replay", "--server", srv.URL, "--json")
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("replay --json: %v\n%s", err, out)
	}
	if res.Success != 1 || len(res.Rejected) != 1 || res.Remaining != 0 {
		t.Errorf("replay = %+v", res)
	}

	if _, ok := ds.get("leads", "lead-1"); !ok {
		t.Error("server did not receive lead-1")
	}
	if len(queuedMutations(t)) != 0 {
		t.Error("queue not drained")
	}
}

func TestCLI_Mutate_Online(t *testing.T) {
	testEnv(t)

	ds := newDevStore(0)
	srv := httptest.NewServer(newDevRouter(ds, dedupe.NewStore(0), slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer srv.Close()

	var res outbox.MutateResult
	out := mustRun(t, "mutate", "/api/leads", "--server", srv.URL, "--data", `{"id":"lead-9"}`, "--json")
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.Queued || res.StatusCode != 201 {
		t.Errorf("result = %+v", res)
	}
	if len(ds.list("leads")) != 1 {
		t.Error("lead not stored")
	}
}

func TestLoadConfig_Layering(t *testing.T) {
	testEnv(t)

	path := filepath.Join(t.TempDir(), "outbox.yaml")
	os.WriteFile(path, []byte("server_url: https://file.example.com\ntenant: initech\nmax_retries: 9\n"), 0o600)
	t.Setenv(ConfigEnv, path)
	cfgTenant = "globex"

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Tenant != "globex" {
		t.Errorf("Tenant = %q, want flag value", cfg.Tenant)
	}
	if cfg.ServerURL != "https://file.example.com" || cfg.MaxRetries != 9 {
		t.Errorf("file values missing: %+v", cfg)
	}
	if !strings.HasSuffix(cfg.DBPath, "outbox.db") {
		t.Errorf("DBPath = %q, want env value", cfg.DBPath)
	}
}

func TestLoadConfig_BadFile(t *testing.T) {
	testEnv(t)
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := loadConfig(); err == nil {
		t.Error("missing config file should fail")
	}
}

func TestCLI_Queue_Show(t *testing.T) {
	defer setMockTTY(false)()
	testEnv(t)

	mustRun(t, "mutate", "/api/leads", "--data", `{"name":"Ada"}`)
	id := strconv.FormatInt(queuedMutations(t)[0].ID, 10)

	out := mustRun(t, "queue", "show", id)
	if !strings.Contains(out, "Request:     POST /api/leads") {
		t.Errorf("missing request line: %q", out)
	}
	if !strings.Contains(out, "{\n  \"name\": \"Ada\"\n}") {
		t.Errorf("body should be indented: %q", out)
	}

	if _, err := run(t, "queue", "show", "999"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("show unknown: err = %v", err)
	}
}
