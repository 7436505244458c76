package outbox_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/outbox"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		cfg       outbox.Config
		wantField string
	}{
		{"local only", outbox.Config{DBPath: "/tmp/outbox.db"}, ""},
		{"with server", outbox.Config{DBPath: "/tmp/outbox.db", ServerURL: "https://api.example.com"}, ""},
		{"missing path", outbox.Config{}, "DBPath"},
		{"relative server", outbox.Config{DBPath: "/tmp/outbox.db", ServerURL: "api.example.com"}, "ServerURL"},
		{"bad scheme", outbox.Config{DBPath: "/tmp/outbox.db", ServerURL: "ftp://api.example.com"}, "ServerURL"},
		{"bad tenant", outbox.Config{DBPath: "/tmp/outbox.db", Tenant: "-acme"}, "Tenant"},
		{"negative retries", outbox.Config{DBPath: "/tmp/outbox.db", MaxRetries: -1}, "MaxRetries"},
		{"negative backoff", outbox.Config{DBPath: "/tmp/outbox.db", ReplayBackoffMax: -time.Second}, "ReplayBackoff"},
		{"negative probe", outbox.Config{DBPath: "/tmp/outbox.db", ProbeInterval: -time.Second}, "ProbeInterval"},
		{"bad level", outbox.Config{DBPath: "/tmp/outbox.db", LogLevel: "loud"}, "LogLevel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() returned error: %v", err)
				}
				return
			}
			var ve *outbox.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() returned %v, want *ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("ValidationError.Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Setenv("OUTBOX_TENANT", "")
	t.Setenv("OUTBOX_HOME", t.TempDir())

	cfg := outbox.Config{}.WithDefaults()

	if cfg.DBPath == "" {
		t.Error("DBPath should default")
	}
	if cfg.MaxRetries != outbox.DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", cfg.MaxRetries, outbox.DefaultMaxRetries)
	}
	if cfg.ReplayBackoff != outbox.DefaultReplayBackoff || cfg.ReplayBackoffMax != outbox.DefaultReplayBackoffMax {
		t.Errorf("backoff = %v..%v, want defaults", cfg.ReplayBackoff, cfg.ReplayBackoffMax)
	}
	if cfg.HealthPath != outbox.DefaultHealthPath {
		t.Errorf("HealthPath = %q, want %q", cfg.HealthPath, outbox.DefaultHealthPath)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	if cfg.Logger == nil {
		t.Error("Logger should default")
	}
	if cfg.Tenant != "" {
		t.Errorf("Tenant = %q, want empty", cfg.Tenant)
	}
}

func TestConfig_WithDefaults_TenantFromEnv(t *testing.T) {
	t.Setenv("OUTBOX_TENANT", "acme")

	if got := (outbox.Config{}).WithDefaults().Tenant; got != "acme" {
		t.Errorf("Tenant = %q, want acme", got)
	}
	if got := (outbox.Config{Tenant: "globex"}).WithDefaults().Tenant; got != "globex" {
		t.Errorf("explicit Tenant = %q, want globex", got)
	}
}

func TestConfig_WithDefaults_KeepsValues(t *testing.T) {
	cfg := outbox.Config{
		DBPath:        "/data/outbox.db",
		MaxRetries:    9,
		ReplayBackoff: time.Second,
		LogLevel:      "debug",
	}.WithDefaults()

	if cfg.DBPath != "/data/outbox.db" || cfg.MaxRetries != 9 || cfg.ReplayBackoff != time.Second || cfg.LogLevel != "debug" {
		t.Errorf("WithDefaults overwrote set fields: %+v", cfg)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OUTBOX_DB_PATH", "/data/outbox.db")
	t.Setenv("OUTBOX_SERVER_URL", "https://api.example.com")
	t.Setenv("OUTBOX_API_KEY", "secret")
	t.Setenv("OUTBOX_CLIENT_ID", "tablet-7")
	t.Setenv("OUTBOX_TENANT", "acme")
	t.Setenv("OUTBOX_MAX_RETRIES", "8")
	t.Setenv("OUTBOX_DEBUG", "1")
	t.Setenv("OUTBOX_LOG_LEVEL", "info")

	cfg := outbox.ConfigFromEnv()

	want := outbox.Config{
		DBPath:     "/data/outbox.db",
		ServerURL:  "https://api.example.com",
		APIKey:     "secret",
		ClientID:   "tablet-7",
		Tenant:     "acme",
		MaxRetries: 8,
		Debug:      true,
		LogLevel:   "info",
	}
	if cfg != want {
		t.Errorf("ConfigFromEnv() = %+v, want %+v", cfg, want)
	}
}

func TestConfigFromEnv_BadRetries(t *testing.T) {
	t.Setenv("OUTBOX_MAX_RETRIES", "many")
	if cfg := outbox.ConfigFromEnv(); cfg.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0 for unparsable value", cfg.MaxRetries)
	}
}

func TestConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.yaml")
	data := `
db_path: /data/outbox.db
server_url: https://api.example.com
tenant: acme
max_retries: 7
manual_replay: true
replay_backoff: 500ms
replay_backoff_max: 30s
probe_interval: 15s
log_level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := outbox.ConfigFromFile(path)
	if err != nil {
		t.Fatalf("ConfigFromFile failed: %v", err)
	}
	if cfg.DBPath != "/data/outbox.db" || cfg.ServerURL != "https://api.example.com" || cfg.Tenant != "acme" {
		t.Errorf("strings not read: %+v", cfg)
	}
	if cfg.MaxRetries != 7 || !cfg.ManualReplay {
		t.Errorf("MaxRetries = %d ManualReplay = %v", cfg.MaxRetries, cfg.ManualReplay)
	}
	if cfg.ReplayBackoff != 500*time.Millisecond || cfg.ReplayBackoffMax != 30*time.Second || cfg.ProbeInterval != 15*time.Second {
		t.Errorf("durations = %v %v %v", cfg.ReplayBackoff, cfg.ReplayBackoffMax, cfg.ProbeInterval)
	}
}

func TestConfigFromFile_Errors(t *testing.T) {
	dir := t.TempDir()
	if _, err := outbox.ConfigFromFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("max_retries: [1, 2"), 0o600)
	if _, err := outbox.ConfigFromFile(bad); err == nil {
		t.Error("malformed YAML should fail")
	}
}

func TestConfig_Merge(t *testing.T) {
	flags := outbox.Config{Tenant: "globex", Debug: true}
	env := outbox.Config{Tenant: "acme", ServerURL: "https://env.example.com", MaxRetries: 3}
	file := outbox.Config{DBPath: "/data/outbox.db", ServerURL: "https://file.example.com", ManualReplay: true}

	cfg := flags.Merge(env).Merge(file)

	if cfg.Tenant != "globex" {
		t.Errorf("Tenant = %q, want flag value", cfg.Tenant)
	}
	if cfg.ServerURL != "https://env.example.com" {
		t.Errorf("ServerURL = %q, want env value", cfg.ServerURL)
	}
	if cfg.DBPath != "/data/outbox.db" || cfg.MaxRetries != 3 {
		t.Errorf("fill-ins missing: %+v", cfg)
	}
	if !cfg.Debug || !cfg.ManualReplay {
		t.Errorf("booleans should OR: Debug=%v ManualReplay=%v", cfg.Debug, cfg.ManualReplay)
	}
}

func TestConfig_IsOffline(t *testing.T) {
	cfg := outbox.Config{DBPath: "/tmp/outbox.db"}
	if !cfg.IsOffline() {
		t.Error("IsOffline() = false without a server")
	}
	cfg.ServerURL = "https://api.example.com"
	if cfg.IsOffline() {
		t.Error("IsOffline() = true with a server")
	}
}
