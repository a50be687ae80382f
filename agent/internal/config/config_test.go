package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Valid(t *testing.T) {
	yaml := `
agent:
  endpoint: "https://collector.example.com/api/raspberry-scan-store"
  request_timeout: 3s
  retry:
    max_attempts: 4
    base_delay: 500ms
    multiplier: 3
    max_delay: 10s
  auth:
    mode: apikey
    header: X-Api-Key
    key_env: SCAN_KEY
flush:
  batch_size: 50
  interval: 2m
queue:
  path: /var/lib/scanagent/data_backup.csv
probe:
  mode: tcp
  target: "collector.example.com:443"
  timeout: 2s
device:
  device_id: rasp-7
  site_id: filial-2
`
	cfg := loadFromString(t, yaml)

	if cfg.Agent.Endpoint != "https://collector.example.com/api/raspberry-scan-store" {
		t.Errorf("endpoint: got %q", cfg.Agent.Endpoint)
	}
	if cfg.Agent.RequestTimeout != 3*time.Second {
		t.Errorf("request_timeout: got %v", cfg.Agent.RequestTimeout)
	}
	if cfg.Agent.Retry.MaxAttempts != 4 || cfg.Agent.Retry.Multiplier != 3 {
		t.Errorf("retry: got %+v", cfg.Agent.Retry)
	}
	if cfg.Flush.BatchSize != 50 || cfg.Flush.Interval != 2*time.Minute {
		t.Errorf("flush: got %+v", cfg.Flush)
	}
	if cfg.Probe.Mode != "tcp" || cfg.Probe.Timeout != 2*time.Second {
		t.Errorf("probe: got %+v", cfg.Probe)
	}
	if cfg.Device.DeviceID != "rasp-7" || cfg.Device.SiteID != "filial-2" {
		t.Errorf("device: got %+v", cfg.Device)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFromString(t, "agent:\n  endpoint: \"http://localhost:8000/api\"\n")

	if cfg.Agent.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("default request_timeout: got %v, want %v", cfg.Agent.RequestTimeout, DefaultRequestTimeout)
	}
	if cfg.Agent.Retry.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("default max_attempts: got %d, want %d", cfg.Agent.Retry.MaxAttempts, DefaultMaxAttempts)
	}
	if cfg.Agent.Retry.BaseDelay != DefaultBaseDelay {
		t.Errorf("default base_delay: got %v, want %v", cfg.Agent.Retry.BaseDelay, DefaultBaseDelay)
	}
	if cfg.Flush.BatchSize != DefaultBatchSize {
		t.Errorf("default batch_size: got %d, want %d", cfg.Flush.BatchSize, DefaultBatchSize)
	}
	if cfg.Probe.Interval != DefaultProbeInterval {
		t.Errorf("default probe interval: got %v, want %v", cfg.Probe.Interval, DefaultProbeInterval)
	}
	if cfg.Queue.Path != DefaultQueuePath {
		t.Errorf("default queue path: got %q", cfg.Queue.Path)
	}
}

func TestLoad_MissingEndpointIsNotFatal(t *testing.T) {
	cfg := loadFromString(t, "queue:\n  path: backlog.csv\n")
	if cfg.Agent.Endpoint != "" {
		t.Errorf("endpoint: got %q, want empty", cfg.Agent.Endpoint)
	}
	if cfg.Queue.Path != "backlog.csv" {
		t.Errorf("queue path: got %q", cfg.Queue.Path)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("SCANAGENT_ENDPOINT", "https://collector.example.com/store")
	cfg := loadFromString(t, "agent:\n  endpoint: \"${SCANAGENT_ENDPOINT}\"\n")
	if cfg.Agent.Endpoint != "https://collector.example.com/store" {
		t.Errorf("endpoint: got %q", cfg.Agent.Endpoint)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad endpoint scheme", "agent:\n  endpoint: \"ftp://x\"\n"},
		{"zero timeout", "agent:\n  request_timeout: 0s\n"},
		{"unknown auth mode", "agent:\n  auth:\n    mode: magictoken\n"},
		{"apikey without header", "agent:\n  auth:\n    mode: apikey\n"},
		{"multiplier below one", "agent:\n  retry:\n    multiplier: 0.5\n"},
		{"max delay below base", "agent:\n  retry:\n    base_delay: 5s\n    max_delay: 1s\n"},
		{"zero batch", "flush:\n  batch_size: 0\n"},
		{"empty queue path", "queue:\n  path: \"\"\n"},
		{"unknown probe mode", "probe:\n  mode: icmp\n"},
		{"probe timeout too long", "probe:\n  timeout: 30s\n"},
		{"unknown webhook", "notify:\n  webhooks:\n    - type: pager\n"},
		{"unknown log level", "log:\n  level: chatty\n"},
		{"malformed yaml", "agent: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loadStringErr(t, tc.yaml); err == nil {
				t.Fatalf("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestAuthConfig_Secrets(t *testing.T) {
	t.Setenv("TEST_API_KEY", "supersecret")
	t.Setenv("TEST_BEARER_TOKEN", "mytoken")
	t.Setenv("TEST_PASSWORD", "hunter2")
	a := AuthConfig{KeyEnv: "TEST_API_KEY", TokenEnv: "TEST_BEARER_TOKEN", PasswordEnv: "TEST_PASSWORD"}
	if got := a.Key(); got != "supersecret" {
		t.Errorf("Key(): got %q", got)
	}
	if got := a.Token(); got != "mytoken" {
		t.Errorf("Token(): got %q", got)
	}
	if got := a.Password(); got != "hunter2" {
		t.Errorf("Password(): got %q", got)
	}
	if got := (AuthConfig{}).Key(); got != "" {
		t.Errorf("Key() with no KeyEnv: got %q, want empty", got)
	}
}

func TestWebhookConfig_URL(t *testing.T) {
	t.Setenv("TEAMS_URL", "https://teams.example.com/webhook")
	w := WebhookConfig{Type: "teams", URLEnv: "TEAMS_URL"}
	if got := w.URL(); got != "https://teams.example.com/webhook" {
		t.Errorf("URL(): got %q", got)
	}
}

func TestLogConfig_SlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (LogConfig{Level: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// watchConfig starts Watch on path and returns the channel of reloads.
func watchConfig(t *testing.T, ctx context.Context, path string) <-chan []string {
	t.Helper()
	got := make(chan []string, 8)
	go func() {
		_ = Watch(ctx, path, func(c *Config, changed []string) {
			if c.Log.Level == "debug" {
				got <- changed
			}
		})
	}()
	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	return got
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := watchConfig(t, ctx, path)

	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case changed := <-got:
		if len(changed) != 1 || changed[0] != "log" {
			t.Errorf("changed = %v, want [log]", changed)
		}
	case <-ctx.Done():
		t.Fatal("Watch did not report the rewrite")
	}
}

func TestWatch_SeesAtomicSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got := watchConfig(t, ctx, path)

	tmp := filepath.Join(dir, ".config.yaml.swp")
	if err := os.WriteFile(tmp, []byte("log:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case <-got:
	case <-ctx.Done():
		t.Fatal("Watch did not report the renamed file")
	}
}

func TestWatch_IgnoresSaveWithoutChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("log:\n  level: info\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := make(chan []string, 8)
	go func() {
		_ = Watch(ctx, path, func(_ *Config, changed []string) { calls <- changed })
	}()
	time.Sleep(100 * time.Millisecond)

	// Same values, different formatting.
	if err := os.WriteFile(path, []byte("# touched\nlog:\n  level: \"info\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * reloadDelay)
	if err := os.WriteFile(path, []byte("flush:\n  batch_size: 5\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case changed := <-calls:
		if len(changed) != 1 || changed[0] != "flush" {
			t.Errorf("first reload changed = %v, want [flush]", changed)
		}
	case <-ctx.Done():
		t.Fatal("Watch did not report the real change")
	}
}

func TestDiff(t *testing.T) {
	prev := Default()
	if got := Diff(prev, Default()); len(got) != 0 {
		t.Errorf("Diff(defaults, defaults) = %v, want none", got)
	}

	next := Default()
	next.Log.Level = "debug"
	next.Agent.Endpoint = "https://collector.example.com/store"
	got := Diff(prev, next)
	if len(got) != 2 || got[0] != "agent" || got[1] != "log" {
		t.Errorf("Diff = %v, want [agent log]", got)
	}
}

// loadFromString writes yaml to a temp file and calls Load, failing on error.
func loadFromString(t *testing.T, content string) *Config {
	t.Helper()
	cfg, err := loadStringErr(t, content)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	return cfg
}

// loadStringErr writes yaml to a temp file and calls Load, returning any error.
func loadStringErr(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return Load(path)
}
