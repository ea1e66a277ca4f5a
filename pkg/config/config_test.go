package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "simple" {
		t.Errorf("logging defaults = %s/%s", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.Path == "" {
		t.Errorf("storage defaults = %s/%s", cfg.Storage.Backend, cfg.Storage.Path)
	}
	if cfg.Workflow.Retry.MaxParallel != 4 {
		t.Errorf("max_parallel default = %d, want 4", cfg.Workflow.Retry.MaxParallel)
	}
	if cfg.Workflow.Retry.Retries() != 3 {
		t.Errorf("max_retries default = %d, want 3", cfg.Workflow.Retry.Retries())
	}
	if cfg.Tracing.ServiceName != "safeflow" {
		t.Errorf("tracing service name = %q", cfg.Tracing.ServiceName)
	}
	if cfg.Broker.MaxParallelScans != cfg.Workflow.Retry.MaxParallel {
		t.Errorf("broker scan bound = %d, want scheduler max_parallel %d",
			cfg.Broker.MaxParallelScans, cfg.Workflow.Retry.MaxParallel)
	}
}

func TestParseBrokerFollowsScheduler(t *testing.T) {
	cfg, err := Parse([]byte("workflow:\n  retry:\n    max_parallel: 2\n"))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Broker.MaxParallelScans != 2 {
		t.Errorf("broker scan bound = %d, want 2", cfg.Broker.MaxParallelScans)
	}

	cfg, err = Parse([]byte("broker:\n  max_parallel_scans: 9\n"))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Broker.MaxParallelScans != 9 {
		t.Errorf("explicit broker scan bound = %d, want 9", cfg.Broker.MaxParallelScans)
	}
}

func TestParseOverrides(t *testing.T) {
	yaml := `
logging:
  level: debug
  format: json
storage:
  backend: memory
workflow:
  retry:
    max_parallel: 2
    max_retries: 0
    base_backoff: 500ms
  timeout:
    per_node_default: 10m
  checkpoint:
    retention_count: 3
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("storage backend = %s", cfg.Storage.Backend)
	}
	if cfg.Workflow.Retry.MaxParallel != 2 {
		t.Errorf("max_parallel = %d", cfg.Workflow.Retry.MaxParallel)
	}
	if cfg.Workflow.Retry.Retries() != 0 {
		t.Errorf("max_retries = %d, explicit zero must stick", cfg.Workflow.Retry.Retries())
	}
	if cfg.Workflow.Retry.BaseBackoff != 500*time.Millisecond {
		t.Errorf("base_backoff = %v", cfg.Workflow.Retry.BaseBackoff)
	}
	if cfg.Workflow.Timeout.PerNodeDefault != 10*time.Minute {
		t.Errorf("per_node_default = %v", cfg.Workflow.Timeout.PerNodeDefault)
	}
	if cfg.Workflow.Checkpoint.RetentionCount != 3 {
		t.Errorf("retention_count = %d", cfg.Workflow.Checkpoint.RetentionCount)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("loging:\n  level: debug\n"))
	if err == nil {
		t.Fatal("Parse() should reject unknown keys")
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad log format", "logging:\n  format: fancy\n"},
		{"bad storage backend", "storage:\n  backend: redis\n"},
		{"tracing without endpoint", "tracing:\n  enabled: true\n"},
		{"backoff factor below one", "workflow:\n  retry:\n    backoff_factor: 0.5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Errorf("Parse() accepted invalid config")
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SAFEFLOW_TEST_DB", "/data/scan.db")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"braced", "path: ${SAFEFLOW_TEST_DB}", "path: /data/scan.db"},
		{"simple", "path: $SAFEFLOW_TEST_DB", "path: /data/scan.db"},
		{"default used", "path: ${SAFEFLOW_TEST_MISSING:-fallback.db}", "path: fallback.db"},
		{"default ignored when set", "path: ${SAFEFLOW_TEST_DB:-fallback.db}", "path: /data/scan.db"},
		{"unset braced empty", "path: ${SAFEFLOW_TEST_MISSING}", "path: "},
		{"no dollar untouched", "path: plain.db", "path: plain.db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.in); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadWithEnvExpansion(t *testing.T) {
	t.Setenv("SAFEFLOW_TEST_LEVEL", "warn")

	dir := t.TempDir()
	path := filepath.Join(dir, "safeflow.yaml")
	content := strings.Join([]string{
		"logging:",
		"  level: ${SAFEFLOW_TEST_LEVEL:-info}",
		"storage:",
		"  backend: memory",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("level = %q, want warn from environment", cfg.Logging.Level)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SAFEFLOW_TEST_FROM_FILE=yes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("SAFEFLOW_TEST_FROM_FILE") })

	LoadEnvFiles(path)
	if got := os.Getenv("SAFEFLOW_TEST_FROM_FILE"); got != "yes" {
		t.Errorf("env from file = %q, want yes", got)
	}

	// Missing files are skipped silently.
	LoadEnvFiles(filepath.Join(dir, "missing.env"))
}
