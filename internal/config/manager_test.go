package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseMissingFileYieldsDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope.yaml"))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 10000 {
		t.Fatalf("port = %d, want 10000", cfg.Server.Port)
	}
	if cfg.Storage.StatePath != "/data/database.sqlite3" {
		t.Fatalf("state path = %s", cfg.Storage.StatePath)
	}
	if !cfg.Scheduler.IsEnabled() {
		t.Fatal("scheduler should default to enabled")
	}
}

func TestParseYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: 8080
  rate_per_sec: 50
logging:
  level: DEBUG
  console: true
  file:
    enabled: false
    path: ""
storage:
  state_path: /tmp/state.sqlite3
  jobs_path: /tmp/jobs.sqlite
scheduler:
  enabled: false
  retry_max: 5
dispatch:
  queue_size: 64
  workers: 4
`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.RatePerSec != 50 {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Fatalf("level = %s", cfg.Logging.Level)
	}
	if cfg.Scheduler.IsEnabled() {
		t.Fatal("scheduler.enabled=false not honored")
	}
	if cfg.Scheduler.RetryMax != 5 {
		t.Fatalf("retry_max = %d", cfg.Scheduler.RetryMax)
	}
	if cfg.Dispatch.QueueSize != 64 || cfg.Dispatch.Workers != 4 {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
}

func TestParseJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"server":{"port":9000}}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "config.yaml", "server:\n  bogus_knob: 1\n")
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeFile(t, "config.json", `{"server":{"port":9000}}{"server":{}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("DB_PATH", "/var/lib/vault/state.sqlite3")
	t.Setenv("JOB_DB_PATH", "/var/lib/vault/jobs.sqlite")
	t.Setenv("LOG_LEVEL", "TRACE")

	cfg, err := NewManager("").Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Storage.StatePath != "/var/lib/vault/state.sqlite3" {
		t.Fatalf("state path = %s", cfg.Storage.StatePath)
	}
	if cfg.Storage.JobsPath != "/var/lib/vault/jobs.sqlite" {
		t.Fatalf("jobs path = %s", cfg.Storage.JobsPath)
	}
	if cfg.Logging.Level != "TRACE" {
		t.Fatalf("level = %s", cfg.Logging.Level)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	t.Setenv("PORT", "7001")
	path := writeFile(t, "config.yaml", "server:\n  port: 8080\n")

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Fatalf("port = %d, env must win", cfg.Server.Port)
	}
}

func TestEnvInvalidPort(t *testing.T) {
	for _, v := range []string{"abc", "0", "-1", "70000"} {
		t.Setenv("PORT", v)
		if _, err := NewManager("").Parse(); err == nil {
			t.Fatalf("PORT=%s: expected error", v)
		}
	}
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	m := NewManager("")
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	sub := m.Subscribe(1)
	m.publish(cfg)
	select {
	case got := <-sub:
		if got != cfg {
			t.Fatal("subscriber got a different config pointer")
		}
	case <-time.After(time.Second):
		t.Fatal("publish never reached subscriber")
	}

	// Full buffer: the newest config replaces the stale one.
	stale := Default()
	newest := Default()
	m.publish(stale)
	m.publish(newest)
	select {
	case got := <-sub:
		if got != newest {
			t.Fatal("expected the newest config after overflow")
		}
	case <-time.After(time.Second):
		t.Fatal("nothing delivered after overflow")
	}

	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel must be closed after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	m.publish(cfg)
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", "1m30s")
	if err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("expected error for junk duration")
	}

	d, err = ParseDurationOrDefault("x", "", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("default: got %v, %v", d, err)
	}
}
