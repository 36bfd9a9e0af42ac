package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pipeline.IntervalMS != 8000 {
		t.Fatalf("expected default interval 8000, got %d", cfg.Pipeline.IntervalMS)
	}
	if cfg.Pipeline.SampleRate != 16000 {
		t.Fatalf("expected default sample rate 16000, got %d", cfg.Pipeline.SampleRate)
	}
	if cfg.Recovery.MaxErrors != 3 || cfg.Recovery.RestartDelayMS != 1000 {
		t.Fatalf("unexpected recovery defaults: %+v", cfg.Recovery)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_ENABLED", "true")
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("SCRIBE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("SCRIBE_PIPELINE_INTERVAL_MS", "4000")
	t.Setenv("SCRIBE_PIPELINE_OVERLAP_MS", "200")
	t.Setenv("SCRIBE_RECOVERY_RESTART_DELAY_MS", "250")
	t.Setenv("SCRIBE_STT_MODE", "bus")
	t.Setenv("SCRIBE_SESSION_AUTO_START", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Pipeline.IntervalMS != 4000 || cfg.Pipeline.OverlapMS != 200 {
		t.Fatalf("expected pipeline overrides, got %+v", cfg.Pipeline)
	}
	if cfg.Recovery.RestartDelayMS != 250 {
		t.Fatalf("expected restart delay override")
	}
	if cfg.STT.Mode != "bus" {
		t.Fatalf("expected stt mode override")
	}
	if !cfg.Session.AutoStart {
		t.Fatalf("expected auto start override")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte(`runtime_name: test-scribe
capture:
  mode: wav
  path: ./speech.wav
stt:
  mode: exec
  command: "whisper-cli --json"
pipeline:
  min_window_ms: 2000
  overlap_ms: 300
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "test-scribe" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Capture.Mode != "wav" || cfg.Capture.Path != "./speech.wav" {
		t.Fatalf("unexpected capture config: %+v", cfg.Capture)
	}
	if cfg.Pipeline.MinWindowMS != 2000 || cfg.Pipeline.OverlapMS != 300 {
		t.Fatalf("unexpected pipeline config: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.IntervalMS != 8000 {
		t.Fatalf("expected untouched default interval, got %d", cfg.Pipeline.IntervalMS)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"exec without command": func(c *Config) { c.STT.Mode = "exec" },
		"bus stt without bus":  func(c *Config) { c.STT.Mode = "bus" },
		"wav without path":     func(c *Config) { c.Capture.Mode = "wav" },
		"overlap too long":     func(c *Config) { c.Pipeline.OverlapMS = 1500 },
		"zero max errors":      func(c *Config) { c.Recovery.MaxErrors = 0 },
		"unknown stt mode":     func(c *Config) { c.STT.Mode = "cloud" },
		"rate mismatch":        func(c *Config) { c.Capture.SampleRate = 48000 },
		"bad log level":        func(c *Config) { c.Telemetry.LogLevel = "verbose" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
