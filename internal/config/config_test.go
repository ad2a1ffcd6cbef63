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
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Stability.Policy != "time" || cfg.Stability.DurationMS != 2000 {
		t.Fatalf("unexpected stability defaults: %+v", cfg.Stability)
	}
	if cfg.Gate.TimeoutMS != 2000 {
		t.Fatalf("expected gate timeout 2000, got %d", cfg.Gate.TimeoutMS)
	}
	if cfg.Capture.IntervalMS != 100 {
		t.Fatalf("expected capture interval 100, got %d", cfg.Capture.IntervalMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SIGN_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SIGN_BUS_USERNAME", "alice")
	t.Setenv("SIGN_BUS_PASSWORD", "secret")
	t.Setenv("SIGN_BUS_TLS_INSECURE", "true")
	t.Setenv("SIGN_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SIGN_STABILITY_POLICY", "count")
	t.Setenv("SIGN_STABILITY_COUNT_THRESHOLD", "7")
	t.Setenv("SIGN_GATE_TIMEOUT_MS", "1500")
	t.Setenv("SIGN_PREDICTOR_SCRIPT", "A, B ,C")
	t.Setenv("SIGN_SPEECH_RATE", "1.5")
	t.Setenv("SIGN_HISTORY_RETENTION_MODE", "session")
	t.Setenv("SIGN_HISTORY_MAX_ENTRIES", "123")
	t.Setenv("SIGN_BUS_MAX_PAYLOAD_BYTES", "4194304")
	t.Setenv("SIGN_TELEMETRY_TRACE_SAMPLE_RATIO", "0.25")

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
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Stability.Policy != "count" || cfg.Stability.CountThreshold != 7 {
		t.Fatalf("expected stability override, got %+v", cfg.Stability)
	}
	if cfg.Gate.TimeoutMS != 1500 {
		t.Fatalf("expected gate timeout override")
	}
	if len(cfg.Predictor.Script) != 3 || cfg.Predictor.Script[1] != "B" {
		t.Fatalf("expected trimmed script, got %v", cfg.Predictor.Script)
	}
	if cfg.Speech.Rate != 1.5 {
		t.Fatalf("expected speech rate override")
	}
	if cfg.History.RetentionMode != "session" || cfg.History.MaxEntries != 123 {
		t.Fatalf("expected history override, got %+v", cfg.History)
	}
	if cfg.Bus.MaxPayload != 4<<20 || cfg.Telemetry.TraceSampleRatio != 0.25 {
		t.Fatalf("expected payload and sampling overrides, got %d %v", cfg.Bus.MaxPayload, cfg.Telemetry.TraceSampleRatio)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signd.yaml")
	data := []byte(`runtime_name: booth-1
stability:
  policy: count
  count_threshold: 4
capture:
  interval_ms: 200
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "booth-1" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Stability.CountThreshold != 4 || cfg.Capture.IntervalMS != 200 {
		t.Fatalf("file values not applied: %+v %+v", cfg.Stability, cfg.Capture)
	}
	if cfg.Capture.Width != 224 {
		t.Fatalf("expected default width to survive partial file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"policy":      func(c *Config) { c.Stability.Policy = "vibes" },
		"gate":        func(c *Config) { c.Gate.TimeoutMS = 0 },
		"directory":   func(c *Config) { c.Capture.Source = "directory" },
		"exec":        func(c *Config) { c.Predictor.Mode = "exec" },
		"speech rate": func(c *Config) { c.Speech.Rate = 3 },
		"quality":     func(c *Config) { c.Capture.JPEGQuality = 0 },
		"heartbeat":   func(c *Config) { c.Presence.HeartbeatTimeout = c.Presence.HeartbeatInterval },
		"payload":     func(c *Config) { c.Bus.MaxPayload = -1 },
		"sampling":    func(c *Config) { c.Telemetry.TraceSampleRatio = 1.5 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
