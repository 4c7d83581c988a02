package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencanvas/placed/internal/testutil/testlog"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "placed.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServerConfig(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
name = "canvas-eu-1"
addr = ":8088"
data_dir = "/var/lib/placed"
cors_origins = ["https://canvas.example.com"]
snapshot_base_url = "https://canvas.example.com"
admin_token = "s3cret"
dedup_window_ms = 2500

[rate_limit]
per_sec = 2.5
burst = 4

[maintenance]
sweep_interval_ms = 30000
max_retained_deltas = 128

[[protected]]
x1 = -10
y1 = -10
x2 = 10
y2 = 10
reason = "memorial"
`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "canvas-eu-1" || cfg.Addr != ":8088" || cfg.DataDir != "/var/lib/placed" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.DedupWindow() != 2500*time.Millisecond {
		t.Fatalf("dedup window=%v", cfg.DedupWindow())
	}
	if cfg.RateLimit.PerSec != 2.5 || cfg.RateLimit.Burst != 4 {
		t.Fatalf("rate limit=%+v", cfg.RateLimit)
	}
	if len(cfg.Protected) != 1 || cfg.Protected[0].Reason != "memorial" {
		t.Fatalf("protected=%+v", cfg.Protected)
	}
	if len(cfg.CorsOrigins) != 1 {
		t.Fatalf("cors=%v", cfg.CorsOrigins)
	}
	if cfg.AdminToken != "s3cret" {
		t.Fatalf("admin token=%q", cfg.AdminToken)
	}
	if cfg.Maintenance.SweepInterval() != 30*time.Second || cfg.Maintenance.MaxRetainedDeltas != 128 {
		t.Fatalf("maintenance=%+v", cfg.Maintenance)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `name = "sparse"`)
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9300" || cfg.DataDir != "./data" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.DedupWindowMs != 5000 || cfg.RateLimit.PerSec != 5 || cfg.RateLimit.Burst != 10 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Maintenance.SweepIntervalMs != 60_000 || cfg.Maintenance.MaxRetainedDeltas != 512 {
		t.Fatalf("maintenance defaults not applied: %+v", cfg.Maintenance)
	}
	if cfg.AdminToken != "" {
		t.Fatalf("admin surface should default to disabled")
	}
}

func TestDefaultServerConfigValidates(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServerConfig()
	if err := ValidateServerConfig(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Name != "placed" {
		t.Fatalf("name=%q", cfg.Name)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	base := DefaultServerConfig()

	cases := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"empty name", func(c *ServerConfig) { c.Name = " " }},
		{"empty addr", func(c *ServerConfig) { c.Addr = "" }},
		{"empty data dir", func(c *ServerConfig) { c.DataDir = "" }},
		{"negative dedup window", func(c *ServerConfig) { c.DedupWindowMs = -1 }},
		{"zero rate", func(c *ServerConfig) { c.RateLimit.PerSec = 0 }},
		{"zero burst", func(c *ServerConfig) { c.RateLimit.Burst = 0 }},
		{"negative sweep interval", func(c *ServerConfig) { c.Maintenance.SweepIntervalMs = -1 }},
	}
	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		if err := ValidateServerConfig(cfg); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadFailures(t *testing.T) {
	testlog.Start(t)
	if _, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("missing file should fail")
	}
	path := writeConfig(t, `name = [broken`)
	if _, err := LoadServerConfig(path); err == nil {
		t.Fatalf("malformed toml should fail")
	}
}
