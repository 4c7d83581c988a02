// Package config loads and validates the node configuration from TOML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type ServerConfig struct {
	Name            string            `toml:"name"`
	Addr            string            `toml:"addr"`
	DataDir         string            `toml:"data_dir"`
	CorsOrigins     []string          `toml:"cors_origins"`
	SnapshotBaseURL string            `toml:"snapshot_base_url"`
	AdminToken      string            `toml:"admin_token"`
	DedupWindowMs   int64             `toml:"dedup_window_ms"`
	RateLimit       RateLimitConfig   `toml:"rate_limit"`
	Maintenance     MaintenanceConfig `toml:"maintenance"`
	Protected       []RegionConfig    `toml:"protected"`
}

// DedupWindow returns the clientOpId dedup window as a duration.
func (c ServerConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMs) * time.Millisecond
}

// RateLimitConfig shapes the per-user paint token bucket. These values also
// feed the RateLimitHint sent to throttled clients.
type RateLimitConfig struct {
	PerSec float64 `toml:"per_sec"`
	Burst  int     `toml:"burst"`
}

// MaintenanceConfig shapes the background snapshot/compaction sweeper. A
// tile whose retained delta history exceeds MaxRetainedDeltas gets a fresh
// snapshot captured and its covered history dropped.
type MaintenanceConfig struct {
	SweepIntervalMs   int64  `toml:"sweep_interval_ms"`
	MaxRetainedDeltas uint64 `toml:"max_retained_deltas"`
}

// SweepInterval returns the sweep cadence as a duration.
func (m MaintenanceConfig) SweepInterval() time.Duration {
	return time.Duration(m.SweepIntervalMs) * time.Millisecond
}

// RegionConfig declares one paint exclusion rectangle, corners inclusive.
type RegionConfig struct {
	X1     int    `toml:"x1"`
	Y1     int    `toml:"y1"`
	X2     int    `toml:"x2"`
	Y2     int    `toml:"y2"`
	Reason string `toml:"reason"`
}

func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	applyDefaults(&cfg)
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// DefaultServerConfig is the configuration used when no file is given.
func DefaultServerConfig() ServerConfig {
	var cfg ServerConfig
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *ServerConfig) {
	if cfg.Name == "" {
		cfg.Name = "placed"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9300"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.DedupWindowMs == 0 {
		cfg.DedupWindowMs = 5000
	}
	if cfg.RateLimit.PerSec == 0 {
		cfg.RateLimit.PerSec = 5
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Maintenance.SweepIntervalMs == 0 {
		cfg.Maintenance.SweepIntervalMs = 60_000
	}
	if cfg.Maintenance.MaxRetainedDeltas == 0 {
		cfg.Maintenance.MaxRetainedDeltas = 512
	}
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("server config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("server config missing addr")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("server config missing data_dir")
	}
	if cfg.DedupWindowMs < 0 {
		return fmt.Errorf("dedup_window_ms must not be negative")
	}
	if cfg.RateLimit.PerSec <= 0 {
		return fmt.Errorf("rate_limit.per_sec must be positive")
	}
	if cfg.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be positive")
	}
	if cfg.Maintenance.SweepIntervalMs < 0 {
		return fmt.Errorf("maintenance.sweep_interval_ms must not be negative")
	}
	return nil
}
