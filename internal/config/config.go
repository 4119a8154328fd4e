// Package config loads the mirror's YAML configuration file, mirroring
// the nested-struct shape used elsewhere in this codebase family for
// provider configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/romanctcroman-boop/bybit-kline-mirror/internal/candle"
)

// Config holds every tunable in the configuration table.
type Config struct {
	DataDir             string              `yaml:"data_dir"`
	PostgresDSN         string              `yaml:"postgres_dsn"`
	GlobalMinDate       string              `yaml:"global_min_date"`
	MaxRetentionDays    int                 `yaml:"max_retention_days"`
	RetentionCheckDays  int                 `yaml:"retention_check_days"`
	RAMLimit            int                 `yaml:"ram_limit"`
	BatchSize           int                 `yaml:"batch_size"`
	BatchFlushMS        int                 `yaml:"batch_flush_ms"`
	MonitorPeriodS      int                 `yaml:"monitor_period_s"`
	RepairIntervalHours int                 `yaml:"repair_interval_hours"`
	RateLimitMS         int                 `yaml:"rate_limit_ms"`
	HTTPTimeoutS        int                 `yaml:"http_timeout_s"`
	CompletenessThresh  float64             `yaml:"completeness_threshold"`
	ZThreshold          float64             `yaml:"z_threshold"`
	CriticalGapPct      float64             `yaml:"critical_gap_pct"`
	MaxCandlesToLoad    map[string]int      `yaml:"max_candles_to_load"`
	Adjacency           map[string][]string `yaml:"adjacency"`
	RequiredIntervals   []string            `yaml:"required_intervals"`
	OpsAPI              OpsAPIConfig        `yaml:"ops_api"`
}

// OpsAPIConfig configures the local-only ops HTTP surface.
type OpsAPIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Default returns the service's documented defaults.
func Default() Config {
	return Config{
		DataDir:             "./data",
		GlobalMinDate:       "2025-01-01T00:00:00Z",
		MaxRetentionDays:    730,
		RetentionCheckDays:  30,
		RAMLimit:            500,
		BatchSize:           100,
		BatchFlushMS:        1000,
		MonitorPeriodS:      60,
		RepairIntervalHours: 6,
		RateLimitMS:         100,
		HTTPTimeoutS:        2,
		CompletenessThresh:  95.0,
		ZThreshold:          3.0,
		CriticalGapPct:      1.5,
		MaxCandlesToLoad: map[string]int{
			"1": 10_000, "5": 10_000, "15": 10_000, "60": 5_000, "D": 900,
		},
		Adjacency: map[string][]string{
			"1":  {"5", "15"},
			"5":  {"1", "15", "30"},
			"15": {"5", "30", "60"},
			"30": {"15", "60"},
			"60": {"30", "240"},
		},
		RequiredIntervals: []string{"1", "60"},
		OpsAPI:            OpsAPIConfig{Host: "127.0.0.1", Port: 9090},
	}
}

// Load reads a YAML file and overlays it on Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// GlobalMinTS parses GlobalMinDate to epoch milliseconds.
func (c Config) GlobalMinTS() (int64, error) {
	t, err := time.Parse(time.RFC3339, c.GlobalMinDate)
	if err != nil {
		return 0, fmt.Errorf("config: global_min_date: %w", err)
	}
	return t.UnixMilli(), nil
}

// AdjacentIntervals returns the normalized adjacency set for a primary
// interval, or nil if none configured.
func (c Config) AdjacentIntervals(primary candle.Interval) []candle.Interval {
	raw, ok := c.Adjacency[string(primary)]
	if !ok {
		return nil
	}
	out := make([]candle.Interval, 0, len(raw))
	for _, r := range raw {
		if iv, err := candle.NormalizeInterval(r); err == nil {
			out = append(out, iv)
		}
	}
	return out
}

// RequiredIntervalSet returns the configured always-loaded intervals.
func (c Config) RequiredIntervalSet() []candle.Interval {
	out := make([]candle.Interval, 0, len(c.RequiredIntervals))
	for _, r := range c.RequiredIntervals {
		if iv, err := candle.NormalizeInterval(r); err == nil {
			out = append(out, iv)
		}
	}
	return out
}

// MaxCandlesFor returns the configured target row count for an
// interval, defaulting to 1000 when unconfigured.
func (c Config) MaxCandlesFor(interval candle.Interval) int {
	if n, ok := c.MaxCandlesToLoad[string(interval)]; ok {
		return n
	}
	return 1000
}
