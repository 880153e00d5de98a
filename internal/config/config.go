package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/peak1031/ppsync/internal/sync"
	"github.com/peak1031/ppsync/internal/upstream"
)

// Config is the process configuration: environment variables first, with an
// optional YAML tuning file (PPSYNC_CONFIG) for the sync parameters.
type Config struct {
	Host   string
	Port   string
	DBPath string

	Sync SyncConfig
}

// SyncConfig tunes the sync engine. Durations are YAML strings ("5m", "100ms").
type SyncConfig struct {
	PageSize    int      `yaml:"page_size"`
	RateQuota   int      `yaml:"rate_quota"`
	RateWindow  string   `yaml:"rate_window"`
	PageDelay   string   `yaml:"page_delay"`
	Backoff429  string   `yaml:"backoff_429"`
	EntityOrder []string `yaml:"entity_order"` // must be a permutation of the known types
}

type fileConfig struct {
	Sync SyncConfig `yaml:"sync"`
}

// Load builds the configuration from environment and the optional YAML file.
func Load() (*Config, error) {
	cfg := &Config{
		Host:   envOr("HOST", "127.0.0.1"),
		Port:   envOr("PORT", "8090"),
		DBPath: envOr("PPSYNC_DB", "ppsync.db"),
		Sync: SyncConfig{
			PageSize:  sync.DefaultPageSize,
			RateQuota: upstream.DefaultRateQuota,
		},
	}

	path := strings.TrimSpace(os.Getenv("PPSYNC_CONFIG"))
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Sync.PageSize > 0 {
		cfg.Sync.PageSize = fc.Sync.PageSize
	}
	if fc.Sync.RateQuota > 0 {
		cfg.Sync.RateQuota = fc.Sync.RateQuota
	}
	cfg.Sync.RateWindow = fc.Sync.RateWindow
	cfg.Sync.PageDelay = fc.Sync.PageDelay
	cfg.Sync.Backoff429 = fc.Sync.Backoff429

	if len(fc.Sync.EntityOrder) > 0 {
		if err := validateEntityOrder(fc.Sync.EntityOrder); err != nil {
			return nil, err
		}
		cfg.Sync.EntityOrder = fc.Sync.EntityOrder
	}
	return cfg, nil
}

// RateWindowDuration returns the parsed rate window, defaulting when unset.
func (s SyncConfig) RateWindowDuration() time.Duration {
	return durationOr(s.RateWindow, upstream.DefaultRateWindow)
}

// PageDelayDuration returns the parsed inter-page delay, defaulting when unset.
func (s SyncConfig) PageDelayDuration() time.Duration {
	return durationOr(s.PageDelay, sync.DefaultPageDelay)
}

// Backoff429Duration returns the parsed 429 backoff, defaulting when unset.
func (s SyncConfig) Backoff429Duration() time.Duration {
	return durationOr(s.Backoff429, upstream.DefaultBackoff429)
}

func validateEntityOrder(order []string) error {
	known := map[string]bool{}
	for _, e := range sync.EntityTypes() {
		known[e] = true
	}
	seen := map[string]bool{}
	for _, e := range order {
		if !known[e] {
			return fmt.Errorf("unknown entity type %q in entity_order", e)
		}
		if seen[e] {
			return fmt.Errorf("duplicate entity type %q in entity_order", e)
		}
		seen[e] = true
	}
	return nil
}

func durationOr(s string, fallback time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
