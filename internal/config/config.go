// Package config loads and validates the Otakon core configuration from
// otakon.yaml. Missing files yield defaults; a malformed file is an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the companion core.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Progress  ProgressConfig  `yaml:"progress"`
	Grounding GroundingConfig `yaml:"grounding"`
}

// StorageConfig controls the SQLite backing store.
type StorageConfig struct {
	// Path to the SQLite database file. Empty means <workspace>/.otakon/otakon.db.
	Path string `yaml:"path"`
	// BusyTimeoutMS is the sqlite busy_timeout pragma value.
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// ProgressConfig controls the progress state machine.
type ProgressConfig struct {
	// BaseEdition is the edition tag treated as the canonical release.
	BaseEdition string `yaml:"base_edition"`
}

// GroundingConfig controls the grounding quota decision engine.
type GroundingConfig struct {
	// KnowledgeCutoff overrides the model knowledge cutoff (RFC3339).
	KnowledgeCutoff string `yaml:"knowledge_cutoff"`
	// TierLimits overrides the monthly search quota per subscription tier.
	TierLimits map[string]int `yaml:"tier_limits"`
	// FreeLiveServiceLimit overrides the free-tier live-service sub-limit.
	FreeLiveServiceLimit int `yaml:"free_live_service_limit"`
	// UsageCacheTTL overrides the usage cache freshness window.
	UsageCacheTTL time.Duration `yaml:"usage_cache_ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			BusyTimeoutMS: 5000,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
		Progress: ProgressConfig{
			BaseEdition: "base",
		},
		Grounding: GroundingConfig{
			TierLimits: map[string]int{
				"free":         8,
				"pro":          30,
				"vanguard_pro": 100,
			},
			FreeLiveServiceLimit: 4,
			UsageCacheTTL:        5 * time.Minute,
		},
	}
}

// Load reads otakon.yaml from the workspace directory. A missing file returns
// defaults; a present but unparseable file is an error.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	if workspace == "" {
		return cfg, nil
	}

	path := filepath.Join(workspace, "otakon.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values left by a partial YAML file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Storage.BusyTimeoutMS <= 0 {
		c.Storage.BusyTimeoutMS = d.Storage.BusyTimeoutMS
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Progress.BaseEdition == "" {
		c.Progress.BaseEdition = d.Progress.BaseEdition
	}
	if c.Grounding.TierLimits == nil {
		c.Grounding.TierLimits = d.Grounding.TierLimits
	} else {
		for tier, limit := range d.Grounding.TierLimits {
			if _, ok := c.Grounding.TierLimits[tier]; !ok {
				c.Grounding.TierLimits[tier] = limit
			}
		}
	}
	if c.Grounding.FreeLiveServiceLimit <= 0 {
		c.Grounding.FreeLiveServiceLimit = d.Grounding.FreeLiveServiceLimit
	}
	if c.Grounding.UsageCacheTTL <= 0 {
		c.Grounding.UsageCacheTTL = d.Grounding.UsageCacheTTL
	}
}

func (c *Config) validate() error {
	if c.Grounding.KnowledgeCutoff != "" {
		if _, err := time.Parse(time.RFC3339, c.Grounding.KnowledgeCutoff); err != nil {
			return fmt.Errorf("invalid grounding.knowledge_cutoff %q: %w", c.Grounding.KnowledgeCutoff, err)
		}
	}
	for tier, limit := range c.Grounding.TierLimits {
		if limit < 0 {
			return fmt.Errorf("grounding.tier_limits[%s] must be non-negative, got %d", tier, limit)
		}
	}
	return nil
}

// DatabasePath resolves the configured SQLite path for a workspace.
func (c *Config) DatabasePath(workspace string) string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(workspace, ".otakon", "otakon.db")
}
