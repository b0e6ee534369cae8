// Package config loads the posnorm configuration file and the menu catalog /
// allowed-mods fixtures. Configuration is YAML with environment overrides;
// every field has a working default so the binary runs with no file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"posnorm/internal/merge"
)

// Environment override keys.
const (
	EnvLogDir    = "POSNORM_LOG_DIR"
	EnvAuditPath = "POSNORM_AUDIT_PATH"
	EnvDebug     = "POSNORM_DEBUG"
)

// LLMConfig mirrors the POS_LLM_* environment contract in file form. The
// API key is intentionally absent: keys come from the environment only.
type LLMConfig struct {
	Provider string  `yaml:"provider"`
	Model    string  `yaml:"model"`
	BaseURL  string  `yaml:"base_url"`
	TimeoutS float64 `yaml:"timeout_s"`
	Enabled  *bool   `yaml:"enabled"`
}

// ThresholdConfig carries the merge-stage confidence floors.
type ThresholdConfig struct {
	Item  *float64 `yaml:"item"`
	Mods  *float64 `yaml:"mods"`
	Group *float64 `yaml:"group"`
}

// CacheConfig carries per-namespace TTL overrides in seconds.
type CacheConfig struct {
	TTLSeconds map[string]int `yaml:"ttl_seconds"`
}

// Config is the root configuration document.
type Config struct {
	LogDir      string          `yaml:"log_dir"`
	Debug       bool            `yaml:"debug"`
	AuditPath   string          `yaml:"audit_path"`
	CatalogPath string          `yaml:"catalog_path"`
	ModsPath    string          `yaml:"mods_path"`
	LLM         LLMConfig       `yaml:"llm"`
	Thresholds  ThresholdConfig `yaml:"thresholds"`
	Cache       CacheConfig     `yaml:"cache"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogDir:    "./logs",
		AuditPath: "./audit.log.jsonl",
	}
}

// Load reads the YAML config at path, or returns defaults when path is
// empty. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if dir := strings.TrimSpace(os.Getenv(EnvLogDir)); dir != "" {
		c.LogDir = dir
	}
	if path := strings.TrimSpace(os.Getenv(EnvAuditPath)); path != "" {
		c.AuditPath = path
	}
	if debug := strings.TrimSpace(os.Getenv(EnvDebug)); debug != "" {
		if parsed, err := strconv.ParseBool(debug); err == nil {
			c.Debug = parsed
		}
	}
}

// MergeOptions converts the configured thresholds into merge options,
// defaulting any unset floor.
func (c Config) MergeOptions() merge.Options {
	opts := merge.DefaultOptions()
	if c.Thresholds.Item != nil {
		opts.ItemThreshold = *c.Thresholds.Item
	}
	if c.Thresholds.Mods != nil {
		opts.ModsThreshold = *c.Thresholds.Mods
	}
	if c.Thresholds.Group != nil {
		opts.GroupThreshold = *c.Thresholds.Group
	}
	return opts
}

// CacheTTLs converts configured TTL seconds into durations.
func (c Config) CacheTTLs() map[string]time.Duration {
	if len(c.Cache.TTLSeconds) == 0 {
		return nil
	}
	ttls := make(map[string]time.Duration, len(c.Cache.TTLSeconds))
	for namespace, seconds := range c.Cache.TTLSeconds {
		ttls[namespace] = time.Duration(seconds) * time.Second
	}
	return ttls
}
