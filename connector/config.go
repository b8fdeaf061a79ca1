package connector

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full connector server configuration. Durations are
// milliseconds, sizes are megabytes.
type Config struct {
	Listen          string `yaml:"listen"`
	StorageDir      string `yaml:"storage_dir"`
	JournalPath     string `yaml:"journal_path"`
	Version         string `yaml:"version"`
	RetentionMs     int64  `yaml:"retention_ms"`
	SweepIntervalMs int64  `yaml:"sweep_interval_ms"`
	WatchTickMs     int64  `yaml:"watch_tick_ms"`
	WatchBudget     int    `yaml:"watch_budget"`
	SettleWaitMs    int64  `yaml:"settle_wait_ms"`
	MaxAttachmentMB int    `yaml:"max_attachment_mb"`
	MaxJSONMB       int    `yaml:"max_json_mb"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:23119"
	}
	if c.StorageDir == "" {
		c.StorageDir = "data/attachments"
	}
	if c.JournalPath == "" {
		c.JournalPath = "db/journal.db"
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.RetentionMs <= 0 {
		c.RetentionMs = 10 * 60 * 1000
	}
	if c.SweepIntervalMs <= 0 {
		c.SweepIntervalMs = 60 * 1000
	}
	if c.WatchTickMs <= 0 {
		c.WatchTickMs = 2000
	}
	if c.WatchBudget <= 0 {
		c.WatchBudget = 60
	}
	if c.SettleWaitMs <= 0 {
		c.SettleWaitMs = 500
	}
	if c.MaxAttachmentMB <= 0 {
		c.MaxAttachmentMB = 128
	}
	if c.MaxJSONMB <= 0 {
		c.MaxJSONMB = 4
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.StorageDir == "" {
		return fmt.Errorf("storage_dir is required")
	}
	if c.WatchBudget <= 0 {
		return fmt.Errorf("watch_budget must be > 0")
	}
	if c.MaxAttachmentMB <= 0 {
		return fmt.Errorf("max_attachment_mb must be > 0")
	}
	if c.MaxJSONMB <= 0 {
		return fmt.Errorf("max_json_mb must be > 0")
	}
	return nil
}

// Retention returns the dispatched-session retention window.
func (c *Config) Retention() time.Duration { return time.Duration(c.RetentionMs) * time.Millisecond }

// SweepInterval returns the eviction sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// WatchTick returns the late-attachment poll interval.
func (c *Config) WatchTick() time.Duration { return time.Duration(c.WatchTickMs) * time.Millisecond }

// SettleWait returns the bounded wait applied by the progress poll before
// evaluating completion.
func (c *Config) SettleWait() time.Duration {
	return time.Duration(c.SettleWaitMs) * time.Millisecond
}

// MaxAttachmentBytes returns the attachment body cap in bytes.
func (c *Config) MaxAttachmentBytes() int64 { return int64(c.MaxAttachmentMB) * 1024 * 1024 }

// MaxJSONBytes returns the JSON body cap in bytes.
func (c *Config) MaxJSONBytes() int64 { return int64(c.MaxJSONMB) * 1024 * 1024 }
