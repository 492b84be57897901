package smp

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the environment-level knobs transport constructors and
// Upgrade fall back to when a caller doesn't override them explicitly:
// connect timeout, upgrade deadline, serial line length, and the BLE/UDP
// default MTU.
type Config struct {
	ConnectTimeoutS  float64 `yaml:"connect_timeout_s"`
	UpgradeDeadlineS float64 `yaml:"upgrade_deadline_s"`
	LineLength       int     `yaml:"line_length"`
	DefaultMTU       int     `yaml:"default_mtu"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeoutS:  5.0,
		UpgradeDeadlineS: 60.0,
		LineLength:       128,
		DefaultMTU:       256,
	}
}

// LoadConfig reads and parses a YAML config file, applying DefaultConfig
// for any field the file does not set. A field set explicitly to zero keeps
// that value and then fails Validate.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("smp: read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("smp: parse config %s: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration correctness. It performs declarative
// validation only and does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg.ConnectTimeoutS <= 0 {
		return fmt.Errorf("smp: connect_timeout_s must be positive, got %v", cfg.ConnectTimeoutS)
	}
	if cfg.UpgradeDeadlineS <= 0 {
		return fmt.Errorf("smp: upgrade_deadline_s must be positive, got %v", cfg.UpgradeDeadlineS)
	}
	if cfg.LineLength < 16 {
		return fmt.Errorf("smp: line_length must be at least 16, got %d", cfg.LineLength)
	}
	if cfg.DefaultMTU < 20 {
		return fmt.Errorf("smp: default_mtu must be at least 20, got %d", cfg.DefaultMTU)
	}
	return nil
}

// ConnectTimeout returns ConnectTimeoutS as a time.Duration.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutS * float64(time.Second))
}

// UpgradeDeadline returns UpgradeDeadlineS as a time.Duration.
func (c Config) UpgradeDeadline() time.Duration {
	return time.Duration(c.UpgradeDeadlineS * float64(time.Second))
}
