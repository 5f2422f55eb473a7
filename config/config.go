// Package config loads engine tuning knobs from an optional YAML file,
// following the same defaulted-struct pattern as the rest of the pack's
// config layers.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"gorent/piece"
)

// Config holds every tunable constant spec.md fixes as a literal; each has
// a compiled-in default matching the spec when the field is left zero.
type Config struct {
	MaxWorkers      int           `yaml:"max_workers"`
	RequestSize     int           `yaml:"request_size"`
	MaxPending      time.Duration `yaml:"max_pending"`
	ReannounceFloor time.Duration `yaml:"reannounce_floor"`
	PollInterval    time.Duration `yaml:"poll_interval"`
}

// Default returns the compiled-in configuration matching spec.md's
// constants exactly.
func Default() Config {
	return Config{
		MaxWorkers:      40,
		RequestSize:     piece.RequestSize,
		MaxPending:      piece.MaxPendingMS * time.Millisecond,
		ReannounceFloor: 5 * time.Minute,
		PollInterval:    5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.RequestSize <= 0 {
		c.RequestSize = d.RequestSize
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
	if c.ReannounceFloor <= 0 {
		c.ReannounceFloor = d.ReannounceFloor
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
}

// Load reads and validates a YAML config file at path, filling any absent
// field with its spec.md default.
func Load(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config %q: %w", path, err)
	}
	c.applyDefaults()
	return c, nil
}
