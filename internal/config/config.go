// Package config holds oakctl's on-disk configuration: which database
// file to open and the default embedder to wire in for vector search.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config is oakctl's persisted configuration.
type Config struct {
	DBPath          string `json:"db_path"`
	EmbedDimensions int    `json:"embed_dimensions"`
	ProbeText       string `json:"probe_text,omitempty"`
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}

func baseDir() string { return filepath.Join(homeDir(), ".oakdb") }

// ConfigPath returns the path oakctl reads/writes its config from.
func ConfigPath() string { return filepath.Join(baseDir(), "config.json") }

// Default returns the configuration oakctl falls back to before any
// config file has been written.
func Default() *Config {
	return &Config{
		DBPath:          filepath.Join(baseDir(), "oak.db"),
		EmbedDimensions: 8,
		ProbeText:       "oaks are nice",
	}
}

// Load reads the config file, returning Default() if it doesn't exist.
func Load() (*Config, error) {
	b, err := os.ReadFile(ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", ConfigPath(), err)
	}
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", ConfigPath(), err)
	}
	return &c, nil
}

// Save writes c to the config file, creating its directory if needed.
func Save(c *Config) error {
	if err := os.MkdirAll(baseDir(), 0o700); err != nil {
		return fmt.Errorf("config: create %s: %w", baseDir(), err)
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return os.WriteFile(ConfigPath(), b, 0o600)
}

// Validate checks the config is usable before oakctl opens a store with it.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.EmbedDimensions <= 0 {
		return fmt.Errorf("embed_dimensions must be positive, got %d", c.EmbedDimensions)
	}
	return nil
}
