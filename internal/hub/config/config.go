// Package config loads the hub's runtime configuration. Values are
// layered: built-in defaults, then an optional YAML config file, then
// HAPI_* environment variables. Flags are applied by the caller on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the hub's runtime configuration.
type Config struct {
	Addr     string `koanf:"addr"`      // Listen address (e.g. ":3005")
	DataDir  string `koanf:"data_dir"`  // Data directory for DB and settings
	LogLevel string `koanf:"log_level"` // debug, info, warn, error
}

// Load builds a Config from defaults, the optional YAML file at
// configPath, and HAPI_* environment variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"addr":      ":3005",
		"data_dir":  DefaultDataDir(),
		"log_level": "info",
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("HAPI_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "HAPI_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks the configuration values and ensures required
// directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// DefaultDataDir returns the per-user default data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "hapi", "hub")
	}
	return filepath.Join(home, ".config", "hapi", "hub")
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "hapi.db")
}
