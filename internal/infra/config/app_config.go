package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AppConfig is the top-level configuration loaded at process start.
type AppConfig struct {
	Environment string         `json:"environment" yaml:"environment"`
	CatalogPath string         `json:"catalog_path" yaml:"catalog_path"`
	Database    DatabaseConfig `json:"database" yaml:"database"`
	Control     ControlConfig  `json:"control" yaml:"control"`
	Runtime     RuntimeConfig  `json:"runtime" yaml:"runtime"`
}

// DefaultAppConfig returns the configuration used when no file is present.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Environment: "development",
		CatalogPath: "config/sequences.yaml",
		Database:    DatabaseConfig{DSN: ""},
		Control:     ControlConfig{Addr: ":8780"},
		Runtime:     DefaultRuntimeConfig(),
	}
}

// Normalise trims fields and fills derived defaults.
func (c *AppConfig) Normalise() {
	if c == nil {
		return
	}
	c.Environment = strings.TrimSpace(c.Environment)
	if c.Environment == "" {
		c.Environment = "development"
	}
	c.CatalogPath = strings.TrimSpace(c.CatalogPath)
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	c.Control.Addr = strings.TrimSpace(c.Control.Addr)
	c.Runtime.Normalise()
}

// Validate performs semantic validation on the full configuration.
func (c AppConfig) Validate() error {
	if c.CatalogPath == "" {
		return fmt.Errorf("catalog_path required")
	}
	if c.Control.Addr == "" {
		return fmt.Errorf("control.addr required")
	}
	return c.Runtime.Validate()
}

// LoadOrDefault reads the YAML configuration at path, falling back to
// defaults when the file does not exist. The boolean reports whether a
// file was loaded.
func LoadOrDefault(path string) (AppConfig, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultAppConfig()
			return cfg, false, nil
		}
		return AppConfig{}, false, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultAppConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, false, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, false, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, true, nil
}
