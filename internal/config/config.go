// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/tomtom215/alwaysupgo/internal/options"
)

// ConfigFilePath is the default location for the daemon's configuration file.
const ConfigFilePath = "/etc/alwaysupd/config.yaml"

// Config represents the complete daemon configuration: where it listens,
// where it keeps its instance lock, how verbosely it logs, and the set of
// services it should bring up on startup.
type Config struct {
	// HTTP controls the control-plane listener.
	HTTP HTTPConfig `yaml:"http" koanf:"http"`

	// LockPath is the path to the single-instance file lock.
	LockPath string `yaml:"lock_path" koanf:"lock_path"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level" koanf:"log_level"`

	// Services declares the services to register (and, per their own
	// Options.Autostart, to start) when the daemon boots, mirroring the
	// convenience `run_forever` entrypoint of the original implementation.
	Services []ServiceConfig `yaml:"services" koanf:"services"`
}

// HTTPConfig contains the control-plane HTTP listener settings.
type HTTPConfig struct {
	Host string `yaml:"host" koanf:"host"` // bind address, e.g. "127.0.0.1"
	Port int    `yaml:"port" koanf:"port"` // bind port, e.g. 8756
}

// ServiceConfig declares one service to register with the Manager at
// startup: a name, the command to run in each slot, how many slots to run,
// and the Options governing smart-stop/autorespawn/autostart/output capture.
type ServiceConfig struct {
	Name       string          `yaml:"name" koanf:"name"`
	Program    string          `yaml:"program" koanf:"program"`
	Args       []string        `yaml:"args" koanf:"args"`
	SlotNumber int             `yaml:"slot_number" koanf:"slot_number"`
	Options    options.Options `yaml:"options" koanf:"options"`
}

// LoadConfig reads and parses the daemon's configuration file.
//
// Parameters:
//   - path: Path to YAML configuration file
//
// Returns:
//   - *Config: Parsed configuration
//   - error: if file not found, invalid YAML, or validation fails
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
// Tests can replace this with a function returning a mock atomicFile.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file, atomically.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Atomic write: write to a temp file in the same directory, sync to disk,
	// then rename to the target path. os.Rename is atomic on most filesystems,
	// so a crash mid-write leaves either the old file or the new file, never
	// a partially-written file.
	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}

	// Config files may contain command lines and environment overrides and
	// should not be world-readable.
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil { // #nosec G703 -- path is from CLI flag/config, not web request input
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 0 and 65535 (got %d)", c.HTTP.Port)
	}
	if c.LockPath == "" {
		return fmt.Errorf("lock_path cannot be empty")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}

	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return fmt.Errorf("service entry missing name")
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true
		if svc.Program == "" {
			return fmt.Errorf("service %q: program cannot be empty", svc.Name)
		}
		if svc.SlotNumber < 0 {
			return fmt.Errorf("service %q: slot_number must not be negative", svc.Name)
		}
	}

	return nil
}

// DefaultConfig returns a configuration with sensible defaults and no
// pre-declared services.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host: "127.0.0.1",
			Port: 8756,
		},
		LockPath: "/run/alwaysupd/alwaysupd.lock",
		LogLevel: "info",
		Services: nil,
	}
}
