// Package config builds the daemon's effective configuration from
// defaults, an optional YAML file, and ELEPHANT_* environment variables.
// Command line flags are overlaid last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/adhocore/gronx"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Storage backends accepted in Storage.Backend.
const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
)

const (
	defaultHost    = "0.0.0.0"
	defaultPort    = 8080
	defaultBackend = BackendMemory
	defaultPath    = "./data"
	defaultLevel   = "info"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type MaintenanceConfig struct {
	// CompactionCron schedules durable storage compaction. Empty
	// disables it.
	CompactionCron string `yaml:"compaction_cron"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:  ServerConfig{Host: defaultHost, Port: defaultPort},
		Storage: StorageConfig{Backend: defaultBackend, Path: defaultPath},
		Log:     LogConfig{Level: defaultLevel},
	}
}

// Load merges defaults, the YAML file at path (skipped when path is
// empty), and environment overrides. Callers validate after overlaying
// their flags.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: file not found: %s", path)
			}
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ELEPHANT_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("ELEPHANT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		} else {
			log.WithField("value", v).Warn("Ignoring non-numeric ELEPHANT_PORT")
		}
	}
	if v := os.Getenv("ELEPHANT_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("ELEPHANT_DATA_DIR"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("ELEPHANT_COMPACTION_CRON"); v != "" {
		c.Maintenance.CompactionCron = v
	}
	if v := os.Getenv("ELEPHANT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the effective configuration after all sources are
// merged.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPebble:
		if c.Storage.Path == "" {
			return errors.New("config: pebble backend needs storage.path")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Maintenance.CompactionCron != "" && !gronx.IsValid(c.Maintenance.CompactionCron) {
		return fmt.Errorf("config: invalid compaction cron expression: %s", c.Maintenance.CompactionCron)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: invalid log level %q", c.Log.Level)
	}
	return nil
}

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
