// Package config loads the CLI configuration: struct-tag defaults overlaid
// by an optional YAML file, validated before any command runs.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	OutputFormat   string        `yaml:"output_format" default:"table"`

	Device DeviceConfig `yaml:"device"`
	Serve  ServeConfig  `yaml:"serve"`
	Bridge BridgeConfig `yaml:"bridge"`
}

// DeviceConfig selects the sensor to talk to. An empty name falls back to
// the sensor's standard advertised name; a set address skips discovery.
type DeviceConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// ServeConfig parametrizes the peripheral node. The numeric sensor values
// pass through to the INA228 driver, which supplies its own defaults for
// zero values.
type ServeConfig struct {
	Simulate    bool   `yaml:"simulate"`
	MetricsAddr string `yaml:"metrics_addr"`

	I2CBus        string  `yaml:"i2c_bus" default:"/dev/i2c-1"`
	I2CAddr       uint16  `yaml:"i2c_addr"`
	ShuntMicroOhm uint32  `yaml:"shunt_micro_ohm"`
	MaxCurrentA   float64 `yaml:"max_current_a"`
}

// BridgeConfig parametrizes the telemetry bridge.
type BridgeConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix" default:"ebike"`
	Database    string `yaml:"database"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file layered over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values commands rely on.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("invalid output_format %q (want table or json)", c.OutputFormat)
	}
	if c.ScanTimeout < 0 {
		return fmt.Errorf("scan_timeout must not be negative")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must not be negative")
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
