// Package config provides configuration structures and loading logic for the vision service
// and the pipeline and operation definition files it serves.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the service.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Engine      EngineConfig      `yaml:"engine"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	Admin       AdminConfig       `yaml:"admin"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// EngineConfig tunes pipeline validation and execution.
type EngineConfig struct {
	StrictValidation    bool          `yaml:"strict_validation"`
	RespectRequiredFlag bool          `yaml:"respect_required_flag"`
	Verbose             bool          `yaml:"verbose"`
	StepTimeout         time.Duration `yaml:"step_timeout"`
	ConditionTimeout    time.Duration `yaml:"condition_timeout"`
	RedactParams        []string      `yaml:"redact_params"`
}

// DefinitionsConfig lists where pipeline and operation definitions live.
type DefinitionsConfig struct {
	Paths []string `yaml:"paths"`
	Watch bool     `yaml:"watch"`
}

// AdminConfig holds configuration for the admin HTTP listener.
type AdminConfig struct {
	Address string `yaml:"address"`
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Logging: LoggingConfig{
			Level: "info",
		},
		Admin: AdminConfig{
			Address: ":19090",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("POLIS_VISION_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_VISION_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("POLIS_VISION_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_VISION_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("POLIS_VISION_ADMIN_ADDR"); val != "" {
		cfg.Admin.Address = val
	}

	// Comma-separated list of files or directories.
	if val := os.Getenv("POLIS_VISION_DEFINITIONS"); val != "" {
		cfg.Definitions.Paths = cfg.Definitions.Paths[:0]
		for _, p := range strings.Split(val, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Definitions.Paths = append(cfg.Definitions.Paths, p)
			}
		}
	}
	if val := os.Getenv("POLIS_VISION_WATCH"); val == "true" {
		cfg.Definitions.Watch = true
	}

	if val := os.Getenv("POLIS_VISION_STRICT"); val == "true" {
		cfg.Engine.StrictValidation = true
	}
	if val := os.Getenv("POLIS_VISION_VERBOSE"); val == "true" {
		cfg.Engine.Verbose = true
	}
	if val := os.Getenv("POLIS_VISION_STEP_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("POLIS_VISION_STEP_TIMEOUT: %w", err)
		}
		cfg.Engine.StepTimeout = d
	}
	return nil
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration: %w", err)
	}

	if err := c.Definitions.Validate(); err != nil {
		return fmt.Errorf("definitions configuration: %w", err)
	}

	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin configuration: %w", err)
	}

	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	// Set default log level if not provided
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level // Normalize to lowercase
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "polis-vision"
	}
	return nil
}

// Validate rejects negative timeouts and blank redaction entries.
func (c *EngineConfig) Validate() error {
	if c.StepTimeout < 0 {
		return fmt.Errorf("step_timeout must not be negative, got %s", c.StepTimeout)
	}
	if c.ConditionTimeout < 0 {
		return fmt.Errorf("condition_timeout must not be negative, got %s", c.ConditionTimeout)
	}
	for i, name := range c.RedactParams {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("redact_params[%d] is empty", i)
		}
	}
	return nil
}

// Validate performs validation of definition sources.
func (c *DefinitionsConfig) Validate() error {
	for i, p := range c.Paths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("paths[%d] is empty", i)
		}
	}
	if c.Watch && len(c.Paths) == 0 {
		return fmt.Errorf("watch requires at least one path")
	}
	return nil
}

// Validate fills the default admin address.
func (c *AdminConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":19090"
	}
	return nil
}
