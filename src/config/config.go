// Package config provides configuration management for taskbus processes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"taskbus/src/contracts"
)

// Environment variable names.
const (
	EnvGroupID           = "TASKBUS_GROUP_ID"
	EnvTransportServers  = "TASKBUS_TRANSPORT_SERVERS"
	EnvRedpandaBrokers   = "REDPANDA_BROKERS"
	EnvBindAddress       = "TASKBUS_BIND_ADDRESS"
	EnvExternalAddress   = "TASKBUS_EXTERNAL_ADDRESS"
	EnvPartitionStrategy = "TASKBUS_PARTITION_STRATEGY"
	EnvLogLevel          = "TASKBUS_LOG_LEVEL"
	EnvLogFormat         = "TASKBUS_LOG_FORMAT"
	EnvFile              = "TASKBUS_ENV_FILE"
)

// DefaultBindAddress binds the reply listener on all interfaces with an
// ephemeral port.
const DefaultBindAddress = "0.0.0.0:0"

// ErrMissingGroupID is returned when no consumer group is configured.
var ErrMissingGroupID = errors.New(EnvGroupID + " environment variable is required")

// Config holds the application configuration.
type Config struct {
	// GroupID is the consumer group every registration of the process joins.
	GroupID string

	// TransportServers lists the Kafka-compatible seed brokers.
	// Empty means the process runs against the in-memory broker.
	TransportServers []string

	// BindAddress is where the reply listener binds.
	BindAddress contracts.Address

	// ExternalAddress overrides the advertised reply host and/or port.
	ExternalAddress contracts.Address

	// PartitionStrategy is "fixed" or "random".
	PartitionStrategy string

	LogLevel string
	// LogFormat is "console" or "json" (zap) or "plain" (ConsoleLogger).
	LogFormat string
}

// InMemory reports whether no brokers are configured.
func (c *Config) InMemory() bool {
	return len(c.TransportServers) == 0
}

// Validate checks the fields that LoadFromEnv cannot default.
func (c *Config) Validate() error {
	if c.GroupID == "" {
		return ErrMissingGroupID
	}
	switch c.PartitionStrategy {
	case "fixed", "random":
	default:
		return fmt.Errorf("invalid partition strategy %q (expected fixed or random)", c.PartitionStrategy)
	}
	switch c.LogFormat {
	case "console", "json", "plain":
	default:
		return fmt.Errorf("invalid log format %q (expected console, json or plain)", c.LogFormat)
	}
	return nil
}

// LoadFromEnv loads and validates configuration from environment variables.
// A .env file in the working directory (or the file named by
// TASKBUS_ENV_FILE) is loaded first when present; variables already set in
// the environment win.
func LoadFromEnv() (*Config, error) {
	cfg, err := ReadEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadEnv is LoadFromEnv without validation, for callers that overlay
// flags before validating.
func ReadEnv() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{
		GroupID:           strings.TrimSpace(os.Getenv(EnvGroupID)),
		TransportServers:  ParseList(firstNonEmpty(os.Getenv(EnvTransportServers), os.Getenv(EnvRedpandaBrokers))),
		PartitionStrategy: strings.ToLower(envOr(EnvPartitionStrategy, "fixed")),
		LogLevel:          strings.ToLower(envOr(EnvLogLevel, "info")),
		LogFormat:         strings.ToLower(envOr(EnvLogFormat, "console")),
	}

	var err error
	cfg.BindAddress, err = contracts.ParseAddress(envOr(EnvBindAddress, DefaultBindAddress))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvBindAddress, err)
	}
	cfg.ExternalAddress, err = contracts.ParseAddress(os.Getenv(EnvExternalAddress))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvExternalAddress, err)
	}
	return cfg, nil
}

// ParseList splits a comma-separated list, dropping empty entries.
func ParseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadEnvFile() error {
	path := os.Getenv(EnvFile)
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
