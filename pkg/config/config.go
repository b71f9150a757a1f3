// Package config loads and validates the Portico server configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/porticonet/portico/pkg/endpoint"
)

// Config represents the complete Portico configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (PORTICO_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Metrics controls the Prometheus exposition endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Connectors defines the listening connectors, one protocol handler
	// each
	Connectors []ConnectorConfig `mapstructure:"connectors" validate:"dive"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the overall budget for the graceful shutdown
	// sequence; connectors drain against it in turn
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// MetricsConfig controls metrics collection and exposition.
type MetricsConfig struct {
	// Enabled turns metrics collection on
	Enabled bool `mapstructure:"enabled"`

	// Address is the exposition listen address
	// Only used when Enabled is true
	Address string `mapstructure:"address" validate:"omitempty,hostname_port"`
}

// ConnectorConfig defines one listening connector.
type ConnectorConfig struct {
	// Name identifies the connector in logs and metrics
	Name string `mapstructure:"name" validate:"required"`

	// Protocol selects the registered protocol handler
	// Well-known values: http/1.1, fmp/1.0
	Protocol string `mapstructure:"protocol" validate:"required"`

	// Address is the listen address (e.g., ":8080")
	Address string `mapstructure:"address" validate:"required"`

	// Native selects the OS-tuned listener backend
	Native bool `mapstructure:"native"`

	// MaxConnections bounds concurrent connections; 0 means unbounded
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0"`

	// Acceptors is the number of accept loops
	Acceptors int `mapstructure:"acceptors" validate:"gte=0,lte=64"`

	// AcceptRate throttles accepts per second; 0 disables throttling
	AcceptRate uint `mapstructure:"accept_rate"`

	// AcceptBurst is the throttle burst; defaults to AcceptRate
	AcceptBurst uint `mapstructure:"accept_burst"`

	// NoDelay disables Nagle batching on accepted connections
	NoDelay bool `mapstructure:"no_delay"`

	// KeepAlive is the TCP keep-alive period; 0 disables it
	KeepAlive time.Duration `mapstructure:"keep_alive" validate:"gte=0"`

	// ReadTimeout bounds single protocol reads; 0 disables the deadline
	ReadTimeout time.Duration `mapstructure:"read_timeout" validate:"gte=0"`

	// WriteTimeout bounds single protocol writes; 0 disables the deadline
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`

	// IdleTimeout closes connections idle beyond the limit; 0 disables
	// the sweep
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`

	// Executor sizes the connector's worker pool
	Executor ExecutorConfig `mapstructure:"executor"`

	// AccessLog enables the access-log valve
	AccessLog bool `mapstructure:"access_log"`

	// Tracing enables the tracing valve
	Tracing bool `mapstructure:"tracing"`

	// AllowedClients lists CIDR ranges allowed to send requests
	// Empty list means all clients are allowed
	AllowedClients []string `mapstructure:"allowed_clients"`

	// DeniedClients lists CIDR ranges explicitly denied
	// Takes precedence over AllowedClients
	DeniedClients []string `mapstructure:"denied_clients"`

	// TLS lists the TLS virtual hosts served by this connector
	// Empty list means plaintext
	TLS []TLSHostConfig `mapstructure:"tls" validate:"dive"`

	// Options holds protocol-specific tunables, decoded by the
	// protocol's option type (HTTPOptions, FMPOptions)
	Options map[string]any `mapstructure:"options"`
}

// ExecutorConfig sizes a connector worker pool.
type ExecutorConfig struct {
	// Workers is the number of concurrent connection processors
	Workers int `mapstructure:"workers" validate:"gte=0"`

	// Queue is the dispatch queue depth
	Queue int `mapstructure:"queue" validate:"gte=0"`
}

// TLSHostConfig binds a certificate pair to one TLS virtual host.
type TLSHostConfig struct {
	// Hostname the certificate applies to; "_default_" serves clients
	// without a matching SNI
	Hostname string `mapstructure:"hostname" validate:"required"`

	// CertFile is the PEM certificate path
	CertFile string `mapstructure:"cert_file" validate:"required"`

	// KeyFile is the PEM private key path
	KeyFile string `mapstructure:"key_file" validate:"required"`
}

// EndpointConfig maps a connector onto the endpoint configuration it
// drives.
func (c *ConnectorConfig) EndpointConfig() endpoint.Config {
	return endpoint.Config{
		Name:           c.Name,
		Address:        c.Address,
		Native:         c.Native,
		MaxConnections: c.MaxConnections,
		Acceptors:      c.Acceptors,
		AcceptRate:     c.AcceptRate,
		AcceptBurst:    c.AcceptBurst,
		NoDelay:        c.NoDelay,
		KeepAlive:      c.KeepAlive,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		IdleTimeout:    c.IdleTimeout,
	}
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PORTICO_*)
//  2. Configuration file
//  3. Default values
//
// An empty configPath uses the default search locations.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file
// settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the PORTICO_ prefix and underscores
	// Example: PORTICO_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("PORTICO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "portico")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "portico")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
