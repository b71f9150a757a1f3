package config

import (
	"strings"
	"time"
)

// Default values applied to missing configuration.
const (
	DefaultLogLevel        = "INFO"
	DefaultLogOutput       = "stdout"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMetricsAddress  = ":9090"

	DefaultAcceptors       = 1
	DefaultExecutorWorkers = 64
	DefaultExecutorQueue   = 256
)

// ApplyDefaults fills in default values for any missing configuration.
// Called after unmarshaling and before validation, so validation sees the
// effective configuration.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)

	if cfg.Logging.Output == "" {
		cfg.Logging.Output = DefaultLogOutput
	}

	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		cfg.Metrics.Address = DefaultMetricsAddress
	}

	for i := range cfg.Connectors {
		applyConnectorDefaults(&cfg.Connectors[i])
	}
}

func applyConnectorDefaults(c *ConnectorConfig) {
	if c.Acceptors == 0 {
		c.Acceptors = DefaultAcceptors
	}
	if c.AcceptRate > 0 && c.AcceptBurst == 0 {
		c.AcceptBurst = c.AcceptRate
	}
	if c.Executor.Workers == 0 {
		c.Executor.Workers = DefaultExecutorWorkers
	}
	if c.Executor.Queue == 0 {
		c.Executor.Queue = DefaultExecutorQueue
	}
}
