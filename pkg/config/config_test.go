package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Output: "stdout"},
		Server:  ServerConfig{ShutdownTimeout: 30 * time.Second},
		Connectors: []ConnectorConfig{
			{Name: "web", Protocol: "http/1.1", Address: ":8080", Acceptors: 1},
		},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, Validate(validConfig()))
}

func TestValidateRequiresConnectors(t *testing.T) {
	cfg := validConfig()
	cfg.Connectors = nil
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one connector")
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	cfg := validConfig()
	cfg.Connectors = append(cfg.Connectors, ConnectorConfig{
		Name: "web", Protocol: "fmp/1.0", Address: ":9000", Acceptors: 1,
	})
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate connector name")
}

func TestValidateRejectsDuplicateAddresses(t *testing.T) {
	cfg := validConfig()
	cfg.Connectors = append(cfg.Connectors, ConnectorConfig{
		Name: "other", Protocol: "fmp/1.0", Address: ":8080", Acceptors: 1,
	})
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate listen address")
}

func TestValidateRejectsBurstWithoutRate(t *testing.T) {
	cfg := validConfig()
	cfg.Connectors[0].AcceptBurst = 10
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accept_burst requires accept_rate")
}

func TestValidateRejectsMissingConnectorFields(t *testing.T) {
	cfg := validConfig()
	cfg.Connectors[0].Address = ""
	assert.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Connectors[0].Protocol = ""
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "VERBOSE"
	assert.Error(t, Validate(cfg))
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{
		Metrics:    MetricsConfig{Enabled: true},
		Connectors: []ConnectorConfig{{Name: "web", AcceptRate: 100}},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)
	assert.Equal(t, DefaultMetricsAddress, cfg.Metrics.Address)
	assert.Equal(t, DefaultAcceptors, cfg.Connectors[0].Acceptors)
	assert.Equal(t, uint(100), cfg.Connectors[0].AcceptBurst)
	assert.Equal(t, DefaultExecutorWorkers, cfg.Connectors[0].Executor.Workers)
}

func TestApplyDefaultsNormalizesLogLevel(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(cfg)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: debug
server:
  shutdown_timeout: 45s
connectors:
  - name: web
    protocol: http/1.1
    address: ":8080"
    max_connections: 512
    read_timeout: 5s
  - name: bus
    protocol: fmp/1.0
    address: ":9000"
    accept_rate: 200
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, 45*time.Second, cfg.Server.ShutdownTimeout)
	require.Len(t, cfg.Connectors, 2)
	assert.Equal(t, 512, cfg.Connectors[0].MaxConnections)
	assert.Equal(t, 5*time.Second, cfg.Connectors[0].ReadTimeout)
	assert.Equal(t, uint(200), cfg.Connectors[1].AcceptBurst)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
connectors:
  - name: web
    protocol: http/1.1
    address: ":8080"
  - name: web
    protocol: fmp/1.0
    address: ":9000"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate connector name")
}

func TestEndpointConfigMapping(t *testing.T) {
	c := ConnectorConfig{
		Name:           "web",
		Address:        ":8080",
		Native:         true,
		MaxConnections: 100,
		Acceptors:      2,
		NoDelay:        true,
		KeepAlive:      time.Minute,
		IdleTimeout:    2 * time.Minute,
	}
	ep := c.EndpointConfig()

	assert.Equal(t, "web", ep.Name)
	assert.Equal(t, ":8080", ep.Address)
	assert.True(t, ep.Native)
	assert.Equal(t, 100, ep.MaxConnections)
	assert.Equal(t, 2, ep.Acceptors)
	assert.True(t, ep.NoDelay)
	assert.Equal(t, time.Minute, ep.KeepAlive)
	assert.Equal(t, 2*time.Minute, ep.IdleTimeout)
}
