package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/porticonet/portico/internal/logger"
	"github.com/porticonet/portico/pkg/adapter"
	"github.com/porticonet/portico/pkg/config"
	"github.com/porticonet/portico/pkg/executor"
	"github.com/porticonet/portico/pkg/metrics"
	"github.com/porticonet/portico/pkg/pipeline"
	"github.com/porticonet/portico/pkg/protocol"
	"github.com/porticonet/portico/pkg/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the server with the configured connectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger.SetLevel(cfg.Logging.Level)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		return fmt.Errorf("configure log output: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		go serveMetrics(cfg.Metrics.Address)
	}

	srv := server.New(cfg.Server.ShutdownTimeout)
	var pools []*executor.Pool
	defer func() {
		for _, p := range pools {
			p.Stop()
		}
	}()

	for i := range cfg.Connectors {
		c := &cfg.Connectors[i]
		handler, pool, err := buildConnector(c)
		if err != nil {
			return fmt.Errorf("connector %s: %w", c.Name, err)
		}
		pools = append(pools, pool)
		if err := srv.AddHandler(c.Name, handler); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Portico starting (%d connector(s)). Press Ctrl+C to stop.", len(cfg.Connectors))
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildConnector assembles one protocol handler: its worker pool, valve
// pipeline, and adapter, all driven by the connector configuration.
func buildConnector(c *config.ConnectorConfig) (protocol.Handler, *executor.Pool, error) {
	handler, err := protocol.Create(c.Protocol)
	if err != nil {
		return nil, nil, err
	}

	if err := handler.Configure(c.EndpointConfig()); err != nil {
		return nil, nil, err
	}

	if err := applyProtocolOptions(handler, c); err != nil {
		return nil, nil, err
	}

	pool := executor.NewPool(c.Executor.Workers, c.Executor.Queue)
	handler.SetExecutor(pool)

	p, err := buildPipeline(c)
	if err != nil {
		pool.Stop()
		return nil, nil, err
	}
	handler.SetAdapter(adapter.NewPipelineAdapter(p))

	for _, host := range c.TLS {
		cert, err := tls.LoadX509KeyPair(host.CertFile, host.KeyFile)
		if err != nil {
			pool.Stop()
			return nil, nil, fmt.Errorf("load certificate for %s: %w", host.Hostname, err)
		}
		err = handler.AddTLSHostConfig(&protocol.TLSHostConfig{
			Hostname:    host.Hostname,
			Certificate: cert,
		})
		if err != nil {
			pool.Stop()
			return nil, nil, err
		}
	}

	return handler, pool, nil
}

// applyProtocolOptions decodes the connector's free-form options section
// into the tunables of the concrete protocol.
func applyProtocolOptions(handler protocol.Handler, c *config.ConnectorConfig) error {
	switch h := handler.(type) {
	case *protocol.HTTPHandler:
		opts, err := config.DecodeHTTPOptions(c.Options)
		if err != nil {
			return err
		}
		h.SetMaxBodyBytes(opts.MaxBodyBytes)
		h.SetDesiredBufferSize(opts.BufferSize)
	case *protocol.FMPHandler:
		opts, err := config.DecodeFMPOptions(c.Options)
		if err != nil {
			return err
		}
		h.SetMaxMessageBytes(opts.MaxMessageBytes)
		h.SetDesiredBufferSize(opts.BufferSize)
	default:
		if len(c.Options) > 0 {
			return fmt.Errorf("protocol %s does not accept options", c.Protocol)
		}
	}
	return nil
}

// buildPipeline wires the configured valves in front of the default basic
// valve.
func buildPipeline(c *config.ConnectorConfig) (*pipeline.Pipeline, error) {
	p := pipeline.New()

	if len(c.AllowedClients) > 0 || len(c.DeniedClients) > 0 {
		v, err := pipeline.NewRemoteAddrValve(c.AllowedClients, c.DeniedClients)
		if err != nil {
			return nil, err
		}
		if err := p.AddValve(v); err != nil {
			return nil, err
		}
	}
	if c.AccessLog {
		if err := p.AddValve(&pipeline.AccessLogValve{}); err != nil {
			return nil, err
		}
	}
	if c.Tracing {
		if err := p.AddValve(pipeline.NewTracingValve()); err != nil {
			return nil, err
		}
	}

	if err := p.SetBasic(newStatusValve(c.Name)); err != nil {
		return nil, err
	}
	return p, nil
}

// newStatusValve is the default terminal valve: it answers every request
// with a short status line. Embedders replace it with their own basic
// valve.
func newStatusValve(connector string) pipeline.Valve {
	started := time.Now()
	return pipeline.NewFuncValve(func(_ context.Context, req *pipeline.Request, resp *pipeline.Response) error {
		resp.Header["Server"] = "portico"
		_, err := fmt.Fprintf(resp, "portico connector %s up %s, serving %s\n",
			connector, time.Since(started).Round(time.Second), req.Protocol)
		return err
	})
}

func serveMetrics(address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))

	logger.Info("Metrics exposition listening on %s", address)
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server failed: %v", err)
	}
}
