// Package server orchestrates the lifecycle of a set of protocol handlers.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/porticonet/portico/internal/logger"
	"github.com/porticonet/portico/pkg/protocol"
)

// Server manages the lifecycle of multiple protocol handlers, one per
// connector.
//
// Lifecycle:
//  1. Creation: New() with the shutdown budget
//  2. Registration: AddHandler() for each connector
//  3. Startup: Serve() initializes and starts all handlers
//  4. Shutdown: context cancellation triggers the graceful sequence
//
// The graceful shutdown sequence mirrors how the handlers are layered:
// every connector first stops accepting (pause, then close the server
// socket), live connections then drain against the shared budget, and
// only afterwards are the handlers stopped and destroyed in reverse
// registration order.
//
// Thread safety:
// AddHandler() may be called concurrently before Serve(). Serve() must
// only be called once per instance.
type Server struct {
	// shutdownTimeout is the overall budget for draining connections
	// during shutdown
	shutdownTimeout time.Duration

	mu       sync.RWMutex
	handlers []namedHandler
	served   bool
}

type namedHandler struct {
	name    string
	handler protocol.Handler
}

// New creates a server with the given drain budget for graceful shutdown.
func New(shutdownTimeout time.Duration) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Server{
		shutdownTimeout: shutdownTimeout,
		handlers:        make([]namedHandler, 0, 4),
	}
}

// AddHandler registers a protocol handler under a unique connector name.
//
// Panics if the handler is nil or if Serve() has already been called;
// both indicate programmer error.
func (s *Server) AddHandler(name string, h protocol.Handler) error {
	if h == nil {
		panic("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		panic("cannot add handler after Serve() has been called")
	}

	for _, existing := range s.handlers {
		if existing.name == name {
			return fmt.Errorf("connector %q already registered", name)
		}
	}

	s.handlers = append(s.handlers, namedHandler{name: name, handler: h})
	logger.Info("Registered connector %s", name)
	return nil
}

// Handlers returns a snapshot of the registered handlers in registration
// order.
func (s *Server) Handlers() []protocol.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Handler, len(s.handlers))
	for i, nh := range s.handlers {
		out[i] = nh.handler
	}
	return out
}

// Serve initializes and starts every registered handler, then blocks
// until the context is cancelled and the graceful shutdown sequence has
// completed.
//
// If any handler fails to initialize or start, the already-started
// handlers are shut down and the error is returned.
//
// Returns the context's error after a shutdown triggered by cancellation.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		panic("Serve() has already been called on this server instance")
	}
	s.served = true
	if len(s.handlers) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no connectors registered; call AddHandler() before Serve()")
	}
	handlers := make([]namedHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	logger.Info("Starting server with %d connector(s)", len(handlers))
	start := time.Now()

	started := 0
	for _, nh := range handlers {
		if err := nh.handler.Init(); err != nil {
			s.shutdown(handlers[:started])
			return fmt.Errorf("connector %s: init: %w", nh.name, err)
		}
		if err := nh.handler.Start(); err != nil {
			// The failed handler is initialized but not started; it
			// still needs its Destroy.
			if derr := nh.handler.Destroy(); derr != nil {
				logger.Error("Error destroying connector %s: %v", nh.name, derr)
			}
			s.shutdown(handlers[:started])
			return fmt.Errorf("connector %s: start: %w", nh.name, err)
		}
		started++
	}

	logger.Info("All connectors started in %v", time.Since(start))

	<-ctx.Done()
	logger.Info("Shutdown signal received (reason: %v)", ctx.Err())

	s.shutdown(handlers)
	return ctx.Err()
}

// shutdown runs the graceful sequence over the given started handlers.
func (s *Server) shutdown(handlers []namedHandler) {
	if len(handlers) == 0 {
		return
	}

	logger.Info("Initiating graceful shutdown of %d connector(s)", len(handlers))

	// Phase 1: stop taking work. Pausing first lets in-flight accepts
	// settle before the server sockets disappear.
	for _, nh := range handlers {
		if err := nh.handler.Pause(); err != nil {
			logger.Debug("Pause %s: %v", nh.name, err)
		}
	}
	for _, nh := range handlers {
		nh.handler.CloseServerSocketGraceful()
	}

	// Phase 2: drain. Each connector consumes part of the shared budget
	// and passes the remainder on.
	remaining := s.shutdownTimeout
	for _, nh := range handlers {
		before := remaining
		remaining = nh.handler.AwaitConnectionsClose(remaining)
		logger.Debug("Connector %s drained in %v (%v budget left)",
			nh.name, before-remaining, remaining)
		if remaining <= 0 {
			logger.Warn("Drain budget exhausted; remaining connections will be force-closed")
			break
		}
	}

	// Phase 3: tear down in reverse registration order.
	for i := len(handlers) - 1; i >= 0; i-- {
		nh := handlers[i]
		if err := nh.handler.Stop(); err != nil {
			logger.Error("Error stopping connector %s: %v", nh.name, err)
		}
		if err := nh.handler.Destroy(); err != nil {
			logger.Error("Error destroying connector %s: %v", nh.name, err)
		}
	}

	logger.Info("Server stopped gracefully")
}
