// Package protocol implements the handlers that own an endpoint and frame
// its connections into container-level requests.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/porticonet/portico/internal/logger"
	"github.com/porticonet/portico/pkg/adapter"
	"github.com/porticonet/portico/pkg/endpoint"
	"github.com/porticonet/portico/pkg/executor"
	"github.com/porticonet/portico/pkg/metrics"
	promexport "github.com/porticonet/portico/pkg/metrics/prometheus"
)

// ErrInvalidState is wrapped by every lifecycle ordering violation.
var ErrInvalidState = errors.New("invalid lifecycle state")

// defaultBufferSize is the read-buffer size suggested to upgraded
// protocols when the configuration does not override it.
const defaultBufferSize = 8192

// Handler is the single lifecycle surface a server drives per connector.
// It owns the endpoint, frames its connections, and dispatches each unit
// of work through the adapter.
//
// Lifecycle calls must follow Init, Start, optional Pause/Resume cycles,
// Stop, Destroy; out-of-order calls fail with ErrInvalidState.
type Handler interface {
	// Configure supplies the endpoint configuration. Must be called
	// before Init.
	Configure(cfg endpoint.Config) error

	Init() error
	Start() error
	Pause() error
	Resume() error
	Stop() error
	Destroy() error

	// Adapter accessors. The adapter must be set before Start.
	Adapter() adapter.Adapter
	SetAdapter(a adapter.Adapter)

	// Executor accessors. Without an injected executor the handler
	// creates and owns one at Init.
	Executor() executor.Executor
	SetExecutor(e executor.Executor)

	// UtilityExecutor returns the scheduler used for background upkeep.
	UtilityExecutor() *executor.Scheduler

	// CloseServerSocketGraceful stops accepting new connections while
	// leaving live ones untouched.
	CloseServerSocketGraceful()

	// AwaitConnectionsClose waits up to maxWait for live connections to
	// drain and returns the unused budget.
	AwaitConnectionsClose(maxWait time.Duration) time.Duration

	// TLS virtual-host configuration.
	AddTLSHostConfig(cfg *TLSHostConfig) error
	FindTLSHostConfigs() []*TLSHostConfig

	// HTTP upgrade targets.
	AddUpgradeProtocol(up UpgradeProtocol)
	FindUpgradeProtocols() []UpgradeProtocol

	// DesiredBufferSize is the read-buffer size handed to upgraded
	// protocols.
	DesiredBufferSize() int
}

type state int32

const (
	stateNew state = iota
	stateInitialized
	stateStarted
	statePaused
	stateStopped
	stateDestroyed
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateInitialized:
		return "initialized"
	case stateStarted:
		return "started"
	case statePaused:
		return "paused"
	case stateStopped:
		return "stopped"
	case stateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// connProcessor is the framing loop a concrete protocol plugs into the
// shared lifecycle machinery.
type connProcessor interface {
	processConnection(ctx context.Context, conn net.Conn)
}

// baseHandler carries the lifecycle, endpoint, adapter, and executor
// plumbing shared by every protocol. Concrete protocols embed it and
// provide the framing loop.
type baseHandler struct {
	name      string
	processor connProcessor

	mu    sync.Mutex
	state state

	cfg        endpoint.Config
	configured bool

	adapter adapter.Adapter

	exec     executor.Executor
	ownsExec bool

	utility     *executor.Scheduler
	ownsUtility bool

	endpoint *endpoint.TCPEndpoint

	tlsMu    sync.RWMutex
	tlsHosts map[string]*TLSHostConfig

	upMu     sync.RWMutex
	upgrades []UpgradeProtocol

	bufferSize int
	reqMetrics metrics.RequestMetrics
}

func newBaseHandler(name string, processor connProcessor) *baseHandler {
	return &baseHandler{
		name:       name,
		processor:  processor,
		tlsHosts:   make(map[string]*TLSHostConfig),
		bufferSize: defaultBufferSize,
		reqMetrics: metrics.NewNoopRequestMetrics(),
	}
}

func (h *baseHandler) stateError(op string) error {
	return fmt.Errorf("protocol %s: cannot %s from state %s: %w", h.name, op, h.state, ErrInvalidState)
}

// Configure supplies the endpoint configuration. Rejected once Init has
// run.
func (h *baseHandler) Configure(cfg endpoint.Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateNew {
		return h.stateError("configure")
	}
	if cfg.Name == "" {
		cfg.Name = h.name
	}
	h.cfg = cfg
	h.configured = true
	return nil
}

// Init builds the endpoint and, when none was injected, the executor and
// scheduler the handler will own.
func (h *baseHandler) Init() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateNew {
		return h.stateError("init")
	}
	if !h.configured {
		return fmt.Errorf("protocol %s: not configured", h.name)
	}

	if h.exec == nil {
		h.exec = executor.NewPool(defaultWorkers, defaultQueue)
		h.ownsExec = true
	}
	if h.utility == nil {
		h.utility = executor.NewScheduler()
		h.ownsUtility = true
	}
	h.reqMetrics = promexport.NewRequestMetrics()

	ep, err := endpoint.New(h.cfg, connectionHandlerFunc(h.handleConnection), h.exec, promexport.NewEndpointMetrics(h.cfg.Name))
	if err != nil {
		return err
	}
	ep.SetScheduler(h.utility)

	h.tlsMu.RLock()
	hasTLS := len(h.tlsHosts) > 0
	h.tlsMu.RUnlock()
	if hasTLS {
		tlsCfg, err := h.buildTLSConfig()
		if err != nil {
			return err
		}
		ep.SetTLSConfig(tlsCfg)
	}

	h.endpoint = ep
	h.state = stateInitialized
	logger.Debug("protocol %s initialized", h.name)
	return nil
}

const (
	defaultWorkers = 64
	defaultQueue   = 256
)

// Start binds the endpoint and begins accepting.
func (h *baseHandler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateInitialized {
		return h.stateError("start")
	}
	if h.adapter == nil {
		return fmt.Errorf("protocol %s: no adapter set", h.name)
	}
	if err := h.endpoint.Start(); err != nil {
		return err
	}
	h.state = stateStarted
	logger.Info("protocol %s started on %s", h.name, h.endpoint.Addr())
	return nil
}

// Pause suspends accepting without disturbing live connections.
func (h *baseHandler) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateStarted {
		return h.stateError("pause")
	}
	h.endpoint.Pause()
	h.state = statePaused
	return nil
}

// Resume clears a pause.
func (h *baseHandler) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != statePaused {
		return h.stateError("resume")
	}
	h.endpoint.Resume()
	h.state = stateStarted
	return nil
}

// Stop terminates accepting and closes the listening socket.
func (h *baseHandler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateStarted && h.state != statePaused {
		return h.stateError("stop")
	}
	h.endpoint.Stop()
	h.state = stateStopped
	return nil
}

// Destroy force-closes remaining connections and releases owned
// resources. Allowed from stopped or, for a handler that never started,
// from initialized.
func (h *baseHandler) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateStopped && h.state != stateInitialized {
		return h.stateError("destroy")
	}
	h.endpoint.Destroy()
	if h.ownsUtility {
		h.utility.Stop()
	}
	if h.ownsExec {
		if p, ok := h.exec.(*executor.Pool); ok {
			p.Stop()
		}
	}
	h.state = stateDestroyed
	logger.Debug("protocol %s destroyed", h.name)
	return nil
}

func (h *baseHandler) Adapter() adapter.Adapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.adapter
}

func (h *baseHandler) SetAdapter(a adapter.Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapter = a
}

func (h *baseHandler) Executor() executor.Executor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exec
}

// SetExecutor injects an externally owned executor. Only honored before
// Init; the handler never stops an injected executor.
func (h *baseHandler) SetExecutor(e executor.Executor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateNew {
		return
	}
	h.exec = e
	h.ownsExec = false
}

func (h *baseHandler) UtilityExecutor() *executor.Scheduler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.utility
}

func (h *baseHandler) CloseServerSocketGraceful() {
	h.mu.Lock()
	ep := h.endpoint
	h.mu.Unlock()
	if ep != nil {
		ep.CloseServerSocketGraceful()
	}
}

func (h *baseHandler) AwaitConnectionsClose(maxWait time.Duration) time.Duration {
	h.mu.Lock()
	ep := h.endpoint
	h.mu.Unlock()
	if ep == nil {
		return maxWait
	}
	return ep.AwaitConnectionsClose(maxWait)
}

func (h *baseHandler) DesiredBufferSize() int {
	return h.bufferSize
}

// SetDesiredBufferSize overrides the default read-buffer size. Only
// honored before Init.
func (h *baseHandler) SetDesiredBufferSize(size int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateNew || size <= 0 {
		return
	}
	h.bufferSize = size
}

// Endpoint returns the underlying endpoint, or nil before Init.
func (h *baseHandler) Endpoint() *endpoint.TCPEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoint
}

func (h *baseHandler) handleConnection(ctx context.Context, conn net.Conn) {
	h.processor.processConnection(ctx, conn)
}

type connectionHandlerFunc func(ctx context.Context, conn net.Conn)

func (f connectionHandlerFunc) HandleConnection(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}
