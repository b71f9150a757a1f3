package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticonet/portico/pkg/adapter"
	"github.com/porticonet/portico/pkg/endpoint"
	"github.com/porticonet/portico/pkg/executor"
	"github.com/porticonet/portico/pkg/protocol"
)

// recorder collects lifecycle calls across handlers to verify ordering.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeHandler struct {
	name      string
	rec       *recorder
	failStart bool
	drainCost time.Duration

	gotBudget time.Duration
}

func (f *fakeHandler) Configure(endpoint.Config) error { return nil }

func (f *fakeHandler) Init() error {
	f.rec.add(f.name + ".init")
	return nil
}

func (f *fakeHandler) Start() error {
	if f.failStart {
		f.rec.add(f.name + ".start-failed")
		return errors.New("bind failed")
	}
	f.rec.add(f.name + ".start")
	return nil
}

func (f *fakeHandler) Pause() error { f.rec.add(f.name + ".pause"); return nil }
func (f *fakeHandler) Resume() error { f.rec.add(f.name + ".resume"); return nil }
func (f *fakeHandler) Stop() error { f.rec.add(f.name + ".stop"); return nil }

func (f *fakeHandler) Destroy() error {
	f.rec.add(f.name + ".destroy")
	return nil
}

func (f *fakeHandler) CloseServerSocketGraceful() {
	f.rec.add(f.name + ".close-socket")
}

func (f *fakeHandler) AwaitConnectionsClose(maxWait time.Duration) time.Duration {
	f.rec.add(f.name + ".drain")
	f.gotBudget = maxWait
	if f.drainCost >= maxWait {
		return 0
	}
	return maxWait - f.drainCost
}

func (f *fakeHandler) Adapter() adapter.Adapter { return nil }
func (f *fakeHandler) SetAdapter(adapter.Adapter) {}
func (f *fakeHandler) Executor() executor.Executor { return nil }
func (f *fakeHandler) SetExecutor(executor.Executor) {}
func (f *fakeHandler) UtilityExecutor() *executor.Scheduler { return nil }
func (f *fakeHandler) AddTLSHostConfig(*protocol.TLSHostConfig) error { return nil }
func (f *fakeHandler) FindTLSHostConfigs() []*protocol.TLSHostConfig { return nil }
func (f *fakeHandler) AddUpgradeProtocol(protocol.UpgradeProtocol) {}
func (f *fakeHandler) FindUpgradeProtocols() []protocol.UpgradeProtocol { return nil }
func (f *fakeHandler) DesiredBufferSize() int { return 0 }

func TestAddHandlerRejectsDuplicateNames(t *testing.T) {
	s := New(time.Second)
	rec := &recorder{}

	require.NoError(t, s.AddHandler("web", &fakeHandler{name: "a", rec: rec}))
	err := s.AddHandler("web", &fakeHandler{name: "b", rec: rec})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestServeRequiresHandlers(t *testing.T) {
	s := New(time.Second)
	err := s.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no connectors registered")
}

func TestServeRunsGracefulShutdownSequence(t *testing.T) {
	rec := &recorder{}
	first := &fakeHandler{name: "first", rec: rec}
	second := &fakeHandler{name: "second", rec: rec}

	s := New(time.Second)
	require.NoError(t, s.AddHandler("first", first))
	require.NoError(t, s.AddHandler("second", second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := s.Serve(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{
		"first.init", "first.start",
		"second.init", "second.start",
		// Accepting stops everywhere before anything drains.
		"first.pause", "second.pause",
		"first.close-socket", "second.close-socket",
		"first.drain", "second.drain",
		// Teardown runs in reverse registration order.
		"second.stop", "second.destroy",
		"first.stop", "first.destroy",
	}, rec.snapshot())
}

func TestServeChainsDrainBudget(t *testing.T) {
	rec := &recorder{}
	slow := &fakeHandler{name: "slow", rec: rec, drainCost: 300 * time.Millisecond}
	fast := &fakeHandler{name: "fast", rec: rec}

	s := New(time.Second)
	require.NoError(t, s.AddHandler("slow", slow))
	require.NoError(t, s.AddHandler("fast", fast))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = s.Serve(ctx)

	assert.Equal(t, time.Second, slow.gotBudget)
	assert.Equal(t, 700*time.Millisecond, fast.gotBudget)
}

func TestServeStopsDrainingWhenBudgetExhausted(t *testing.T) {
	rec := &recorder{}
	hog := &fakeHandler{name: "hog", rec: rec, drainCost: time.Hour}
	starved := &fakeHandler{name: "starved", rec: rec}

	s := New(500 * time.Millisecond)
	require.NoError(t, s.AddHandler("hog", hog))
	require.NoError(t, s.AddHandler("starved", starved))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = s.Serve(ctx)

	calls := rec.snapshot()
	assert.Contains(t, calls, "hog.drain")
	assert.NotContains(t, calls, "starved.drain")
	// Teardown still reaches every connector.
	assert.Contains(t, calls, "starved.stop")
	assert.Contains(t, calls, "starved.destroy")
}

func TestServeUnwindsAfterStartFailure(t *testing.T) {
	rec := &recorder{}
	good := &fakeHandler{name: "good", rec: rec}
	bad := &fakeHandler{name: "bad", rec: rec, failStart: true}

	s := New(time.Second)
	require.NoError(t, s.AddHandler("good", good))
	require.NoError(t, s.AddHandler("bad", bad))

	err := s.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	calls := rec.snapshot()
	// The failed connector is destroyed, the started one is fully torn
	// down.
	assert.Contains(t, calls, "bad.destroy")
	assert.Contains(t, calls, "good.stop")
	assert.Contains(t, calls, "good.destroy")
}
