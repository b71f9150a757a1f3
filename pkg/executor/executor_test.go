package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/porticonet/portico/pkg/container"
)

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(4, 16)
	defer p.Stop()

	var ran atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		err := p.Execute(func(ctx context.Context) {
			defer wg.Done()
			ran.Add(1)
		})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	}

	wg.Wait()
	if ran.Load() != 50 {
		t.Fatalf("ran %d tasks, want 50", ran.Load())
	}
}

// TestPoolMarksContainerContext verifies every unit of work runs with the
// container marking set, and that the marking is scoped to the task.
func TestPoolMarksContainerContext(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Stop()

	result := make(chan bool, 1)
	if err := p.Execute(func(ctx context.Context) {
		result <- container.IsContainerContext(ctx)
	}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	select {
	case marked := <-result:
		if !marked {
			t.Fatal("task context not marked as container context")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestExecuteAfterStop(t *testing.T) {
	p := NewPool(1, 1)
	p.Stop()

	if err := p.Execute(func(context.Context) {}); err != ErrExecutorClosed {
		t.Fatalf("Execute after Stop = %v, want ErrExecutorClosed", err)
	}
}

func TestStopCancelsTaskContext(t *testing.T) {
	p := NewPool(1, 1)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	if err := p.Execute(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	<-started
	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("task context not cancelled by Stop")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

// TestStopInterruptsBlockedExecute fills the queue so Execute blocks on
// the channel send, then verifies Stop still completes and unblocks it.
func TestStopInterruptsBlockedExecute(t *testing.T) {
	p := NewPool(1, 1)

	started := make(chan struct{})
	if err := p.Execute(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	<-started

	// The worker is busy, so this one sits in the queue.
	if err := p.Execute(func(context.Context) {}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- p.Execute(func(context.Context) {})
	}()
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop stalled behind a blocked Execute")
	}
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Execute did not return")
	}
}

func TestSchedulerRunsAndCancels(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var ticks atomic.Int64
	cancel := s.Schedule("test-sweep", 10*time.Millisecond, func() {
		ticks.Add(1)
	})

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled task did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	settled := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	if ticks.Load() > settled+1 {
		t.Fatalf("task kept running after cancel: %d -> %d", settled, ticks.Load())
	}
}
