// Package executor provides the bounded worker pool that runs protocol
// processing off the acceptor goroutines, and the scheduler used for
// periodic maintenance tasks.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/porticonet/portico/internal/logger"
	"github.com/porticonet/portico/pkg/container"
)

// Task is one unit of work. The context carries the container marking and
// is cancelled when the pool shuts down.
type Task func(ctx context.Context)

// Executor accepts units of work for asynchronous execution.
type Executor interface {
	// Execute queues a task for a worker. It returns ErrExecutorClosed
	// once the executor has shut down.
	Execute(task Task) error
}

// ErrExecutorClosed is returned by Execute after Stop.
var ErrExecutorClosed = errors.New("executor: closed")

// Pool is a fixed-size worker pool with a bounded queue. Each worker marks
// the task context as container context for the duration of the unit of
// work; the marking does not outlive the task.
type Pool struct {
	tasks chan Task
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewPool creates a pool with the given worker count and queue depth and
// starts its workers. Non-positive arguments fall back to 1.
func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:   make(chan Task, queue),
		baseCtx: ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		// Scoped container marking: derived per unit of work, never
		// visible outside it.
		task(container.WithContainerContext(p.baseCtx))
	}
}

// Execute queues a task, blocking while the queue is full. It returns
// ErrExecutorClosed if the pool has been stopped.
func (p *Pool) Execute(task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrExecutorClosed
	}
	// Hold the lock across the send so Stop cannot close the channel
	// between the check and the enqueue.
	defer p.mu.Unlock()

	select {
	case p.tasks <- task:
		return nil
	case <-p.baseCtx.Done():
		return ErrExecutorClosed
	}
}

// Stop shuts the pool down: queued tasks still run, their contexts are
// cancelled, and Stop returns once all workers have drained.
func (p *Pool) Stop() {
	// Cancel before taking the lock: an Execute blocked on a full queue
	// holds the lock, and the cancellation is what unblocks it.
	p.cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

// Scheduler runs named tasks at fixed intervals for periodic maintenance,
// such as idle-connection sweeps.
type Scheduler struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewScheduler creates an idle scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{done: make(chan struct{})}
}

// Schedule runs fn every interval until the returned cancel function is
// called or the scheduler stops. The first run happens after one interval.
func (s *Scheduler) Schedule(name string, interval time.Duration, fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stop := make(chan struct{})
	var stopOnce sync.Once
	cancel = func() { stopOnce.Do(func() { close(stop) }) }

	if s.closed || interval <= 0 {
		cancel()
		return cancel
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		logger.Debug("scheduler: task %s every %v", name, interval)
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stop:
				return
			case <-s.done:
				return
			}
		}
	}()
	return cancel
}

// Stop cancels all scheduled tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
}
