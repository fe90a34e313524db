package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/rejourney/replay-agent/internal/logging"
)

var log = logging.L("workerpool")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a bounded goroutine pool with a fixed-size task queue. The
// dispatcher uses one to cap concurrent segment uploads; the stability
// monitor uses one to cap concurrent incident POSTs.
type Pool struct {
	maxWorkers int
	queue      chan Task
	wg         sync.WaitGroup
	accepting  atomic.Bool
	stopOnce   sync.Once
	closeOnce  sync.Once
	stopChan   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	limiter atomic.Pointer[rate.Limiter]
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		maxWorkers: maxWorkers,
		queue:      make(chan Task, queueSize),
		stopChan:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Info("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Context returns a context that is cancelled when Drain returns, whether
// the pool drained fully or the drain timed out, so callers can tie
// dependent goroutines to pool lifetime.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// SetRateLimit shapes submission to at most ratePerSec tasks/second with a
// burst of burst, on top of the fixed worker/queue sizing. Passing a
// non-positive ratePerSec disables limiting. Safe to call at any time,
// including while the pool is running.
func (p *Pool) SetRateLimit(ratePerSec float64, burst int) {
	if ratePerSec <= 0 {
		p.limiter.Store(nil)
		return
	}
	if burst < 1 {
		burst = 1
	}
	p.limiter.Store(rate.NewLimiter(rate.Limit(ratePerSec), burst))
}

// Submit enqueues a task. Returns false if the pool is stopped, a rate
// limit is configured and currently exhausted, or the queue is full.
// wg.Add is called here (before enqueue) to prevent a race with Drain.
func (p *Pool) Submit(task Task) bool {
	if !p.accepting.Load() {
		return false
	}
	if lim := p.limiter.Load(); lim != nil && !lim.Allow() {
		log.Warn("worker pool rate limit exceeded, task rejected")
		return false
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return true
	default:
		p.wg.Done() // undo the Add since task was not enqueued
		log.Warn("worker pool queue full, task rejected")
		return false
	}
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain waits for all in-flight and queued tasks to complete, respecting the
// context deadline. Drain stops accepting new submissions itself, so a
// Submit after Drain returns false. After Drain returns, the queue channel
// is closed so worker goroutines exit.
func (p *Pool) Drain(ctx context.Context) {
	p.StopAccepting()
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out")
	}

	// Close queue so worker goroutines exit and are not leaked
	p.closeOnce.Do(func() {
		close(p.queue)
	})
	p.cancel()
}

// Shutdown stops accepting new work and drains the pool in one call.
func (p *Pool) Shutdown(ctx context.Context) {
	p.StopAccepting()
	p.Drain(ctx)
}

func (p *Pool) worker() {
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.runTask(task)
		case <-p.stopChan:
			// Drain remaining queued tasks
			for {
				select {
				case task, ok := <-p.queue:
					if !ok {
						return
					}
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

// runTask executes a single task with panic recovery. wg.Done is called here
// to match the wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}
