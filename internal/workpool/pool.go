// Package workpool runs submitted tasks on a fixed set of goroutines.
//
// Submit never blocks. The queue is unbounded, so callers are expected to
// apply their own admission control before submitting.
package workpool

import (
	"context"
	"runtime"
	"sync"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog/log"
)

// Pool is a fixed-size worker pool draining a FIFO task queue.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   deque.Deque[func()]
	stopped bool
	live    int

	wg sync.WaitGroup
}

// New starts a pool with the given number of workers. A non-positive
// value uses runtime.NumCPU().
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	p := &Pool{live: workers}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit queues task for execution and reports whether it was accepted.
// While Stop is draining, tasks are still accepted so running tasks can
// schedule follow-up work. Once every worker has exited, tasks are dropped.
func (p *Pool) Submit(task func()) bool {
	p.mu.Lock()
	if p.live == 0 {
		p.mu.Unlock()
		log.Warn().Msg("workpool: task submitted after stop, dropping")
		return false
	}
	p.queue.PushBack(task)
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

// Len returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Stop waits for queued tasks, and any they submit, to finish, or for ctx to
// be done, whichever comes first.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.queue.Len() == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.queue.Len() == 0 {
			p.live--
			p.mu.Unlock()
			return
		}
		task := p.queue.PopFront()
		p.mu.Unlock()

		run(task)
	}
}

func run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("workpool: task panicked")
		}
	}()
	task()
}
