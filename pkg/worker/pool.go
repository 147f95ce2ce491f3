// Package worker runs the dispatch router on a pool of workers modelled on
// the multi-process contract: each worker processes one message fully,
// including all of its suspensions, before accepting the next. The front
// door submits work here and never executes handlers itself.
package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/hubgate/hubgate/pkg/dispatch"
	"github.com/hubgate/hubgate/pkg/logger"
	"github.com/hubgate/hubgate/pkg/message"
)

// ErrStopped is returned by Submit and Do after the pool shuts down.
var ErrStopped = errors.New("worker: pool stopped")

// Job is one unit of work. Progress receives zero or more intermediate
// payloads; Done receives the terminal result exactly once, or nil when a
// before-hook aborted the exchange silently.
type Job struct {
	Msg      *message.Envelope
	Shape    dispatch.Shape
	Progress message.Progress
	Done     func(*message.Result)
}

// Pool owns the worker goroutines.
type Pool struct {
	router *dispatch.Router
	jobs   chan Job
	size   int

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates a pool of size workers over a dispatch router.
func NewPool(router *dispatch.Router, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		router: router,
		jobs:   make(chan Job, size*4),
		size:   size,
	}
}

// Start launches the workers. They drain remaining jobs and exit when Stop
// is called.
func (p *Pool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	logger.InfoCF("worker", "pool started", map[string]interface{}{"size": p.size})
}

// Stop closes the intake and waits for in-flight work to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Submit queues a job. The Done callback runs on a worker goroutine. A full
// intake blocks the calling goroutine only; concurrent submitters are never
// serialised behind it. Submitting from a worker's own Done callback can
// still starve a saturated pool, so callers re-injecting work from there
// must do it on a separate goroutine.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	p.jobs <- job
	return nil
}

// Do submits a job and blocks until its terminal result arrives. A nil
// result with a nil error is a silent abort.
func (p *Pool) Do(ctx context.Context, msg *message.Envelope, shape dispatch.Shape, progress message.Progress) (*message.Result, error) {
	done := make(chan *message.Result, 1)
	err := p.Submit(Job{
		Msg:      msg,
		Shape:    shape,
		Progress: progress,
		Done:     func(res *message.Result) { done <- res },
	})
	if err != nil {
		return nil, err
	}

	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		res := p.router.Handle(job.Msg, job.Shape, job.Progress)
		if job.Done != nil {
			job.Done(res)
		}
	}
	logger.DebugCF("worker", "worker stopped", map[string]interface{}{"worker": id})
}
