package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/clue/log"

	"github.com/cryguy/openworker/internal/runtime"
)

// Pool is a fixed set of workers over one script. Each dispatch borrows a
// worker for its duration.
type Pool struct {
	ctx     context.Context
	script  string
	cfg     Config
	workers chan *Worker
	all     []*Worker
	mu      sync.Mutex
	closed  bool
}

// NewPool starts cfg.PoolSize workers running script.
func NewPool(ctx context.Context, script string, cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	p := &Pool{ctx: ctx, script: script, cfg: cfg, workers: make(chan *Worker, cfg.PoolSize)}
	for i := range cfg.PoolSize {
		w, err := New(ctx, script, cfg)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("creating pool worker %d: %w", i, err)
		}
		p.all = append(p.all, w)
		p.workers <- w
	}
	return p, nil
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.all) }

// get borrows a worker, waiting until one is free.
func (p *Pool) get(ctx context.Context) (*Worker, error) {
	select {
	case w, ok := <-p.workers:
		if !ok {
			return nil, ErrClosed
		}
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) put(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.workers <- w
}

// release returns w to the pool. A worker whose engine was interrupted by
// the watchdog rejects every later call, so it is closed and replaced by a
// fresh one running the same script.
func (p *Pool) release(w *Worker, err error) {
	if !errors.Is(err, runtime.ErrExecutionTimeout) {
		p.put(w)
		return
	}
	log.Warn(p.ctx, log.KV{K: "msg", V: "replacing timed out worker"})
	fresh, nerr := New(p.ctx, p.script, p.cfg)
	if nerr != nil {
		// w keeps failing with ErrExecutionTimeout, so the next dispatch
		// on it retries the replacement.
		log.Error(p.ctx, nerr, log.KV{K: "msg", V: "recreating pool worker"})
		p.put(w)
		return
	}
	if cerr := w.Close(); cerr != nil {
		log.Error(p.ctx, cerr, log.KV{K: "msg", V: "closing timed out worker"})
	}
	p.mu.Lock()
	for i, old := range p.all {
		if old == w {
			p.all[i] = fresh
		}
	}
	closed := p.closed
	p.mu.Unlock()
	if closed {
		_ = fresh.Close()
		return
	}
	p.put(fresh)
}

// Exec runs ev on a free worker.
func (p *Pool) Exec(ctx context.Context, ev *Event) (term Termination, err error) {
	w, err := p.get(ctx)
	if err != nil {
		return Exception, err
	}
	defer func() { p.release(w, err) }()
	return w.Exec(ctx, ev)
}

// ExecHTTP runs a fetch event on a free worker.
func (p *Pool) ExecHTTP(ctx context.Context, ev *Event) (resp *Response, err error) {
	w, err := p.get(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { p.release(w, err) }()
	return w.ExecHTTP(ctx, ev)
}

// Close closes every worker. Dispatches waiting for a worker fail with
// ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.workers)
	all := append([]*Worker(nil), p.all...)
	p.mu.Unlock()

	var errs []error
	for _, w := range all {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
