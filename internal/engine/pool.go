package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrPoolClosed = errors.New("engine pool closed")

const releaseTimeout = 10 * time.Second

// Factory builds a fresh engine instance. Creation is assumed expensive, so
// the pool keeps instances warm between jobs.
type Factory func(ctx context.Context) (Engine, error)

// Pool bounds concurrent generation to a fixed number of worker slots and
// reuses engine instances across jobs.
type Pool struct {
	factory   Factory
	slots     chan struct{}
	maxCached int
	logger    *slog.Logger

	mu     sync.Mutex
	idle   []Engine
	inUse  int
	closed bool
}

func NewPool(factory Factory, workers, maxCached int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		factory:   factory,
		slots:     make(chan struct{}, workers),
		maxCached: maxCached,
		logger:    logger.With(slog.String("component", "engine-pool")),
	}
}

// Do checks out an engine for the duration of fn. The slot wait honours ctx;
// Release runs on every exit path, including panics in fn.
func (p *Pool) Do(ctx context.Context, fn func(context.Context, Engine) error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.slots }()

	e, err := p.checkout(ctx)
	if err != nil {
		return err
	}
	defer p.release(ctx, e)
	return fn(ctx, e)
}

func (p *Pool) checkout(ctx context.Context) (Engine, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		e := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return e, nil
	}
	p.inUse++
	p.mu.Unlock()

	e, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		return nil, fmt.Errorf("create engine: %w", err)
	}
	return e, nil
}

func (p *Pool) release(ctx context.Context, e Engine) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	healthy := true
	if err := e.Release(relCtx); err != nil {
		p.logger.Warn("engine release failed; discarding instance", slogError(err))
		healthy = false
	}

	p.mu.Lock()
	p.inUse--
	keep := healthy && !p.closed && len(p.idle) < p.maxCached
	if keep {
		p.idle = append(p.idle, e)
	}
	p.mu.Unlock()

	if !keep {
		if err := e.Close(); err != nil {
			p.logger.Warn("engine close failed", slogError(err))
		}
	}
}

// Stats reports busy and warm instance counts.
func (p *Pool) Stats() (inUse, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse, len(p.idle)
}

func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Close evicts warm instances. Checked-out instances are closed when returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, e := range idle {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
