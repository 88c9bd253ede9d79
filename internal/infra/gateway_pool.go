package infra

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrPoolFull   = errors.New("gateway pool queue full")
	ErrPoolClosed = errors.New("gateway pool closed")
)

const enqueueWait = 100 * time.Millisecond

// GatewayPool runs gateway calls on a fixed number of workers so a burst of
// requests cannot open an unbounded number of outbound connections.
type GatewayPool struct {
	jobs   chan job
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// NewGatewayPool starts the workers. Zero values pick runtime.NumCPU()*4
// workers and a queue of 1024.
func NewGatewayPool(workers, queue int, logger *slog.Logger) *GatewayPool {
	if workers <= 0 {
		workers = runtime.NumCPU() * 4
	}
	if queue <= 0 {
		queue = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &GatewayPool{
		jobs:   make(chan job, queue),
		quit:   make(chan struct{}),
		logger: logger,
	}
	logger.Info("starting gateway pool", "workers", workers, "queue", queue)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Do runs fn on a worker and waits for its result. A queue that stays full
// for longer than 100ms yields ErrPoolFull.
func (p *GatewayPool) Do(ctx context.Context, fn func(context.Context) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	if err := p.enqueue(j); err != nil {
		return err
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *GatewayPool) enqueue(j job) error {
	select {
	case <-p.quit:
		return ErrPoolClosed
	default:
	}

	select {
	case p.jobs <- j:
		return nil
	default:
	}

	timer := time.NewTimer(enqueueWait)
	defer timer.Stop()
	select {
	case p.jobs <- j:
		return nil
	case <-timer.C:
		return ErrPoolFull
	case <-p.quit:
		return ErrPoolClosed
	case <-j.ctx.Done():
		return j.ctx.Err()
	}
}

func (p *GatewayPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case j := <-p.jobs:
			j.done <- p.run(j)
		}
	}
}

func (p *GatewayPool) run(j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("panic in gateway call", "error", rec)
			err = fmt.Errorf("gateway call panicked: %v", rec)
		}
	}()
	return j.fn(j.ctx)
}

// Close stops the workers and fails whatever is still queued.
func (p *GatewayPool) Close() {
	p.once.Do(func() {
		close(p.quit)
		p.wg.Wait()
		for {
			select {
			case j := <-p.jobs:
				j.done <- ErrPoolClosed
			default:
				return
			}
		}
	})
}
