package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Pool fans the frontier out to a fixed set of workers.
type Pool struct {
	workers []*Worker
	logger  *zap.Logger
}

// NewPool builds cfg.Concurrency workers sharing one frontier and handler.
func NewPool(f Frontier, handler Handler, cfg Config, logger *zap.Logger) *Pool {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("worker")
	workers := make([]*Worker, cfg.Concurrency)
	for i := range workers {
		workers[i] = New(f, handler, cfg, logger.With(zap.Int("index", i)))
	}
	return &Pool{workers: workers, logger: logger}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Run starts all workers and blocks until every one has returned.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("starting worker pool", zap.Int("workers", len(p.workers)))
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(wk *Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
}
