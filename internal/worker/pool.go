package worker

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"awsops/internal/credentials"
	"awsops/internal/metrics"
	"awsops/internal/queue"
	"awsops/internal/report"
	"awsops/internal/storage"
)

// Pool manages a fixed pool of copy workers draining one queue
type Pool struct {
	size    int
	config  Config
	client  storage.Client
	creds   CredentialSource
	queue   *queue.Queue[Task]
	report  report.Store
	metrics *metrics.Collector
	logger  *zap.Logger

	states  []atomic.Int32
	running atomic.Int32
}

// NewPool creates a new worker pool
func NewPool(
	size int,
	config Config,
	client storage.Client,
	creds CredentialSource,
	tasks *queue.Queue[Task],
	reportStore report.Store,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Pool {
	return &Pool{
		size:    size,
		config:  config,
		client:  client,
		creds:   creds,
		queue:   tasks,
		report:  reportStore,
		metrics: metricsCollector,
		logger:  logger,
		states:  make([]atomic.Int32, size),
	}
}

// Run starts every worker and blocks until all of them have stopped. Workers
// stop on their own once the queue stays empty for the idle timeout. A fatal
// credential error stops the whole pool and is returned; cancellation of ctx
// is not an error.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	p.running.Store(int32(p.size))
	for id := range p.size {
		g.Go(func() error {
			defer p.running.Add(-1)
			return p.worker(ctx, id)
		})
	}

	return g.Wait()
}

// Running returns the number of workers that have not stopped
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// States returns a snapshot of every worker's state
func (p *Pool) States() []State {
	out := make([]State, len(p.states))
	for i := range p.states {
		out[i] = State(p.states[i].Load())
	}
	return out
}

// StateCounts returns the number of workers in each state
func (p *Pool) StateCounts() map[string]int {
	counts := make(map[string]int)
	for _, s := range p.States() {
		counts[s.String()]++
	}
	return counts
}

func (p *Pool) worker(ctx context.Context, id int) error {
	logger := p.logger.With(zap.Int("worker_id", id))
	setState := func(s State) { p.states[id].Store(int32(s)) }
	defer setState(StateStopped)

	setState(StateStarting)
	logger.Debug("Worker started")

	processor := &TaskProcessor{
		config:  p.config,
		client:  p.client,
		creds:   p.creds,
		queue:   p.queue,
		report:  p.report,
		metrics: p.metrics,
		logger:  logger,
		state:   setState,
	}

	for {
		if ctx.Err() != nil {
			logger.Debug("Worker stopped - context cancelled")
			return nil
		}

		setState(StateDraining)
		task, err := p.queue.Get(ctx, p.config.IdleTimeout)
		if errors.Is(err, queue.ErrIdle) {
			logger.Debug("Worker finished - queue idle", zap.Duration("idle_timeout", p.config.IdleTimeout))
			return nil
		}
		if err != nil {
			logger.Debug("Worker stopped - context cancelled")
			return nil
		}

		if err := processor.Process(ctx, task); err != nil {
			if errors.Is(err, credentials.ErrRefreshExhausted) {
				logger.Error("Worker stopping - credentials cannot be refreshed", zap.Error(err))
				return err
			}
			logger.Debug("Worker stopped mid-copy", zap.String("key", task.Key), zap.Error(err))
			return nil
		}
	}
}
