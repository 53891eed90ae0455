package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"awsops/internal/config"
	"awsops/internal/credentials"
	"awsops/internal/metrics"
	"awsops/internal/progress"
	"awsops/internal/queue"
	"awsops/internal/report"
	"awsops/internal/storage"
	"awsops/internal/worker"
)

// ErrWorkersExited is returned when every worker stopped while keys were
// still waiting to be copied
var ErrWorkersExited = errors.New("app: all workers exited with keys outstanding")

// sampleInterval is how often worker states and queue depth are exported
const sampleInterval = time.Second

// Deps are the collaborators a Cloner talks to
type Deps struct {
	Storage storage.Client
	Assumer credentials.Assumer
	// Report defaults to an in-memory store
	Report report.Store
	// Metrics defaults to a fresh collector
	Metrics *metrics.Collector
	// ProgressOut receives the progress display when show_progress is set
	ProgressOut io.Writer
}

// Summary is the outcome of one bucket copy
type Summary struct {
	RunID       string
	Discovered  int64
	Completed   int64
	Skipped     int64
	Requeued    int64
	Refreshes   int64
	Duration    time.Duration
	SkippedKeys []string
}

// Cloner copies every key of one bucket into a bucket of another account
type Cloner struct {
	cfg     config.CloneBucket
	logger  *zap.Logger
	deps    Deps
	runID   string
	metrics *metrics.Collector
	report  report.Store
}

// New creates a new cloner instance
func New(cfg config.CloneBucket, logger *zap.Logger, deps Deps) (*Cloner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid clone_bucket configuration: %w", err)
	}
	if deps.Storage == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if deps.Assumer == nil && !cfg.DryRun {
		return nil, fmt.Errorf("role assumer is required")
	}

	c := &Cloner{
		cfg:     cfg,
		deps:    deps,
		runID:   uuid.NewString(),
		metrics: deps.Metrics,
		report:  deps.Report,
	}
	c.logger = logger.With(zap.String("run_id", c.runID))
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	if c.report == nil {
		c.report = report.NewMemoryStore()
	}
	return c, nil
}

// RunID returns the id attached to this run's logs and report records
func (c *Cloner) RunID() string {
	return c.runID
}

// Run validates both buckets, seeds the credentials and drains the source
// bucket through the worker pool
func (c *Cloner) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	summary := Summary{RunID: c.runID}

	c.logger.Info("Starting bucket copy",
		zap.String("source_bucket", c.cfg.SourceBucket),
		zap.String("destination_bucket", c.cfg.DestinationBucket),
		zap.Strings("prefixes", c.cfg.Prefixes),
		zap.Int("workers", c.cfg.Workers),
		zap.Bool("dry_run", c.cfg.DryRun),
	)

	if err := c.checkBuckets(ctx); err != nil {
		return summary, err
	}

	if c.cfg.MetricsAddr != "" {
		go func() {
			if err := c.metrics.StartServer(ctx, c.cfg.MetricsAddr); err != nil {
				c.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	var err error
	if c.cfg.DryRun {
		err = c.dryRun(ctx)
	} else {
		summary.Refreshes, err = c.copy(ctx)
	}

	status := c.metrics.GetProgressTracker().GetStatus()
	summary.Discovered = status.DiscoveredKeys
	summary.Completed = status.CompletedKeys
	summary.Skipped = status.SkippedKeys
	summary.Requeued = status.RequeuedKeys
	summary.Duration = time.Since(start)

	skipped, listErr := c.report.ListSkipped(c.runID)
	if listErr != nil {
		c.logger.Warn("Failed to read skipped keys", zap.Error(listErr))
	}
	for _, r := range skipped {
		summary.SkippedKeys = append(summary.SkippedKeys, r.Key)
	}

	if err != nil {
		return summary, err
	}

	c.logger.Info("Bucket copy completed",
		zap.Int64("discovered", summary.Discovered),
		zap.Int64("completed", summary.Completed),
		zap.Int64("skipped", summary.Skipped),
		zap.Int64("requeued", summary.Requeued),
		zap.Int64("refreshes", summary.Refreshes),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (c *Cloner) checkBuckets(ctx context.Context) error {
	for _, bucket := range []string{c.cfg.SourceBucket, c.cfg.DestinationBucket} {
		exists, err := c.deps.Storage.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
		}
		if !exists {
			c.logger.Error("Bucket does not exist", zap.String("bucket", bucket))
			return fmt.Errorf("%w: %s", storage.ErrBucketNotFound, bucket)
		}
	}
	return nil
}

func (c *Cloner) dryRun(ctx context.Context) error {
	source := NewKeySource(c.deps.Storage, c.metrics, c.logger, true)
	if _, err := source.Produce(ctx, c.cfg.SourceBucket, c.cfg.Prefixes, nil); err != nil {
		return fmt.Errorf("failed to list objects: %w", err)
	}
	c.metrics.SetListingDone()
	return nil
}

// copy runs the producer and the pool until the queue is drained. It returns
// the number of credential refreshes.
func (c *Cloner) copy(ctx context.Context) (int64, error) {
	holder := credentials.NewHolder(c.deps.Assumer, credentials.Options{
		RoleARN:       c.cfg.RoleARN,
		SessionName:   c.cfg.SessionName,
		RefreshWindow: c.cfg.RefreshWindow,
		FailureLimit:  c.cfg.RefreshFailureLimit,
		FailureWindow: c.cfg.RefreshFailureWindow,
		PollInterval:  c.cfg.RefreshPollInterval,
		OnRefresh:     c.metrics.ObserveRefresh,
	}, c.logger)
	if err := holder.Seed(ctx); err != nil {
		return 0, err
	}

	tasks := queue.New[worker.Task](c.cfg.QueueSize)
	pool := worker.NewPool(c.cfg.Workers, worker.Config{
		RunID:             c.runID,
		SourceBucket:      c.cfg.SourceBucket,
		DestinationBucket: c.cfg.DestinationBucket,
		ACL:               c.cfg.ACL,
		IdleTimeout:       c.cfg.IdleTimeout,
		MaxAuthRetries:    c.cfg.MaxAuthRetries,
	}, c.deps.Storage, holder, tasks, c.report, c.metrics, c.logger)

	poolCtx, cancelPool := context.WithCancel(ctx)
	defer cancelPool()

	poolDone := make(chan error, 1)
	go func() { poolDone <- pool.Run(poolCtx) }()

	stopSampler := c.startSampler(poolCtx, pool, tasks)
	defer stopSampler()

	if c.cfg.ShowProgress && c.deps.ProgressOut != nil {
		display := progress.NewDisplay(c.metrics.GetProgressTracker(), c.cfg.ProgressInterval, c.deps.ProgressOut)
		display.Start()
		defer display.Stop()
	}

	source := NewKeySource(c.deps.Storage, c.metrics, c.logger, false)
	produced := make(chan error, 1)
	go func() {
		_, err := source.Produce(poolCtx, c.cfg.SourceBucket, c.cfg.Prefixes, tasks)
		produced <- err
	}()

	// Wait for the listing, unless the pool gives up first
	select {
	case err := <-produced:
		if err != nil {
			cancelPool()
			<-poolDone
			return holder.Refreshes(), c.stopError(ctx, fmt.Errorf("failed to list objects: %w", err))
		}
		c.metrics.SetListingDone()
	case err := <-poolDone:
		cancelPool()
		<-produced
		return holder.Refreshes(), c.poolExited(ctx, err)
	}

	joined := make(chan error, 1)
	go func() { joined <- tasks.Join(poolCtx) }()

	select {
	case err := <-joined:
		// Idle workers are still waiting out their timeout
		cancelPool()
		poolErr := <-poolDone
		if err != nil {
			if poolErr != nil {
				return holder.Refreshes(), poolErr
			}
			return holder.Refreshes(), c.stopError(ctx, err)
		}
	case err := <-poolDone:
		if err == nil && tasks.Unfinished() == 0 {
			break
		}
		cancelPool()
		<-joined
		return holder.Refreshes(), c.poolExited(ctx, err)
	}

	return holder.Refreshes(), nil
}

// poolExited explains why the pool stopped before the queue drained
func (c *Cloner) poolExited(ctx context.Context, poolErr error) error {
	if poolErr != nil {
		return poolErr
	}
	if ctx.Err() != nil {
		return c.stopError(ctx, ctx.Err())
	}
	return ErrWorkersExited
}

func (c *Cloner) stopError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		c.logger.Warn("Bucket copy interrupted", zap.Error(ctx.Err()))
		return fmt.Errorf("bucket copy interrupted: %w", ctx.Err())
	}
	return err
}

// startSampler exports worker states and queue depth until stopped
func (c *Cloner) startSampler(ctx context.Context, pool *worker.Pool, tasks *queue.Queue[worker.Task]) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()

		for {
			c.metrics.SetWorkerStates(pool.StateCounts())
			c.metrics.SetQueueDepth(tasks.Len())

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
		c.metrics.SetWorkerStates(pool.StateCounts())
		c.metrics.SetQueueDepth(tasks.Len())
	}
}
