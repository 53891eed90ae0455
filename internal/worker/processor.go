package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"awsops/internal/credentials"
	"awsops/internal/metrics"
	"awsops/internal/queue"
	"awsops/internal/report"
	"awsops/internal/storage"
)

// CredentialSource is the read and refresh side of credentials.Holder
type CredentialSource interface {
	Current() credentials.Credentials
	RefreshIfExpired(ctx context.Context, observed credentials.Credentials) (credentials.Credentials, error)
}

// TaskProcessor copies one key and settles it with the queue
type TaskProcessor struct {
	config  Config
	client  storage.Client
	creds   CredentialSource
	queue   *queue.Queue[Task]
	report  report.Store
	metrics *metrics.Collector
	logger  *zap.Logger
	state   func(State)
}

// Process copies task until it succeeds, is requeued or is skipped. Every
// outcome except a returned error settles the key with the queue. A returned
// error is either a context error or credentials.ErrRefreshExhausted, and
// leaves the key unacknowledged.
func (p *TaskProcessor) Process(ctx context.Context, task Task) error {
	input := storage.CopyInput{
		SourceBucket:      p.config.SourceBucket,
		SourceKey:         task.Key,
		DestinationBucket: p.config.DestinationBucket,
		DestinationKey:    task.Key,
		ACL:               p.config.ACL,
	}

	creds := p.creds.Current()
	authRetries := 0

	for {
		p.state(StateCopying)
		startTime := time.Now()

		err := p.client.CopyObject(ctx, input, creds)
		if err == nil {
			p.metrics.IncCompleted(task.Size)
			p.metrics.ObserveDuration(time.Since(startTime))
			p.queue.Done()
			p.logger.Debug("Key copied",
				zap.String("key", task.Key),
				zap.Int64("size", task.Size),
				zap.Duration("duration", time.Since(startTime)),
			)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		switch storage.KindOf(err) {
		case storage.KindPermanent:
			p.skip(task, task.Strikes+1, err)
			return nil

		case storage.KindAuth:
			p.state(StateAwaitingCredentialRefresh)
			fresh, refreshErr := p.creds.RefreshIfExpired(ctx, creds)
			if refreshErr != nil {
				if errors.Is(refreshErr, credentials.ErrRefreshExhausted) {
					return refreshErr
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				// Retry the key once a later refresh has succeeded
				p.requeue(task, refreshErr)
				return nil
			}
			if fresh.Generation == creds.Generation {
				// Still-valid credentials were rejected
				p.strike(task, err)
				return nil
			}
			if authRetries >= p.config.MaxAuthRetries {
				// The refreshed snapshot is picked up from Current on the next attempt
				p.strike(task, err)
				return nil
			}
			authRetries++

			p.logger.Debug("Retrying with refreshed credentials",
				zap.String("key", task.Key),
				zap.Uint64("generation", fresh.Generation),
			)
			creds = fresh

		default:
			p.strike(task, err)
			return nil
		}
	}
}

// strike requeues the key on its first failure and skips it on the second
func (p *TaskProcessor) strike(task Task, err error) {
	task.Strikes++
	if task.Strikes >= maxStrikes {
		p.skip(task, task.Strikes, err)
		return
	}
	p.requeue(task, err)
}

func (p *TaskProcessor) requeue(task Task, err error) {
	p.queue.Requeue(task)
	p.metrics.IncRequeued()
	p.logger.Warn("Copy failed, key requeued",
		zap.String("key", task.Key),
		zap.Int("strikes", task.Strikes),
		zap.Error(err),
	)
}

func (p *TaskProcessor) skip(task Task, attempts int, err error) {
	p.logger.Error("Copy failed permanently, key skipped",
		zap.String("key", task.Key),
		zap.Int("attempts", attempts),
		zap.String("kind", storage.KindOf(err).String()),
		zap.Error(err),
	)

	record := report.SkippedRecord{
		RunID:     p.config.RunID,
		Bucket:    p.config.SourceBucket,
		Key:       task.Key,
		Attempts:  attempts,
		LastError: err.Error(),
	}
	if saveErr := p.report.SaveSkipped(record); saveErr != nil {
		p.logger.Error("Failed to record skipped key",
			zap.String("key", task.Key),
			zap.Error(saveErr),
		)
	}

	p.metrics.IncSkipped()
	p.queue.Done()
}
