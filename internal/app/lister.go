package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"awsops/internal/metrics"
	"awsops/internal/queue"
	"awsops/internal/storage"
	"awsops/internal/worker"
)

// KeySource lists the source bucket and feeds every key into the work queue
type KeySource struct {
	client  storage.Client
	metrics *metrics.Collector
	logger  *zap.Logger
	dryRun  bool
}

// NewKeySource creates a key source. In dry-run mode keys are counted and
// logged but never enqueued.
func NewKeySource(client storage.Client, collector *metrics.Collector, logger *zap.Logger, dryRun bool) *KeySource {
	return &KeySource{
		client:  client,
		metrics: collector,
		logger:  logger,
		dryRun:  dryRun,
	}
}

// Produce enqueues every key under prefixes, blocking while the queue is
// full. An empty prefix list lists the whole bucket. It returns the number of
// keys listed.
func (s *KeySource) Produce(ctx context.Context, bucket string, prefixes []string, tasks *queue.Queue[worker.Task]) (int64, error) {
	var totalObjects, totalSize int64

	for _, prefix := range normalizePrefixes(prefixes) {
		s.logger.Info("Listing objects", zap.String("bucket", bucket), zap.String("prefix", prefix))

		err := s.client.ListObjects(ctx, bucket, prefix, func(page []storage.ObjectInfo) error {
			for _, obj := range page {
				totalObjects++
				totalSize += obj.Size
				s.metrics.IncDiscovered(obj.Size)

				if s.dryRun {
					s.logger.Info("Would copy object",
						zap.String("key", obj.Key),
						zap.Int64("size", obj.Size),
					)
					continue
				}

				if err := tasks.Put(ctx, worker.Task{Key: obj.Key, Size: obj.Size}); err != nil {
					return err
				}
				s.logger.Debug("Enqueued object", zap.String("key", obj.Key))
			}
			return nil
		})
		if err != nil {
			return totalObjects, fmt.Errorf("error listing objects under %q: %w", prefix, err)
		}
	}

	s.logger.Info("Finished listing objects",
		zap.Int64("total_objects", totalObjects),
		zap.Int64("total_size_bytes", totalSize),
	)
	return totalObjects, nil
}

// normalizePrefixes drops duplicates and prefixes already covered by a
// shorter one, so overlapping filters never list a key twice
func normalizePrefixes(prefixes []string) []string {
	if len(prefixes) == 0 {
		return []string{""}
	}

	sorted := append([]string(nil), prefixes...)
	sort.Strings(sorted)

	out := make([]string, 0, len(sorted))
	for _, p := range sorted {
		covered := false
		for _, kept := range out {
			if strings.HasPrefix(p, kept) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, p)
		}
	}
	return out
}
