package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"awsops/internal/progress"
)

// Collector collects and exposes bucket copy metrics
type Collector struct {
	registry        *prometheus.Registry
	keysTotal       *prometheus.CounterVec
	bytesTotal      prometheus.Counter
	refreshesTotal  *prometheus.CounterVec
	workers         *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
	duration        prometheus.Histogram
	progressTracker *progress.Tracker
}

// New creates a collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		keysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clone_bucket_keys_total",
				Help: "Total number of keys by outcome",
			},
			[]string{"outcome"},
		),
		bytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clone_bucket_bytes_total",
				Help: "Total bytes copied",
			},
		),
		refreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clone_bucket_credential_refreshes_total",
				Help: "Credential refresh attempts by result",
			},
			[]string{"result"},
		),
		workers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clone_bucket_workers",
				Help: "Number of copy workers in each state",
			},
			[]string{"state"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clone_bucket_queue_depth",
				Help: "Keys waiting in the work queue",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clone_bucket_copy_duration_seconds",
				Help:    "Time taken by one CopyObject call",
				Buckets: prometheus.DefBuckets,
			},
		),
		progressTracker: progress.NewTracker(),
	}

	c.registry.MustRegister(
		c.keysTotal,
		c.bytesTotal,
		c.refreshesTotal,
		c.workers,
		c.queueDepth,
		c.duration,
	)

	return c
}

// IncDiscovered counts a listed key
func (c *Collector) IncDiscovered(bytes int64) {
	c.keysTotal.WithLabelValues("discovered").Inc()
	c.progressTracker.AddDiscovered(bytes)
}

// IncCompleted counts a copied key
func (c *Collector) IncCompleted(bytes int64) {
	c.keysTotal.WithLabelValues("completed").Inc()
	c.bytesTotal.Add(float64(bytes))
	c.progressTracker.AddCompleted(bytes)
}

// IncSkipped counts a key that was given up on
func (c *Collector) IncSkipped() {
	c.keysTotal.WithLabelValues("skipped").Inc()
	c.progressTracker.AddSkipped()
}

// IncRequeued counts a key put back on the queue
func (c *Collector) IncRequeued() {
	c.keysTotal.WithLabelValues("requeued").Inc()
	c.progressTracker.AddRequeued()
}

// ObserveRefresh counts a credential refresh attempt
func (c *Collector) ObserveRefresh(success bool) {
	if success {
		c.refreshesTotal.WithLabelValues("success").Inc()
		c.progressTracker.AddRefresh()
		return
	}
	c.refreshesTotal.WithLabelValues("failure").Inc()
}

// SetWorkerStates replaces the per-state worker gauges
func (c *Collector) SetWorkerStates(counts map[string]int) {
	c.workers.Reset()
	for state, n := range counts {
		c.workers.WithLabelValues(state).Set(float64(n))
	}
}

// SetQueueDepth sets the number of queued keys
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// ObserveDuration observes copy duration
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// SetListingDone marks the listing as finished in the progress tracker
func (c *Collector) SetListingDone() {
	c.progressTracker.SetListingDone()
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}

// Handler returns the HTTP handler serving this collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer serves /metrics on addr until ctx is cancelled
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
