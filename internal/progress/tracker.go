package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status represents the current state of a bucket copy
type Status struct {
	DiscoveredKeys  int64 // keys listed so far
	DiscoveredBytes int64
	ListingDone     bool
	CompletedKeys   int64
	CompletedBytes  int64
	SkippedKeys     int64
	RequeuedKeys    int64
	Refreshes       int64
	StartTime       time.Time
	LastUpdateTime  time.Time
	CurrentSpeed    float64 // bytes per second over the last few seconds
	AverageSpeed    float64 // bytes per second since start
	ETA             time.Duration
}

// Processed returns the number of keys that reached a final outcome
func (s Status) Processed() int64 {
	return s.CompletedKeys + s.SkippedKeys
}

// Tracker tracks copy progress
type Tracker struct {
	mu           sync.RWMutex
	status       Status
	speedSamples []speedSample
	maxSamples   int
	now          func() time.Time
}

type speedSample struct {
	timestamp time.Time
	bytes     int64
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	return newTracker(time.Now)
}

func newTracker(now func() time.Time) *Tracker {
	start := now()
	return &Tracker{
		status: Status{
			StartTime:      start,
			LastUpdateTime: start,
		},
		speedSamples: make([]speedSample, 0, 60),
		maxSamples:   60,
		now:          now,
	}
}

// AddDiscovered records a listed key
func (t *Tracker) AddDiscovered(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.DiscoveredKeys++
	t.status.DiscoveredBytes += bytes
}

// SetListingDone marks the key listing as finished, fixing the totals
func (t *Tracker) SetListingDone() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.ListingDone = true
	t.calculateETA()
}

// AddCompleted records a successful copy
func (t *Tracker) AddCompleted(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.CompletedKeys++
	t.status.CompletedBytes += bytes
	t.updateSpeed(bytes)
}

// AddSkipped records a key that was given up on
func (t *Tracker) AddSkipped() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.SkippedKeys++
}

// AddRequeued records a key put back on the queue
func (t *Tracker) AddRequeued() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.RequeuedKeys++
}

// AddRefresh records a successful credential refresh
func (t *Tracker) AddRefresh() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.Refreshes++
}

// updateSpeed must be called with the lock held
func (t *Tracker) updateSpeed(bytes int64) {
	now := t.now()

	t.speedSamples = append(t.speedSamples, speedSample{timestamp: now, bytes: bytes})
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[1:]
	}

	t.calculateCurrentSpeed(now)
	t.calculateAverageSpeed(now)
	t.calculateETA()

	t.status.LastUpdateTime = now
}

// calculateCurrentSpeed uses the samples from the last 5 seconds
func (t *Tracker) calculateCurrentSpeed(now time.Time) {
	if len(t.speedSamples) < 2 {
		t.status.CurrentSpeed = 0
		return
	}

	cutoff := now.Add(-5 * time.Second)
	var recentBytes int64
	var firstSample *speedSample

	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		sample := &t.speedSamples[i]
		if sample.timestamp.Before(cutoff) {
			break
		}
		recentBytes += sample.bytes
		firstSample = sample
	}

	if firstSample != nil {
		if d := now.Sub(firstSample.timestamp); d > 0 {
			t.status.CurrentSpeed = float64(recentBytes) / d.Seconds()
		}
	}
}

func (t *Tracker) calculateAverageSpeed(now time.Time) {
	elapsed := now.Sub(t.status.StartTime)
	if elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.CompletedBytes) / elapsed.Seconds()
	}
}

// calculateETA is only meaningful once the listing has fixed the total
func (t *Tracker) calculateETA() {
	if !t.status.ListingDone || t.status.AverageSpeed == 0 {
		t.status.ETA = 0
		return
	}

	remainingBytes := t.status.DiscoveredBytes - t.status.CompletedBytes
	if remainingBytes <= 0 {
		t.status.ETA = 0
		return
	}

	t.status.ETA = time.Duration(float64(remainingBytes)/t.status.AverageSpeed) * time.Second
}

// GetStatus returns a snapshot of the current status
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// GetProgressPercent returns processed keys as a share of discovered keys
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.DiscoveredKeys == 0 {
		return 0
	}
	return float64(t.status.Processed()) / float64(t.status.DiscoveredKeys) * 100
}

// FormatSpeed formats speed in human readable format
func FormatSpeed(bytesPerSecond float64) string {
	return FormatBytes(int64(bytesPerSecond)) + "/s"
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%d B", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(bytes)/1024)
	case bytes < 1024*1024*1024:
		return fmt.Sprintf("%.1f MB", float64(bytes)/(1024*1024))
	default:
		return fmt.Sprintf("%.1f GB", float64(bytes)/(1024*1024*1024))
	}
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "calculating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
