package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Display periodically prints the tracker status
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewDisplay creates a new progress display writing to out
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop prints the final status and waits for the display loop to exit
func (d *Display) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.done
}

func (d *Display) displayLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintln(d.out, d.generateDisplay(d.tracker.GetStatus()))
		case <-d.stopCh:
			fmt.Fprintln(d.out, strings.Join(d.generateFinalDisplay(d.tracker.GetStatus()), "\n"))
			return
		}
	}
}

// generateDisplay renders a single progress line
func (d *Display) generateDisplay(status Status) string {
	total := fmt.Sprintf("%d", status.DiscoveredKeys)
	if !status.ListingDone {
		total += "+"
	}

	line := fmt.Sprintf("%s %d/%s keys, %s copied, %d skipped, %d requeued, %s, elapsed %s",
		generateProgressBar(d.tracker.GetProgressPercent(), 30),
		status.Processed(), total,
		FormatBytes(status.CompletedBytes),
		status.SkippedKeys,
		status.RequeuedKeys,
		FormatSpeed(status.CurrentSpeed),
		FormatDuration(time.Since(status.StartTime)),
	)
	if status.ETA > 0 {
		line += ", eta " + FormatDuration(status.ETA)
	}
	return line
}

func (d *Display) generateFinalDisplay(status Status) []string {
	return []string{
		"Copy finished",
		strings.Repeat("=", 40),
		fmt.Sprintf("Keys listed:   %d (%s)", status.DiscoveredKeys, FormatBytes(status.DiscoveredBytes)),
		fmt.Sprintf("Completed:     %d (%s)", status.CompletedKeys, FormatBytes(status.CompletedBytes)),
		fmt.Sprintf("Skipped:       %d", status.SkippedKeys),
		fmt.Sprintf("Requeued:      %d", status.RequeuedKeys),
		fmt.Sprintf("Refreshes:     %d", status.Refreshes),
		fmt.Sprintf("Elapsed:       %s", FormatDuration(time.Since(status.StartTime))),
		fmt.Sprintf("Average speed: %s", FormatSpeed(status.AverageSpeed)),
	}
}

func generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)
	return fmt.Sprintf("[%s] %5.1f%%", bar, percent)
}

// IsTerminalSupported reports whether f is an interactive terminal
func IsTerminalSupported(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
