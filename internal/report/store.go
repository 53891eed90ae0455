// Package report records the keys a copy run gave up on. It backs the final
// summary and is never read back to resume a run.
package report

import (
	"sort"
	"sync"
	"time"
)

// SkippedRecord describes one key that was skipped after exhausting its retries
type SkippedRecord struct {
	RunID      string    `json:"run_id"`
	Bucket     string    `json:"bucket"`
	Key        string    `json:"key"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store defines the interface for skipped-key persistence
type Store interface {
	SaveSkipped(record SkippedRecord) error
	ListSkipped(runID string) ([]SkippedRecord, error)
	Close() error
}

// MemoryStore keeps skipped records for the process lifetime
type MemoryStore struct {
	mu      sync.Mutex
	records []SkippedRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SaveSkipped implements Store
func (s *MemoryStore) SaveSkipped(record SkippedRecord) error {
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()
	return nil
}

// ListSkipped implements Store, returning records for runID ordered by key
func (s *MemoryStore) ListSkipped(runID string) ([]SkippedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SkippedRecord
	for _, r := range s.records {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}
