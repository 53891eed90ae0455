package report

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLiteStore opens or creates the skipped-key ledger at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Workers write concurrently; a single connection keeps SQLite writes serial
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS skipped_keys (
		run_id TEXT NOT NULL,
		bucket TEXT NOT NULL,
		key TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		recorded_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, bucket, key)
	);

	CREATE INDEX IF NOT EXISTS idx_skipped_keys_recorded_at ON skipped_keys(recorded_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// SaveSkipped records a skipped key, replacing an earlier record for the same
// run and key
func (s *SQLiteStore) SaveSkipped(record SkippedRecord) error {
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(func() error {
		query := `
		INSERT INTO skipped_keys (run_id, bucket, key, attempts, last_error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, bucket, key) DO UPDATE SET
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			recorded_at = excluded.recorded_at
		`
		_, err := s.db.Exec(query,
			record.RunID,
			record.Bucket,
			record.Key,
			record.Attempts,
			record.LastError,
			record.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save skipped key %s: %w", record.Key, err)
		}
		return nil
	})
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	const maxRetries = 5
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}
		time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
	}
	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// ListSkipped returns the records for runID ordered by key
func (s *SQLiteStore) ListSkipped(runID string) ([]SkippedRecord, error) {
	query := `
	SELECT run_id, bucket, key, attempts, last_error, recorded_at
	FROM skipped_keys WHERE run_id = ?
	ORDER BY key ASC
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SkippedRecord
	for rows.Next() {
		var record SkippedRecord
		var lastError sql.NullString

		err := rows.Scan(
			&record.RunID,
			&record.Bucket,
			&record.Key,
			&record.Attempts,
			&lastError,
			&record.RecordedAt,
		)
		if err != nil {
			return nil, err
		}
		if lastError.Valid {
			record.LastError = lastError.String
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
