// Package cloudtrail searches CloudTrail log archives for events mentioning
// a key/value pair, reading from a local directory or an S3 prefix.
package cloudtrail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"awsops/internal/storage"
)

// ErrNoObjectStore is returned for s3:// roots when no object store is configured
var ErrNoObjectStore = errors.New("cloudtrail: s3 root requires an object store")

// ObjectStore lists and reads archive objects. storage.AWSClient implements it.
type ObjectStore interface {
	ListObjects(ctx context.Context, bucket, prefix string, fn func(page []storage.ObjectInfo) error) error
	OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Record is one decoded CloudTrail event
type Record = map[string]any

// Stats summarizes a scan
type Stats struct {
	Files   int
	Skipped int
	Records int
	Matches int
}

// Scanner walks archives and reports matching events
type Scanner struct {
	store  ObjectStore
	logger *zap.Logger
}

// NewScanner creates a scanner. store may be nil when only local roots are scanned.
func NewScanner(store ObjectStore, logger *zap.Logger) *Scanner {
	return &Scanner{store: store, logger: logger}
}

// Scan calls fn for every record under root that contains key with a scalar
// value equal to value. Root is a directory or s3://bucket/prefix. Files that
// cannot be read or decoded are logged and skipped.
func (s *Scanner) Scan(ctx context.Context, root, key, value string, fn func(Record) error) (Stats, error) {
	var stats Stats

	visit := func(name string, open func() (io.ReadCloser, error)) error {
		if !isArchive(name) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Files++

		records, err := s.readFile(name, open)
		if err != nil {
			stats.Skipped++
			s.logger.Warn("Skipping unreadable file", zap.String("file", name), zap.Error(err))
			return nil
		}

		for _, record := range records {
			stats.Records++
			if !Match(record, key, value) {
				continue
			}
			stats.Matches++
			if err := fn(record); err != nil {
				return err
			}
		}
		return nil
	}

	var err error
	if bucket, prefix, ok := parseS3URI(root); ok {
		err = s.scanS3(ctx, bucket, prefix, visit)
	} else {
		err = scanDir(root, visit)
	}

	s.logger.Info("Scan finished",
		zap.String("root", root),
		zap.Int("files", stats.Files),
		zap.Int("skipped", stats.Skipped),
		zap.Int("records", stats.Records),
		zap.Int("matches", stats.Matches),
	)
	return stats, err
}

type visitFunc func(name string, open func() (io.ReadCloser, error)) error

func scanDir(root string, visit visitFunc) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		return visit(path, func() (io.ReadCloser, error) { return os.Open(path) })
	})
}

func (s *Scanner) scanS3(ctx context.Context, bucket, prefix string, visit visitFunc) error {
	if s.store == nil {
		return ErrNoObjectStore
	}
	return s.store.ListObjects(ctx, bucket, prefix, func(page []storage.ObjectInfo) error {
		for _, obj := range page {
			key := obj.Key
			err := visit("s3://"+bucket+"/"+key, func() (io.ReadCloser, error) {
				return s.store.OpenObject(ctx, bucket, key)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Scanner) readFile(name string, open func() (io.ReadCloser, error)) ([]Record, error) {
	f, err := open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(name, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	return decode(r)
}

// decode reads a CloudTrail document. Numbers are kept as json.Number so they
// compare against the search value textually.
func decode(r io.Reader) ([]Record, error) {
	var doc struct {
		Records []Record `json:"Records"`
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode CloudTrail document: %w", err)
	}
	return doc.Records, nil
}

// Match reports whether v, searched through nested objects and arrays, holds
// key with a scalar value whose text equals value
func Match(v any, key, value string) bool {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if k == key {
				if s, ok := scalar(child); ok && s == value {
					return true
				}
			}
			if Match(child, key, value) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if Match(child, key, value) {
				return true
			}
		}
	}
	return false
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	}
	return "", false
}

// Format renders a record as indented JSON with sorted keys
func Format(record Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(record); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isArchive(name string) bool {
	return strings.HasSuffix(name, ".gz") || strings.HasSuffix(name, ".json")
}

func parseS3URI(root string) (bucket, prefix string, ok bool) {
	rest, found := strings.CutPrefix(root, "s3://")
	if !found || rest == "" {
		return "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, prefix, bucket != ""
}
