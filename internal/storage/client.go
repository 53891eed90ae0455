package storage

import (
	"context"
	"time"

	"awsops/internal/credentials"
)

// DefaultPageSize is the listing page size requested from the backend
const DefaultPageSize = 1000

// Client defines the object storage operations used by the bucket copy job
type Client interface {
	// BucketExists reports whether bucket exists and is reachable
	BucketExists(ctx context.Context, bucket string) (bool, error)

	// ListObjects pages through every object under prefix, calling fn once per
	// page in listing order. Returning an error from fn stops the listing.
	ListObjects(ctx context.Context, bucket, prefix string, fn func(page []ObjectInfo) error) error

	// CopyObject performs a server-side copy signed with creds
	CopyObject(ctx context.Context, in CopyInput, creds credentials.Credentials) error
}

// ObjectInfo contains object listing metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// CopyInput describes one server-side copy
type CopyInput struct {
	SourceBucket      string
	SourceKey         string
	DestinationBucket string
	DestinationKey    string
	// ACL is a canned ACL applied to the destination object, e.g.
	// "bucket-owner-full-control". Empty leaves the backend default.
	ACL string
}
