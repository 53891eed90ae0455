package storage

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrBucketNotFound indicates that a bucket does not exist
var ErrBucketNotFound = errors.New("storage: bucket not found")

// Kind tags a copy failure with the recovery it calls for
type Kind int

const (
	// KindTransient failures are retried by requeueing the key once
	KindTransient Kind = iota
	// KindAuth failures trigger a credential refresh before retrying
	KindAuth
	// KindPermanent failures skip the key
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// CopyError represents a failed storage operation on one object
type CopyError struct {
	Kind   Kind
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("storage.%s %s/%s (%s): %v", e.Op, e.Bucket, e.Key, e.Kind, e.Err)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a copy failure. Errors that are not a
// *CopyError are treated as transient.
func KindOf(err error) Kind {
	var ce *CopyError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// Error codes returned by S3 and S3-compatible services
var authCodes = map[string]bool{
	"ExpiredToken":          true,
	"ExpiredTokenException": true,
	"InvalidToken":          true,
	"TokenRefreshRequired":  true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"AccessDenied":          true,
	"RequestExpired":        true,
}

var transientCodes = map[string]bool{
	"SlowDown":            true,
	"Throttling":          true,
	"ThrottlingException": true,
	"RequestTimeout":      true,
	"InternalError":       true,
	"ServiceUnavailable":  true,
	"OperationAborted":    true,
}

// classify maps a backend error code and HTTP status to a Kind
func classify(code string, status int) Kind {
	switch {
	case authCodes[code]:
		return KindAuth
	case transientCodes[code]:
		return KindTransient
	case code != "":
		return KindPermanent
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests || status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	}

	// Network failures and anything unrecognised get one more try
	return KindTransient
}
