// Package credentials holds the temporary cross-account credentials shared by
// every copy worker and coordinates their refresh.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAssumeRole is returned when the initial role assumption fails
	ErrAssumeRole = errors.New("credentials: role assumption failed")

	// ErrRefreshExhausted is returned once refresh failures reach the configured
	// limit inside the failure window. No copy can proceed without credentials.
	ErrRefreshExhausted = errors.New("credentials: refresh failures exhausted")
)

// Credentials is an immutable snapshot of one assumed-role session.
// Generation increments every time a new snapshot is installed.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expires         time.Time
	Generation      uint64
}

// Expired reports whether the credentials are expired at now, treating the
// last window before expiry as expired already.
func (c Credentials) Expired(now time.Time, window time.Duration) bool {
	return !now.Before(c.Expires.Add(-window))
}

// Assumer obtains fresh credentials for a role
type Assumer interface {
	AssumeRole(ctx context.Context, roleARN, sessionName string) (Credentials, error)
}

// RefreshError reports a single failed refresh attempt that has not yet
// exhausted the failure budget.
type RefreshError struct {
	Failures int
	Err      error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("credentials: refresh failed (%d recent failures): %v", e.Failures, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Options configures a Holder
type Options struct {
	RoleARN       string
	SessionName   string
	RefreshWindow time.Duration
	FailureLimit  int
	FailureWindow time.Duration
	PollInterval  time.Duration

	// Now overrides the clock, used by tests
	Now func() time.Time
	// OnRefresh is called after every refresh attempt
	OnRefresh func(success bool)
}

// Holder owns the authoritative credential snapshot. Reads are lock free;
// at most one caller performs a refresh at a time.
type Holder struct {
	assumer Assumer
	opts    Options
	logger  *zap.Logger

	current     atomic.Pointer[Credentials]
	refreshMu   sync.Mutex
	failures    []time.Time // guarded by refreshMu
	refreshes   atomic.Int64
	attempts    atomic.Uint64
	lastFailure atomic.Pointer[failedRefresh]
}

// failedRefresh is the outcome of the latest failed refresh attempt
type failedRefresh struct {
	seq        uint64
	generation uint64
	started    time.Time
	err        error
}

// NewHolder creates a holder. Seed must be called before Current.
func NewHolder(assumer Assumer, opts Options, logger *zap.Logger) *Holder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FailureLimit <= 0 {
		opts.FailureLimit = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	return &Holder{
		assumer: assumer,
		opts:    opts,
		logger:  logger,
	}
}

// Seed performs the first role assumption and installs generation 1
func (h *Holder) Seed(ctx context.Context) error {
	h.logger.Info("Assuming role", zap.String("role_arn", h.opts.RoleARN))

	creds, err := h.assumer.AssumeRole(ctx, h.opts.RoleARN, h.opts.SessionName)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrAssumeRole, h.opts.RoleARN, err)
	}

	creds.Generation = 1
	h.current.Store(&creds)
	h.logger.Info("Role assumed", zap.Time("expires", creds.Expires))
	return nil
}

// Current returns the latest credential snapshot
func (h *Holder) Current() Credentials {
	if c := h.current.Load(); c != nil {
		return *c
	}
	return Credentials{}
}

// Refreshes returns the number of successful refresh calls since Seed
func (h *Holder) Refreshes() int64 {
	return h.refreshes.Load()
}

// RefreshIfExpired replaces the observed snapshot if it is still current and
// expired. Callers that observed a snapshot another caller has already
// replaced get the replacement without a new role assumption. While another
// caller is refreshing, this polls Current instead of waiting on the call.
//
// A failed attempt is shared: callers that were waiting on it, and callers
// arriving within PollInterval of its start, get its error instead of making
// their own call.
func (h *Holder) RefreshIfExpired(ctx context.Context, observed Credentials) (Credentials, error) {
	seen := h.attempts.Load()
	for {
		cur := h.Current()
		if cur.Generation != observed.Generation {
			return cur, nil
		}
		if !cur.Expired(h.opts.Now(), h.opts.RefreshWindow) {
			return cur, nil
		}
		if err := h.sharedFailure(cur, seen); err != nil {
			return cur, err
		}

		if h.refreshMu.TryLock() {
			creds, err := h.refreshLocked(ctx, observed, seen)
			h.refreshMu.Unlock()
			return creds, err
		}

		select {
		case <-ctx.Done():
			return cur, ctx.Err()
		case <-time.After(h.opts.PollInterval):
		}
	}
}

// sharedFailure returns the error of the latest failed attempt for cur if the
// caller waited on it or it started less than PollInterval ago
func (h *Holder) sharedFailure(cur Credentials, seen uint64) error {
	f := h.lastFailure.Load()
	if f == nil || f.generation != cur.Generation {
		return nil
	}
	if f.seq > seen || h.opts.Now().Before(f.started.Add(h.opts.PollInterval)) {
		return f.err
	}
	return nil
}

func (h *Holder) refreshLocked(ctx context.Context, observed Credentials, seen uint64) (Credentials, error) {
	// Another caller may have finished an attempt between the check and the lock
	cur := h.Current()
	if cur.Generation != observed.Generation {
		return cur, nil
	}
	if err := h.sharedFailure(cur, seen); err != nil {
		return cur, err
	}

	h.logger.Info("Credentials expired, assuming role again",
		zap.Uint64("generation", cur.Generation),
		zap.Time("expired", cur.Expires),
	)

	started := h.opts.Now()
	creds, err := h.assumer.AssumeRole(ctx, h.opts.RoleARN, h.opts.SessionName)
	seq := h.attempts.Add(1)
	if err != nil {
		if h.opts.OnRefresh != nil {
			h.opts.OnRefresh(false)
		}
		if ctx.Err() != nil {
			return cur, ctx.Err()
		}
		err = h.recordFailure(err)
		h.lastFailure.Store(&failedRefresh{
			seq:        seq,
			generation: cur.Generation,
			started:    started,
			err:        err,
		})
		return cur, err
	}

	h.failures = h.failures[:0]
	h.lastFailure.Store(nil)
	creds.Generation = cur.Generation + 1
	h.current.Store(&creds)
	h.refreshes.Add(1)
	if h.opts.OnRefresh != nil {
		h.opts.OnRefresh(true)
	}

	h.logger.Info("Credentials refreshed",
		zap.Uint64("generation", creds.Generation),
		zap.Time("expires", creds.Expires),
	)
	return creds, nil
}

// recordFailure must be called with refreshMu held
func (h *Holder) recordFailure(err error) error {
	now := h.opts.Now()
	cutoff := now.Add(-h.opts.FailureWindow)

	kept := h.failures[:0]
	for _, t := range h.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.failures = append(kept, now)

	h.logger.Warn("Credential refresh failed",
		zap.Int("recent_failures", len(h.failures)),
		zap.Int("limit", h.opts.FailureLimit),
		zap.Error(err),
	)

	if len(h.failures) >= h.opts.FailureLimit {
		return fmt.Errorf("%w after %d attempts: %w", ErrRefreshExhausted, len(h.failures), err)
	}
	return &RefreshError{Failures: len(h.failures), Err: err}
}
