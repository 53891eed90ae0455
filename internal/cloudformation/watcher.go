// Package cloudformation waits for a stack update to settle.
package cloudformation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"awsops/internal/config"
)

const (
	statusInProgress = "UPDATE_IN_PROGRESS"
	statusComplete   = "UPDATE_COMPLETE"
)

var (
	// ErrStackNotFound is returned when the stack does not exist
	ErrStackNotFound = errors.New("cloudformation: stack not found")

	// ErrUpdateFailed is returned when the stack settled in any state other
	// than an update completion
	ErrUpdateFailed = errors.New("cloudformation: stack update did not complete")

	// ErrTimeout is returned when the update is still running after the
	// configured timeout
	ErrTimeout = errors.New("cloudformation: timed out waiting for stack update")
)

// API is the subset of the CloudFormation client used by Watcher
type API interface {
	DescribeStacks(ctx context.Context, in *cloudformation.DescribeStacksInput, opts ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
}

// Watcher polls a stack until its update finishes
type Watcher struct {
	client       API
	pollInterval time.Duration
	timeout      time.Duration
	logger       *zap.Logger

	// OnStatus is called with every status read, including the final one
	OnStatus func(status string)
}

// NewWatcher creates a stack watcher
func NewWatcher(client API, cfg config.CloudFormation, logger *zap.Logger) *Watcher {
	return &Watcher{
		client:       client,
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		logger:       logger,
	}
}

// Status returns the current status of stack
func (w *Watcher) Status(ctx context.Context, stack string) (string, error) {
	out, err := w.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stack),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationError" &&
			strings.Contains(apiErr.ErrorMessage(), "does not exist") {
			return "", fmt.Errorf("%w: %s", ErrStackNotFound, stack)
		}
		return "", fmt.Errorf("failed to describe stack %s: %w", stack, err)
	}
	if len(out.Stacks) == 0 {
		return "", fmt.Errorf("%w: %s", ErrStackNotFound, stack)
	}
	return string(out.Stacks[0].StackStatus), nil
}

// Wait polls stack while an update is in progress. It returns the final
// status, with ErrUpdateFailed when that status is not an update completion.
func (w *Watcher) Wait(ctx context.Context, stack string) (string, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	for {
		status, err := w.Status(ctx, stack)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && w.timeout > 0 {
				return "", fmt.Errorf("%w: %s after %s", ErrTimeout, stack, w.timeout)
			}
			return "", err
		}
		if w.OnStatus != nil {
			w.OnStatus(status)
		}

		switch {
		case strings.Contains(status, statusInProgress):
			w.logger.Debug("Stack update in progress",
				zap.String("stack", stack),
				zap.String("status", status),
				zap.Duration("poll_interval", w.pollInterval),
			)
		case strings.Contains(status, statusComplete):
			w.logger.Info("Stack update complete", zap.String("stack", stack), zap.String("status", status))
			return status, nil
		default:
			w.logger.Error("Stack update failed", zap.String("stack", stack), zap.String("status", status))
			return status, fmt.Errorf("%w: %s is %s", ErrUpdateFailed, stack, status)
		}

		select {
		case <-time.After(w.pollInterval):
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && w.timeout > 0 {
				return status, fmt.Errorf("%w: %s after %s", ErrTimeout, stack, w.timeout)
			}
			return status, ctx.Err()
		}
	}
}
