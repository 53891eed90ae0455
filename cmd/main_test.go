package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"awsops/internal/app"
	"awsops/internal/config"
	"awsops/internal/credentials"
	"awsops/internal/storage"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: exitOK},
		{name: "bucket not found", err: fmt.Errorf("%w: archive", storage.ErrBucketNotFound), want: exitBucketNotFound},
		{name: "assume role", err: fmt.Errorf("%w: arn: AccessDenied", credentials.ErrAssumeRole), want: exitAssumeRole},
		{name: "refresh exhausted", err: fmt.Errorf("%w after 3 attempts", credentials.ErrRefreshExhausted), want: exitAssumeRole},
		{name: "skipped", err: fmt.Errorf("%w: 2 keys", errSkipped), want: exitSkipped},
		{name: "workers exited", err: app.ErrWorkersExited, want: exitFailure},
		{name: "other", err: errors.New("boom"), want: exitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRootCommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"clone-bucket", "cf-status", "route53", "promote-ami", "cloudtrail-scan", "clone-rds"})
}

func TestCloneBucketArgs(t *testing.T) {
	cmd := newCloneBucketCmd()
	assert.NoError(t, cmd.Args(cmd, nil))
	assert.NoError(t, cmd.Args(cmd, []string{"src", "dst"}))
	assert.Error(t, cmd.Args(cmd, []string{"src"}))
}

// goneStorage lists keys but reports the given ones as deleted on copy
type goneStorage struct {
	keys []string
	gone map[string]bool
}

func (s *goneStorage) BucketExists(context.Context, string) (bool, error) { return true, nil }

func (s *goneStorage) ListObjects(_ context.Context, _, _ string, fn func([]storage.ObjectInfo) error) error {
	page := make([]storage.ObjectInfo, 0, len(s.keys))
	for _, k := range s.keys {
		page = append(page, storage.ObjectInfo{Key: k})
	}
	return fn(page)
}

func (s *goneStorage) CopyObject(_ context.Context, in storage.CopyInput, _ credentials.Credentials) error {
	if s.gone[in.SourceKey] {
		return &storage.CopyError{Kind: storage.KindPermanent, Op: "CopyObject", Key: in.SourceKey, Err: errors.New("NoSuchKey")}
	}
	return nil
}

type staticAssumer struct{}

func (staticAssumer) AssumeRole(context.Context, string, string) (credentials.Credentials, error) {
	return credentials.Credentials{
		AccessKeyID:     "ASIAEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Expires:         time.Now().Add(time.Hour),
	}, nil
}

func TestCloneBucket_ExitCodes(t *testing.T) {
	tests := []struct {
		name string
		gone map[string]bool
		want int
	}{
		{name: "all copied", want: exitOK},
		{name: "skipped keys", gone: map[string]bool{"b.txt": true}, want: exitSkipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default().CloneBucket
			cfg.SourceBucket = "src"
			cfg.DestinationBucket = "dst"
			cfg.RoleARN = "arn:aws:iam::111111111111:role/archiver"
			cfg.Workers = 2
			cfg.IdleTimeout = 50 * time.Millisecond
			cfg.ShowProgress = false

			deps := app.Deps{
				Storage: &goneStorage{keys: []string{"a.txt", "b.txt", "c.txt"}, gone: tt.gone},
				Assumer: staticAssumer{},
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			var out bytes.Buffer
			err := cloneBucket(ctx, cfg, zap.NewNop(), deps, &out)
			assert.Equal(t, tt.want, exitCode(err))
			assert.Contains(t, out.String(), "Discovered: 3")
			for k := range tt.gone {
				require.ErrorIs(t, err, errSkipped)
				assert.Contains(t, out.String(), "skipped: "+k)
			}
		})
	}
}
