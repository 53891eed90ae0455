package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"awsops/internal/app"
	"awsops/internal/awsclient"
	"awsops/internal/config"
	"awsops/internal/credentials"
	"awsops/internal/progress"
	"awsops/internal/report"
	"awsops/internal/storage"
)

func newCloneBucketCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clone-bucket [SOURCE_BUCKET DESTINATION_BUCKET]",
		Short: "Copy every object of a bucket in another account into a bucket of this account",
		Long: `Assumes a role in the source account and server-side copies every key of the
source bucket into the destination bucket with a pool of concurrent workers.
Credentials are refreshed transparently when the assumed session expires.

Exit codes: 0 success, 1 failure, 2 bucket not found, 3 role assumption or
credential refresh failed, 4 completed with skipped objects.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected SOURCE_BUCKET and DESTINATION_BUCKET, got %d arguments", len(args))
			}
			return nil
		},
		RunE: runCloneBucket,
	}

	flags := cmd.Flags()
	flags.String("role-arn", "", "Role to assume in the source account (required)")
	flags.String("session-name", "assumed-s3-archiver-role", "Session name for the assumed role")
	flags.StringSlice("prefix", nil, "Only copy keys under these prefixes (repeatable)")
	flags.Int("workers", 100, "Number of concurrent copy workers")
	flags.Int("queue-size", 1000, "Maximum number of listed keys waiting for a worker")
	flags.Duration("idle-timeout", 30*time.Second, "Stop a worker after the queue stays empty this long")
	flags.String("acl", "bucket-owner-full-control", "Canned ACL applied to copied objects")
	flags.Duration("refresh-window", 0, "Refresh credentials this long before they expire")
	flags.Int("max-auth-retries", 3, "In-place retries of one key after an authorization error")
	flags.Bool("dry-run", false, "List keys without copying")
	flags.String("report", "", "SQLite file recording skipped keys")
	flags.String("metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
	flags.Bool("show-progress", true, "Show progress display (auto-disabled for dry-run)")

	return cmd
}

func runCloneBucket(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if len(args) == 2 {
		cfg.CloneBucket.SourceBucket = args[0]
		cfg.CloneBucket.DestinationBucket = args[1]
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	awsCfg, err := awsclient.Load(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	client, err := newStorageClient(cfg.AWS, awsCfg)
	if err != nil {
		return err
	}

	deps := app.Deps{
		Storage: client,
		Assumer: credentials.NewSTSAssumer(awsCfg),
	}

	if cfg.CloneBucket.ReportPath != "" {
		store, err := report.NewSQLiteStore(cfg.CloneBucket.ReportPath)
		if err != nil {
			return fmt.Errorf("failed to open report: %w", err)
		}
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				log.Error("Error closing report", zap.Error(closeErr))
			}
		}()
		deps.Report = store
	}

	if cfg.CloneBucket.ShowProgress && !cfg.CloneBucket.DryRun && progress.IsTerminalSupported(os.Stderr) {
		deps.ProgressOut = os.Stderr
	}

	return cloneBucket(ctx, cfg.CloneBucket, log, deps, cmd.OutOrStdout())
}

// cloneBucket runs one copy job and prints its summary. A run that skipped
// keys returns errSkipped.
func cloneBucket(ctx context.Context, cfg config.CloneBucket, log *zap.Logger, deps app.Deps, out io.Writer) error {
	cloner, err := app.New(cfg, log, deps)
	if err != nil {
		return fmt.Errorf("failed to create bucket copy: %w", err)
	}

	summary, err := cloner.Run(ctx)
	printSummary(out, summary)
	if err != nil {
		return err
	}
	if summary.Skipped > 0 {
		return fmt.Errorf("%w: %d keys", errSkipped, summary.Skipped)
	}
	return nil
}

func newStorageClient(cfg config.AWS, awsCfg aws.Config) (storage.Client, error) {
	if cfg.Backend == config.BackendMinIO {
		client, err := storage.NewMinIOClient(storage.MinIOOptions{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKeyID,
			SecretKey: cfg.SecretAccessKey,
			Region:    cfg.Region,
			Secure:    cfg.Secure,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
		return client, nil
	}
	return storage.NewAWSClient(awsCfg, storage.AWSOptions{
		Endpoint:     cfg.Endpoint,
		UsePathStyle: cfg.UsePathStyle,
	}), nil
}

func printSummary(w io.Writer, s app.Summary) {
	fmt.Fprintf(w, "Run:        %s\n", s.RunID)
	fmt.Fprintf(w, "Discovered: %d\n", s.Discovered)
	fmt.Fprintf(w, "Copied:     %d\n", s.Completed)
	fmt.Fprintf(w, "Requeued:   %d\n", s.Requeued)
	fmt.Fprintf(w, "Skipped:    %d\n", s.Skipped)
	fmt.Fprintf(w, "Refreshes:  %d\n", s.Refreshes)
	fmt.Fprintf(w, "Duration:   %s\n", progress.FormatDuration(s.Duration))
	for _, key := range s.SkippedKeys {
		fmt.Fprintf(w, "  skipped: %s\n", key)
	}
}
