package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"awsops/internal/config"
	"awsops/internal/credentials"
	"awsops/internal/logger"
	"awsops/internal/storage"
)

// Process exit codes
const (
	exitOK             = 0
	exitFailure        = 1
	exitBucketNotFound = 2
	exitAssumeRole     = 3
	exitSkipped        = 4
)

// errSkipped marks a copy that finished but gave up on some keys
var errSkipped = errors.New("completed with skipped objects")

var configFile string

var rootCmd = &cobra.Command{
	Use:   "awsops",
	Short: "Operational tools for AWS accounts",
	Long: `A set of account maintenance tools: cross-account bucket copies, CloudFormation
update polling, Route53 record upserts, AMI promotion, CloudTrail archive search
and cross-account RDS refreshes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (YAML)")
	flags.String("log-level", "info", "Log level (debug/info/warn/error)")

	// AWS flags
	flags.String("region", "", "AWS region")
	flags.String("profile", "", "Shared config profile")
	flags.String("endpoint", "", "Custom endpoint for S3-compatible or local services")
	flags.Bool("use-path-style", false, "Use path-style S3 addressing")
	flags.String("backend", config.BackendAWS, "Storage backend for bucket copies (aws/minio)")
	flags.String("access-key-id", "", "Static access key id")
	flags.String("secret-access-key", "", "Static secret access key")
	flags.Bool("secure", true, "Use HTTPS for the minio backend")

	rootCmd.AddCommand(
		newCloneBucketCmd(),
		newCFStatusCmd(),
		newRoute53Cmd(),
		newPromoteAMICmd(),
		newCloudTrailCmd(),
		newCloneRDSCmd(),
	)
}

// setup loads the configuration and builds the logger for a subcommand
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, storage.ErrBucketNotFound):
		return exitBucketNotFound
	case errors.Is(err, credentials.ErrAssumeRole), errors.Is(err, credentials.ErrRefreshExhausted):
		return exitAssumeRole
	case errors.Is(err, errSkipped):
		return exitSkipped
	default:
		return exitFailure
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
