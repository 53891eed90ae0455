package main

import (
	"fmt"
	"time"

	awscfn "github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/spf13/cobra"

	"awsops/internal/awsclient"
	"awsops/internal/cloudformation"
)

func newCFStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cf-status STACK",
		Short: "Wait for a CloudFormation stack update to finish",
		Long: `Polls the stack while its status contains UPDATE_IN_PROGRESS. Exits 0 once
the status contains UPDATE_COMPLETE and 1 for any other status.`,
		Args: cobra.ExactArgs(1),
		RunE: runCFStatus,
	}

	cmd.Flags().Duration("poll-interval", 30*time.Second, "Time between status checks")
	cmd.Flags().Duration("timeout", 0, "Give up after this long (0 waits forever)")
	return cmd
}

func runCFStatus(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.CloudFormation.Validate(); err != nil {
		return fmt.Errorf("invalid cloudformation configuration: %w", err)
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	awsCfg, err := awsclient.Load(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	watcher := cloudformation.NewWatcher(awscfn.NewFromConfig(awsCfg), cfg.CloudFormation, log)
	watcher.OnStatus = func(status string) {
		fmt.Fprintln(cmd.OutOrStdout(), status)
	}

	_, err = watcher.Wait(ctx, args[0])
	return err
}
