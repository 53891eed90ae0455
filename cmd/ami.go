package main

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/spf13/cobra"

	"awsops/internal/ami"
	"awsops/internal/awsclient"
)

func newPromoteAMICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote-ami AMI_ID ACCOUNT_ID",
		Short: "Share an AMI and its snapshots with another account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signalContext(log)
			defer cancel()

			awsCfg, err := awsclient.Load(ctx, cfg.AWS)
			if err != nil {
				return err
			}

			result, err := ami.NewPromoter(ec2.NewFromConfig(awsCfg), log).Promote(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "promoted %s to %s (snapshots: %v)\n", result.ImageID, result.AccountID, result.SnapshotIDs)
			return nil
		},
	}
}
