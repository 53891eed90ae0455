package main

import (
	"fmt"

	awsrds "github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"awsops/internal/awsclient"
	"awsops/internal/rds"
)

func newCloneRDSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clone-rds",
		Short: "Replace a database in another account with a snapshot of a source database",
		Long: `Snapshots the source instance, shares the snapshot with the target account,
deletes the target instance, restores it from the shared snapshot with the
original instance class and subnet group, resets its master password and
deletes the snapshot. Instances whose ARN names the source account are never
modified.`,
		Args: cobra.NoArgs,
		RunE: runCloneRDS,
	}

	flags := cmd.Flags()
	flags.String("source-account-id", "", "Account that owns the source instance")
	flags.String("source-instance-id", "", "Instance to snapshot")
	flags.String("target-account-id", "", "Account the snapshot is shared with")
	flags.String("target-instance-id", "", "Instance to replace in the target account")
	flags.String("target-role-arn", "", "Role assumed in the target account")
	flags.String("master-password-secret-id", "", "Secrets Manager secret holding the new master password")
	return cmd
}

func runCloneRDS(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.RDS.Validate(); err != nil {
		return fmt.Errorf("invalid rds configuration: %w", err)
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	awsCfg, err := awsclient.Load(ctx, cfg.AWS)
	if err != nil {
		return err
	}
	targetCfg := awsclient.AssumeRole(awsCfg, cfg.RDS.RoleARN, cfg.RDS.SessionName)

	var password rds.PasswordSource = rds.StaticPassword(cfg.RDS.MasterPassword)
	if cfg.RDS.MasterPasswordSecretID != "" {
		password = rds.NewSecretsManagerPassword(secretsmanager.NewFromConfig(awsCfg), cfg.RDS.MasterPasswordSecretID)
	}

	cloner := rds.NewCloner(awsrds.NewFromConfig(awsCfg), awsrds.NewFromConfig(targetCfg), cfg.RDS, password, log)
	result, err := cloner.Clone(ctx)
	if err != nil {
		if result.SnapshotID != "" {
			log.Warn("Clone failed, snapshot left in the source account", zap.String("snapshot", result.SnapshotID))
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "restored %s from %s\n", result.TargetInstanceID, result.SnapshotARN)
	return nil
}
