package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"awsops/internal/awsclient"
	"awsops/internal/cloudtrail"
	"awsops/internal/storage"
)

func newCloudTrailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cloudtrail-scan [ROOT KEY VALUE]",
		Short: "Print CloudTrail events that contain a key/value pair",
		Long: `Walks ROOT, a local directory or s3://bucket/prefix, reading every .json and
.json.gz CloudTrail file. Every event whose nested fields contain KEY with the
value VALUE is printed as indented JSON.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 3 {
				return fmt.Errorf("expected ROOT KEY VALUE, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer log.Sync()

			search := cfg.CloudTrail
			if len(args) == 3 {
				search.Root, search.Key, search.Value = args[0], args[1], args[2]
			}
			if search.Root == "" || search.Key == "" {
				return fmt.Errorf("root and key are required")
			}

			ctx, cancel := signalContext(log)
			defer cancel()

			var store cloudtrail.ObjectStore
			if strings.HasPrefix(search.Root, "s3://") {
				awsCfg, err := awsclient.Load(ctx, cfg.AWS)
				if err != nil {
					return err
				}
				store = storage.NewAWSClient(awsCfg, storage.AWSOptions{
					Endpoint:     cfg.AWS.Endpoint,
					UsePathStyle: cfg.AWS.UsePathStyle,
				})
			}

			out := cmd.OutOrStdout()
			_, err = cloudtrail.NewScanner(store, log).Scan(ctx, search.Root, search.Key, search.Value, func(r cloudtrail.Record) error {
				data, err := cloudtrail.Format(r)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			})
			return err
		},
	}
}
