package main

import (
	"fmt"

	awsroute53 "github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/spf13/cobra"

	"awsops/internal/awsclient"
	"awsops/internal/route53"
)

func newRoute53Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route53",
		Short: "Inspect and update Route53 hosted zones",
	}

	zones := &cobra.Command{
		Use:   "zones",
		Short: "Print the name of every hosted zone",
		Args:  cobra.NoArgs,
		RunE:  runRoute53Zones,
	}

	upsert := &cobra.Command{
		Use:   "upsert",
		Short: "Upsert record sets into every listed public zone",
		Long: `Reads zone names (one per line) from --zones and a YAML list of record sets
from --records, then sends one UPSERT change batch per matching public zone.
A record name of "" or "@" is the zone apex; relative names are joined to the zone.`,
		Args: cobra.NoArgs,
		RunE: runRoute53Upsert,
	}
	upsert.Flags().String("zones", "", "File with one hosted zone name per line")
	upsert.Flags().String("records", "", "YAML file of record sets {name, type, ttl, values}")

	cmd.AddCommand(zones, upsert)
	return cmd
}

func runRoute53Zones(cmd *cobra.Command, _ []string) error {
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

	zones, err := route53.NewManager(awsroute53.NewFromConfig(awsCfg), log).ListZones(ctx)
	if err != nil {
		return err
	}
	for _, z := range zones {
		fmt.Fprintln(cmd.OutOrStdout(), z.Name)
	}
	return nil
}

func runRoute53Upsert(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := cfg.Route53.Validate(); err != nil {
		return fmt.Errorf("invalid route53 configuration: %w", err)
	}

	zoneNames, err := route53.LoadZones(cfg.Route53.ZonesFile)
	if err != nil {
		return err
	}
	records, err := route53.LoadRecords(cfg.Route53.RecordsFile)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(log)
	defer cancel()

	awsCfg, err := awsclient.Load(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	changed, err := route53.NewManager(awsroute53.NewFromConfig(awsCfg), log).Upsert(ctx, zoneNames, records)
	for _, z := range changed {
		fmt.Fprintf(cmd.OutOrStdout(), "updated %s (%s)\n", z.Name, z.ID)
	}
	return err
}
