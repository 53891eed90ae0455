// Package route53 lists hosted zones and upserts record sets across them.
package route53

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"go.uber.org/zap"
)

// API is the subset of the Route53 client used by Manager
type API interface {
	route53.ListHostedZonesAPIClient
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, opts ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// Zone is a hosted zone
type Zone struct {
	ID      string
	Name    string
	Private bool
}

// Manager reads and changes hosted zones
type Manager struct {
	client API
	logger *zap.Logger
}

// NewManager creates a zone manager
func NewManager(client API, logger *zap.Logger) *Manager {
	return &Manager{client: client, logger: logger}
}

// ListZones returns every hosted zone in the account
func (m *Manager) ListZones(ctx context.Context) ([]Zone, error) {
	var zones []Zone

	paginator := route53.NewListHostedZonesPaginator(m.client, &route53.ListHostedZonesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list hosted zones: %w", err)
		}
		for _, hz := range page.HostedZones {
			zones = append(zones, Zone{
				ID:      aws.ToString(hz.Id),
				Name:    aws.ToString(hz.Name),
				Private: hz.Config != nil && hz.Config.PrivateZone,
			})
		}
	}

	m.logger.Debug("Listed hosted zones", zap.Int("count", len(zones)))
	return zones, nil
}

// Upsert sends one UPSERT change batch with every record to each public zone
// named in zoneNames. It returns the zones that were changed.
func (m *Manager) Upsert(ctx context.Context, zoneNames []string, records []Record) ([]Zone, error) {
	wanted := make(map[string]bool, len(zoneNames))
	for _, name := range zoneNames {
		wanted[canonical(name)] = true
	}

	zones, err := m.ListZones(ctx)
	if err != nil {
		return nil, err
	}

	var changed []Zone
	for _, zone := range zones {
		if !wanted[canonical(zone.Name)] {
			continue
		}
		if zone.Private {
			m.logger.Info("Skipping private hosted zone", zap.String("zone", zone.Name))
			continue
		}

		m.logger.Info("Upserting records",
			zap.String("zone", zone.Name),
			zap.String("zone_id", zone.ID),
			zap.Int("records", len(records)),
		)
		_, err := m.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
			HostedZoneId: aws.String(zone.ID),
			ChangeBatch: &types.ChangeBatch{
				Changes: changes(records, canonical(zone.Name)),
			},
		})
		if err != nil {
			return changed, fmt.Errorf("failed to upsert records in %s: %w", zone.Name, err)
		}
		changed = append(changed, zone)
	}
	return changed, nil
}

func changes(records []Record, zone string) []types.Change {
	out := make([]types.Change, 0, len(records))
	for _, r := range records {
		values := make([]types.ResourceRecord, 0, len(r.Values))
		for _, v := range r.Values {
			values = append(values, types.ResourceRecord{Value: aws.String(v)})
		}
		out = append(out, types.Change{
			Action: types.ChangeActionUpsert,
			ResourceRecordSet: &types.ResourceRecordSet{
				Name:            aws.String(qualify(r.Name, zone)),
				Type:            types.RRType(r.Type),
				TTL:             aws.Int64(r.TTL),
				ResourceRecords: values,
			},
		})
	}
	return out
}
