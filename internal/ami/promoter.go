// Package ami shares an image and its backing snapshots with another account.
package ami

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"
)

// PromotedTag marks an image as shared with the production account
const PromotedTag = "PromotedtoProd"

var (
	// ErrImageNotFound is returned when the image cannot be described
	ErrImageNotFound = errors.New("ami: image not found")

	// ErrInvalidAccount is returned for account ids that are not 12 digits
	ErrInvalidAccount = errors.New("ami: invalid account id")
)

var accountIDPattern = regexp.MustCompile(`^\d{12}$`)

// API is the subset of the EC2 client used by Promoter
type API interface {
	ModifyImageAttribute(ctx context.Context, in *ec2.ModifyImageAttributeInput, opts ...func(*ec2.Options)) (*ec2.ModifyImageAttributeOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, opts ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	ModifySnapshotAttribute(ctx context.Context, in *ec2.ModifySnapshotAttributeInput, opts ...func(*ec2.Options)) (*ec2.ModifySnapshotAttributeOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, opts ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

// Result lists what was shared
type Result struct {
	ImageID     string
	AccountID   string
	SnapshotIDs []string
}

// Promoter grants launch permissions on images
type Promoter struct {
	client API
	logger *zap.Logger
}

// NewPromoter creates an image promoter
func NewPromoter(client API, logger *zap.Logger) *Promoter {
	return &Promoter{client: client, logger: logger}
}

// Promote lets accountID launch imageID, lets it create volumes from every
// EBS snapshot behind the image and tags the image as promoted
func (p *Promoter) Promote(ctx context.Context, imageID, accountID string) (Result, error) {
	result := Result{ImageID: imageID, AccountID: accountID}
	if !accountIDPattern.MatchString(accountID) {
		return result, fmt.Errorf("%w: %q", ErrInvalidAccount, accountID)
	}
	logger := p.logger.With(zap.String("image_id", imageID), zap.String("account_id", accountID))

	_, err := p.client.ModifyImageAttribute(ctx, &ec2.ModifyImageAttributeInput{
		ImageId:       aws.String(imageID),
		OperationType: types.OperationTypeAdd,
		LaunchPermission: &types.LaunchPermissionModifications{
			Add: []types.LaunchPermission{{UserId: aws.String(accountID)}},
		},
	})
	if err != nil {
		return result, fmt.Errorf("failed to add launch permission: %w", err)
	}
	logger.Info("Launch permission added")

	out, err := p.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ExecutableUsers: []string{accountID},
		ImageIds:        []string{imageID},
	})
	if err != nil {
		return result, fmt.Errorf("failed to describe image: %w", err)
	}
	if len(out.Images) == 0 {
		return result, fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}

	for _, mapping := range out.Images[0].BlockDeviceMappings {
		if mapping.Ebs == nil || mapping.Ebs.SnapshotId == nil {
			continue
		}
		snapshotID := aws.ToString(mapping.Ebs.SnapshotId)

		_, err := p.client.ModifySnapshotAttribute(ctx, &ec2.ModifySnapshotAttributeInput{
			SnapshotId:    aws.String(snapshotID),
			OperationType: types.OperationTypeAdd,
			CreateVolumePermission: &types.CreateVolumePermissionModifications{
				Add: []types.CreateVolumePermission{{UserId: aws.String(accountID)}},
			},
		})
		if err != nil {
			return result, fmt.Errorf("failed to share snapshot %s: %w", snapshotID, err)
		}
		result.SnapshotIDs = append(result.SnapshotIDs, snapshotID)
		logger.Info("Snapshot shared", zap.String("snapshot_id", snapshotID))
	}

	_, err = p.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{imageID},
		Tags:      []types.Tag{{Key: aws.String(PromotedTag), Value: aws.String("true")}},
	})
	if err != nil {
		return result, fmt.Errorf("failed to tag image: %w", err)
	}

	logger.Info("Image promoted", zap.Strings("snapshot_ids", result.SnapshotIDs))
	return result, nil
}
