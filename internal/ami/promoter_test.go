package ami

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockAPI struct {
	images   []types.Image
	shareErr error

	imageCalls    []*ec2.ModifyImageAttributeInput
	snapshotCalls []*ec2.ModifySnapshotAttributeInput
	tagCalls      []*ec2.CreateTagsInput
}

func (m *mockAPI) ModifyImageAttribute(_ context.Context, in *ec2.ModifyImageAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyImageAttributeOutput, error) {
	m.imageCalls = append(m.imageCalls, in)
	return &ec2.ModifyImageAttributeOutput{}, nil
}

func (m *mockAPI) DescribeImages(_ context.Context, _ *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{Images: m.images}, nil
}

func (m *mockAPI) ModifySnapshotAttribute(_ context.Context, in *ec2.ModifySnapshotAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifySnapshotAttributeOutput, error) {
	if m.shareErr != nil {
		return nil, m.shareErr
	}
	m.snapshotCalls = append(m.snapshotCalls, in)
	return &ec2.ModifySnapshotAttributeOutput{}, nil
}

func (m *mockAPI) CreateTags(_ context.Context, in *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	m.tagCalls = append(m.tagCalls, in)
	return &ec2.CreateTagsOutput{}, nil
}

func image(snapshots ...string) types.Image {
	img := types.Image{ImageId: aws.String("ami-0abc")}
	for _, id := range snapshots {
		img.BlockDeviceMappings = append(img.BlockDeviceMappings, types.BlockDeviceMapping{
			DeviceName: aws.String("/dev/xvda"),
			Ebs:        &types.EbsBlockDevice{SnapshotId: aws.String(id)},
		})
	}
	// instance store volumes carry no snapshot
	img.BlockDeviceMappings = append(img.BlockDeviceMappings, types.BlockDeviceMapping{
		DeviceName:  aws.String("/dev/sdb"),
		VirtualName: aws.String("ephemeral0"),
	})
	return img
}

func TestPromoter_Promote(t *testing.T) {
	api := &mockAPI{images: []types.Image{image("snap-1", "snap-2")}}

	result, err := NewPromoter(api, zap.NewNop()).Promote(context.Background(), "ami-0abc", "123456789012")
	require.NoError(t, err)
	assert.Equal(t, []string{"snap-1", "snap-2"}, result.SnapshotIDs)

	require.Len(t, api.imageCalls, 1)
	launch := api.imageCalls[0].LaunchPermission.Add
	require.Len(t, launch, 1)
	assert.Equal(t, "123456789012", *launch[0].UserId)

	require.Len(t, api.snapshotCalls, 2)
	assert.Equal(t, "snap-2", *api.snapshotCalls[1].SnapshotId)
	assert.Equal(t, types.OperationTypeAdd, api.snapshotCalls[1].OperationType)
	assert.Equal(t, "123456789012", *api.snapshotCalls[1].CreateVolumePermission.Add[0].UserId)

	require.Len(t, api.tagCalls, 1)
	assert.Equal(t, []string{"ami-0abc"}, api.tagCalls[0].Resources)
	assert.Equal(t, PromotedTag, *api.tagCalls[0].Tags[0].Key)
	assert.Equal(t, "true", *api.tagCalls[0].Tags[0].Value)
}

func TestPromoter_Errors(t *testing.T) {
	t.Run("invalid account", func(t *testing.T) {
		api := &mockAPI{}
		_, err := NewPromoter(api, zap.NewNop()).Promote(context.Background(), "ami-0abc", "12345")
		assert.ErrorIs(t, err, ErrInvalidAccount)
		assert.Empty(t, api.imageCalls)
	})

	t.Run("image not found", func(t *testing.T) {
		api := &mockAPI{}
		_, err := NewPromoter(api, zap.NewNop()).Promote(context.Background(), "ami-0abc", "123456789012")
		assert.ErrorIs(t, err, ErrImageNotFound)
		assert.Empty(t, api.tagCalls)
	})

	t.Run("snapshot share fails", func(t *testing.T) {
		api := &mockAPI{images: []types.Image{image("snap-1")}, shareErr: errors.New("UnauthorizedOperation")}
		_, err := NewPromoter(api, zap.NewNop()).Promote(context.Background(), "ami-0abc", "123456789012")
		assert.ErrorIs(t, err, api.shareErr)
		assert.Empty(t, api.tagCalls, "image is not tagged when a snapshot was not shared")
	})
}
