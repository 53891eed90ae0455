package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

var (
	// ErrAuthorization indicates the calling identity may not assume the role
	ErrAuthorization = errors.New("credentials: not authorized to assume role")

	// ErrRoleNotFound indicates the role ARN is malformed or does not exist
	ErrRoleNotFound = errors.New("credentials: role not found")
)

// STSAPI is the subset of the STS client used by STSAssumer
type STSAPI interface {
	AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, opts ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// STSAssumer assumes roles through AWS STS
type STSAssumer struct {
	client STSAPI
}

// NewSTSAssumer creates an assumer from an aws config
func NewSTSAssumer(cfg aws.Config, optFns ...func(*sts.Options)) *STSAssumer {
	return &STSAssumer{client: sts.NewFromConfig(cfg, optFns...)}
}

// NewSTSAssumerWithClient wraps an existing STS client
func NewSTSAssumerWithClient(client STSAPI) *STSAssumer {
	return &STSAssumer{client: client}
}

// AssumeRole implements Assumer
func (a *STSAssumer) AssumeRole(ctx context.Context, roleARN, sessionName string) (Credentials, error) {
	out, err := a.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(sessionName),
	})
	if err != nil {
		return Credentials{}, classifySTSError(err)
	}
	if out.Credentials == nil {
		return Credentials{}, fmt.Errorf("sts.AssumeRole %s: response carried no credentials", roleARN)
	}

	return Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expires:         aws.ToTime(out.Credentials.Expiration),
	}, nil
}

func classifySTSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException":
			return fmt.Errorf("%w: %w", ErrAuthorization, err)
		case "NoSuchEntity", "ValidationError", "MalformedPolicyDocument", "InvalidParameterValue":
			return fmt.Errorf("%w: %w", ErrRoleNotFound, err)
		}
	}
	return fmt.Errorf("sts.AssumeRole: %w", err)
}
