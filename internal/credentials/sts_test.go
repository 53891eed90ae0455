package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSTS struct {
	AssumeRoleFunc func(context.Context, *sts.AssumeRoleInput, ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

func (m *mockSTS) AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, opts ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	return m.AssumeRoleFunc(ctx, in, opts...)
}

func TestSTSAssumer_AssumeRole(t *testing.T) {
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var gotInput *sts.AssumeRoleInput

	a := NewSTSAssumerWithClient(&mockSTS{
		AssumeRoleFunc: func(_ context.Context, in *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
			gotInput = in
			return &sts.AssumeRoleOutput{
				Credentials: &ststypes.Credentials{
					AccessKeyId:     aws.String("ASIAEXAMPLE"),
					SecretAccessKey: aws.String("secret"),
					SessionToken:    aws.String("token"),
					Expiration:      aws.Time(expires),
				},
			}, nil
		},
	})

	creds, err := a.AssumeRole(context.Background(), "arn:aws:iam::111111111111:role/archiver", "session")
	require.NoError(t, err)

	assert.Equal(t, "arn:aws:iam::111111111111:role/archiver", aws.ToString(gotInput.RoleArn))
	assert.Equal(t, "session", aws.ToString(gotInput.RoleSessionName))
	assert.Equal(t, Credentials{
		AccessKeyID:     "ASIAEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Expires:         expires,
	}, creds)
}

func TestSTSAssumer_Errors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		out     *sts.AssumeRoleOutput
		wantErr error
	}{
		{
			name:    "access denied",
			err:     &smithy.GenericAPIError{Code: "AccessDenied", Message: "not allowed"},
			wantErr: ErrAuthorization,
		},
		{
			name:    "invalid role",
			err:     &smithy.GenericAPIError{Code: "ValidationError", Message: "bad arn"},
			wantErr: ErrRoleNotFound,
		},
		{
			name: "network failure",
			err:  errors.New("dial tcp: i/o timeout"),
		},
		{
			name: "empty credentials",
			out:  &sts.AssumeRoleOutput{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewSTSAssumerWithClient(&mockSTS{
				AssumeRoleFunc: func(context.Context, *sts.AssumeRoleInput, ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
					return tt.out, tt.err
				},
			})

			_, err := a.AssumeRole(context.Background(), "arn", "session")
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
