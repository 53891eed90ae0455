package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"awsops/internal/credentials"
)

// S3API is the subset of the S3 client used by AWSClient
type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// AWSOptions configures the S3 client
type AWSOptions struct {
	Endpoint     string
	UsePathStyle bool
	PageSize     int32
}

// AWSClient implements Client on top of aws-sdk-go-v2
type AWSClient struct {
	client   S3API
	pageSize int32
}

// NewAWSClient creates an S3 client from an aws config
func NewAWSClient(cfg aws.Config, opts AWSOptions) *AWSClient {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		// set path style for S3-compatible endpoints
		o.UsePathStyle = opts.UsePathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewAWSClientWithAPI(client, opts.PageSize)
}

// NewAWSClientWithAPI wraps an existing S3 API implementation
func NewAWSClientWithAPI(client S3API, pageSize int32) *AWSClient {
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}
	return &AWSClient{client: client, pageSize: pageSize}
}

// BucketExists implements Client. A 403 means the bucket exists but the
// caller's account does not own it, which is the normal case for the source
// bucket of a cross-account copy.
func (c *AWSClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return true, nil
	}

	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return false, nil
	}

	switch statusCode(err) {
	case http.StatusNotFound:
		return false, nil
	case http.StatusForbidden:
		return true, nil
	}
	return false, fmt.Errorf("storage.HeadBucket %s: %w", bucket, err)
}

// ListObjects implements Client
func (c *AWSClient) ListObjects(ctx context.Context, bucket, prefix string, fn func(page []ObjectInfo) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(c.pageSize),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	paginator := s3.NewListObjectsV2Paginator(c.client, input)
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			if isNoSuchBucket(err) {
				return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
			}
			return fmt.Errorf("storage.ListObjectsV2 %s/%s: %w", bucket, prefix, err)
		}

		page := make([]ObjectInfo, 0, len(out.Contents))
		for _, obj := range out.Contents {
			page = append(page, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         aws.ToString(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		if len(page) == 0 {
			continue
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

// CopyObject implements Client. The copy is signed with creds rather than
// the client's default credential chain.
func (c *AWSClient) CopyObject(ctx context.Context, in CopyInput, creds credentials.Credentials) error {
	input := &s3.CopyObjectInput{
		Bucket:     aws.String(in.DestinationBucket),
		Key:        aws.String(in.DestinationKey),
		CopySource: aws.String(copySource(in.SourceBucket, in.SourceKey)),
	}
	if in.ACL != "" {
		input.ACL = types.ObjectCannedACL(in.ACL)
	}

	_, err := c.client.CopyObject(ctx, input, func(o *s3.Options) {
		o.Credentials = awscreds.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
	})
	if err != nil {
		return classifyAWSError("CopyObject", in.SourceBucket, in.SourceKey, err)
	}
	return nil
}

// OpenObject streams an object body with the client's default credentials
func (c *AWSClient) OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyAWSError("GetObject", bucket, key, err)
	}
	return out.Body, nil
}

// copySource URL-encodes every key segment, keeping the separators
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

func classifyAWSError(op, bucket, key string, err error) error {
	var code string
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	return &CopyError{
		Kind:   classify(code, statusCode(err)),
		Op:     op,
		Bucket: bucket,
		Key:    key,
		Err:    err,
	}
}

func statusCode(err error) int {
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}

func isNoSuchBucket(err error) bool {
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchBucket"
}
