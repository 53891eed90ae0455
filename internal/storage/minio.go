package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"awsops/internal/credentials"
)

// MinIOOptions configures a MinIOClient
type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
	PageSize  int
}

// MinIOClient implements Client using minio-go, for S3-compatible endpoints.
// Copies are signed with the assumed-role credentials; one minio client is
// kept per credential generation.
type MinIOClient struct {
	base     *minio.Client
	endpoint string
	opts     MinIOOptions

	mu         sync.Mutex
	generation uint64
	copier     *minio.Client
}

// NewMinIOClient creates a new MinIO client
func NewMinIOClient(opts MinIOOptions) (*MinIOClient, error) {
	// Clean and validate endpoint
	endpoint, err := cleanEndpoint(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if opts.PageSize <= 0 || opts.PageSize > DefaultPageSize {
		opts.PageSize = DefaultPageSize
	}

	c := &MinIOClient{endpoint: endpoint, opts: opts}
	c.base, err = c.newClient(miniocreds.NewStaticV4(opts.AccessKey, opts.SecretKey, ""))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *MinIOClient) newClient(creds *miniocreds.Credentials) (*minio.Client, error) {
	return minio.New(c.endpoint, &minio.Options{
		Creds:  creds,
		Secure: c.opts.Secure,
		Region: c.opts.Region,
	})
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}
	return parsedURL.Host, nil
}

// BucketExists implements Client
func (c *MinIOClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	ok, err := c.base.BucketExists(ctx, bucket)
	if err == nil {
		return ok, nil
	}
	if minio.ToErrorResponse(err).StatusCode == http.StatusForbidden {
		return true, nil
	}
	return false, fmt.Errorf("storage.BucketExists %s: %w", bucket, err)
}

// ListObjects implements Client. minio-go streams keys over a channel; they
// are regrouped into pages of at most PageSize keys.
func (c *MinIOClient) ListObjects(ctx context.Context, bucket, prefix string, fn func(page []ObjectInfo) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	page := make([]ObjectInfo, 0, c.opts.PageSize)
	for obj := range c.base.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			if minio.ToErrorResponse(obj.Err).Code == "NoSuchBucket" {
				return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
			}
			return fmt.Errorf("storage.ListObjects %s/%s: %w", bucket, prefix, obj.Err)
		}

		page = append(page, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ETag:         obj.ETag,
			LastModified: obj.LastModified,
		})
		if len(page) == c.opts.PageSize {
			if err := fn(page); err != nil {
				return err
			}
			page = make([]ObjectInfo, 0, c.opts.PageSize)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if len(page) > 0 {
		return fn(page)
	}
	return nil
}

// CopyObject implements Client. Canned ACLs are not sent: minio-go only
// writes destination headers when metadata is replaced, and S3-compatible
// stores generally ignore bucket-owner ACLs.
func (c *MinIOClient) CopyObject(ctx context.Context, in CopyInput, creds credentials.Credentials) error {
	client, err := c.clientFor(creds)
	if err != nil {
		return &CopyError{Kind: KindPermanent, Op: "CopyObject", Bucket: in.SourceBucket, Key: in.SourceKey, Err: err}
	}

	_, err = client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: in.DestinationBucket, Object: in.DestinationKey},
		minio.CopySrcOptions{Bucket: in.SourceBucket, Object: in.SourceKey},
	)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		return &CopyError{
			Kind:   classify(resp.Code, resp.StatusCode),
			Op:     "CopyObject",
			Bucket: in.SourceBucket,
			Key:    in.SourceKey,
			Err:    err,
		}
	}
	return nil
}

// clientFor returns the client signing with creds. Only the newest credential
// generation is cached; snapshots older than it get a client that is not kept.
// Empty credentials use the base client.
func (c *MinIOClient) clientFor(creds credentials.Credentials) (*minio.Client, error) {
	if creds.AccessKeyID == "" {
		return c.base, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.copier != nil && c.generation == creds.Generation {
		return c.copier, nil
	}
	client, err := c.newClient(miniocreds.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken))
	if err != nil {
		return nil, err
	}
	if c.copier == nil || creds.Generation > c.generation {
		c.copier = client
		c.generation = creds.Generation
	}
	return client, nil
}
