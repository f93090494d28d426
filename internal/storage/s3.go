// Package storage wraps the S3 API surface the media pipeline needs:
// presigned uploads/downloads, existence probes, writes, deletes, listing.
// MinIO is supported through a custom endpoint with path-style addressing.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/tastebase/media-pipeline/internal/config"
)

// ErrObjectNotFound marks a missing storage object. Callers use
// errors.Is/IsNotFound to distinguish it from transport failures.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo is the metadata returned by a HEAD probe or listing.
type ObjectInfo struct {
	Key          string
	ContentType  string
	Size         int64
	LastModified time.Time
}

// UploadTicket is a presigned POST grant a client can use to push bytes
// directly to the bucket without routing them through the API server.
type UploadTicket struct {
	Key    string
	URL    string
	Fields map[string]string
}

// ObjectStore is the object storage surface consumed by the prober,
// thumbnail generator, lifecycle manager and sweeper. *Client implements it;
// tests substitute fakes.
type ObjectStore interface {
	Head(ctx context.Context, key string) (ObjectInfo, error)
	PresignGet(ctx context.Context, key string) (string, error)
	PresignUpload(ctx context.Context, key, contentType string, maxSizeBytes int64) (*UploadTicket, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

type Client struct {
	s3        *s3.Client
	presigner *s3.PresignClient
	bucket    string
	expiry    time.Duration
}

// New builds a storage client from environment configuration. A non-empty
// endpoint switches the client to a custom S3-compatible server.
func New(ctx context.Context, cfg config.S3Config, presignExpiry time.Duration) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Client{
		s3:        client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		expiry:    presignExpiry,
	}, nil
}

func (c *Client) Bucket() string { return c.bucket }

// Head probes object existence and metadata. Missing objects are reported
// as ErrObjectNotFound.
func (c *Client) Head(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundAPIError(err) {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return ObjectInfo{}, fmt.Errorf("head object %s: %w", key, err)
	}

	info := ObjectInfo{Key: key, ContentType: aws.ToString(out.ContentType)}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// PresignGet issues a time-limited download URL for probing and thumbnail
// generation.
func (c *Client) PresignGet(ctx context.Context, key string) (string, error) {
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(c.expiry))
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return req.URL, nil
}

// PresignUpload issues a presigned POST policy bound to the declared content
// type and a 1..maxSizeBytes content-length range.
func (c *Client) PresignUpload(ctx context.Context, key, contentType string, maxSizeBytes int64) (*UploadTicket, error) {
	req, err := c.presigner.PresignPostObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(o *s3.PresignPostOptions) {
		o.Expires = c.expiry
		o.Conditions = []interface{}{
			[]interface{}{"content-length-range", 1, maxSizeBytes},
		}
	})
	if err != nil {
		return nil, fmt.Errorf("presign upload %s: %w", key, err)
	}
	return &UploadTicket{Key: key, URL: req.URL, Fields: req.Values}, nil
}

func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Delete removes one object. Deleting a missing key succeeds, which keeps
// cleanup jobs idempotent.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (c *Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{Key: aws.ToString(obj.Key)}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			out = append(out, info)
		}
	}
	return out, nil
}

var _ ObjectStore = (*Client)(nil)

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrObjectNotFound) {
		return true
	}
	return isNotFoundAPIError(err)
}

func isNotFoundAPIError(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}

// IsTransient reports whether err looks like a temporary infrastructure
// failure worth retrying: connection problems, timeouts, or server-side
// (5xx) storage errors. Decode and subprocess failures are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsNotFound(err) {
		return false
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "temporary failure") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "unexpected EOF")
}
