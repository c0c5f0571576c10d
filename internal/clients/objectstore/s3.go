// Package objectstore wraps the S3 API used to hold uploaded images, catalog
// photos and the mask crops produced by the detection service. References are
// exchanged between services as s3://bucket/key strings.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ethxnwzng/ClothingImageSearch/internal/models"
)

type Client struct {
	s3c     *s3.Client
	presign *s3.PresignClient
	bucket  string
}

func New(ctx context.Context, cfg models.S3Config) (*Client, error) {
	const op = "objectstore.New"

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s3c := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{
		s3c:     s3c,
		presign: s3.NewPresignClient(s3c),
		bucket:  cfg.Bucket,
	}, nil
}

func (c *Client) Bucket() string { return c.bucket }

// Upload stores the object under key and returns its s3://bucket/key
// reference. The content type is derived from the key's extension as
// image/<ext>; jpg intentionally maps to image/jpg, which is what the
// downstream search provider expects.
func (c *Client) Upload(ctx context.Context, body io.Reader, key string) (string, error) {
	const op = "objectstore.Upload"

	_, err := c.s3c.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(ContentTypeForKey(key)),
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Sprintf("s3://%s/%s", c.bucket, key), nil
}

// Presign mints a time-limited GET URL for a stored key.
func (c *Client) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	const op = "objectstore.Presign"

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return req.URL, nil
}

// PresignRef presigns an s3://bucket/key reference. The reference's own
// bucket is honored, so mask images written to another bucket still resolve.
func (c *Client) PresignRef(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	const op = "objectstore.PresignRef"

	bucket, key, err := ParseRef(ref)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return req.URL, nil
}

// ParseRef splits s3://bucket/a/b/c.jpg into bucket and a/b/c.jpg. A
// reference missing either part is an error, never a partial result.
func ParseRef(ref string) (bucket, key string, err error) {
	const prefix = "s3://"
	if !strings.HasPrefix(ref, prefix) {
		return "", "", fmt.Errorf("objectstore.ParseRef: invalid reference %q", ref)
	}
	rest := strings.TrimPrefix(ref, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("objectstore.ParseRef: invalid reference %q", ref)
	}
	return parts[0], parts[1], nil
}

// ContentTypeForKey maps a key extension to image/<ext>.
func ContentTypeForKey(key string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(key), "."))
	if ext == "" {
		return "application/octet-stream"
	}
	return "image/" + ext
}
