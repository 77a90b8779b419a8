// ============================================================================
// transcodeq Object Store Client
// ============================================================================
//
// Package: internal/objectstore
// File: objectstore.go
// Purpose: S3-compatible blob store access. The control plane only presigns
// upload URLs and checks object existence; workers read inputs and write
// transcoded outputs. The endpoint is account-scoped
// (https://{accountId}.{host}) with path-style addressing, which is what
// R2-style stores expect.
//
// ============================================================================

package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/fleetcode/transcodeq/internal/config"
)

// Client wraps the S3 API for one account endpoint.
type Client struct {
	s3        *s3.S3
	accountID string
	host      string
}

// New builds a client from object-store settings.
func New(cfg config.ObjectStore) (*Client, error) {
	endpoint := fmt.Sprintf("https://%s.%s", cfg.AccountID, cfg.Host)
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String("auto"),
		Endpoint:         aws.String(endpoint),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("object store session: %w", err)
	}
	return &Client{s3: s3.New(sess), accountID: cfg.AccountID, host: cfg.Host}, nil
}

// NewWithEndpoint builds a client against an explicit endpoint. Used by
// tests and local object-store deployments.
func NewWithEndpoint(endpoint, accessKey, secretKey, accountID, host string) (*Client, error) {
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String("auto"),
		Endpoint:         aws.String(endpoint),
		Credentials:      credentials.NewStaticCredentials(accessKey, secretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("object store session: %w", err)
	}
	return &Client{s3: s3.New(sess), accountID: accountID, host: host}, nil
}

// PresignPut returns a presigned PUT URL for key and its expiry as unix
// milliseconds.
func (c *Client) PresignPut(bucket, key string, ttl time.Duration, contentType string) (url string, expiresAt int64, err error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	req, _ := c.s3.PutObjectRequest(input)
	url, err = req.Presign(ttl)
	if err != nil {
		return "", 0, fmt.Errorf("presign put %s/%s: %w", bucket, key, err)
	}
	return url, time.Now().Add(ttl).UnixMilli(), nil
}

// Head reports whether key exists in bucket and its size. A missing object
// is (false, 0, nil), not an error.
func (c *Client) Head(ctx context.Context, bucket, key string) (exists bool, size int64, err error) {
	out, err := c.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.RequestFailure); ok && aerr.StatusCode() == 404 {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("head %s/%s: %w", bucket, key, err)
	}
	return true, aws.Int64Value(out.ContentLength), nil
}

// Get opens key for reading. The caller closes the returned body.
func (c *Client) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := c.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// Put writes body to key.
func (c *Client) Put(ctx context.Context, bucket, key string, body io.ReadSeeker, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := c.s3.PutObjectWithContext(ctx, input); err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// CanonicalURL is the stable account-scoped URL recorded on job records.
func (c *Client) CanonicalURL(bucket, key string) string {
	return fmt.Sprintf("https://%s.%s/%s/%s", c.accountID, c.host, bucket, key)
}
