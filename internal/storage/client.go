// Package storage keeps batch sources and processed outputs in an
// S3-compatible bucket.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/visionx/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	uploadsPrefix = "uploads"
	outputsPrefix = "outputs"

	maxPresignExpiry = 7 * 24 * time.Hour
)

type Client struct {
	minio  *minio.Client
	bucket string
}

func NewClient(cfg config.StorageConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Client{
		minio:  mc,
		bucket: cfg.Bucket,
	}, nil
}

// SourceKey is where a presigned upload for jobID lands.
func SourceKey(jobID string) string {
	return path.Join(uploadsPrefix, jobID, "source")
}

// OutputKey names the processed image for one job and algorithm.
func OutputKey(jobID, algorithm, ext string) string {
	return path.Join(outputsPrefix, jobID, algorithm+"."+strings.TrimPrefix(ext, "."))
}

func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		// Another process may have created it between the check and the call.
		if exists, checkErr := c.minio.BucketExists(ctx, c.bucket); checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// PresignedPutURL lets a client upload a batch source without credentials.
func (c *Client) PresignedPutURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedPutObject(ctx, c.bucket, objectKey, clampExpiry(expiry))
	if err != nil {
		return "", fmt.Errorf("presign upload of %s: %w", objectKey, err)
	}
	return u.String(), nil
}

// PresignedGetURL lets a client download a processed output. The response
// is served as an attachment named after the object.
func (c *Client) PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	query := url.Values{}
	query.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", path.Base(objectKey)))
	u, err := c.minio.PresignedGetObject(ctx, c.bucket, objectKey, clampExpiry(expiry), query)
	if err != nil {
		return "", fmt.Errorf("presign download of %s: %w", objectKey, err)
	}
	return u.String(), nil
}

// clampExpiry keeps presign durations inside the one second to seven day
// range S3 accepts.
func clampExpiry(expiry time.Duration) time.Duration {
	return min(max(expiry, time.Second), maxPresignExpiry)
}

func (c *Client) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", objectKey, err)
}

// ReadObject loads an object fully, up to limit bytes when limit is positive.
func (c *Client) ReadObject(ctx context.Context, objectKey string, limit int64) ([]byte, error) {
	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", objectKey, err)
	}
	defer obj.Close()

	var r io.Reader = obj
	if limit > 0 {
		r = io.LimitReader(obj, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", objectKey, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("object %s exceeds %d bytes", objectKey, limit)
	}
	return data, nil
}

func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	_, err := c.minio.PutObject(
		ctx,
		c.bucket,
		objectKey,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return nil
}
