package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound is returned by ReadObject for keys that do not exist.
var ErrObjectNotFound = errors.New("object not found")

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
}

// Client keeps uploaded sources (uploads/<id>/source) and exported results
// (outputs/<id>/result.<ext>) in a single bucket.
type Client struct {
	minio  *minio.Client
	bucket string
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Client{minio: mc, bucket: cfg.Bucket}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket unless it exists. A concurrent creation by
// another process counts as success.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}

	err = c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
	if err == nil {
		return nil
	}
	if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
		return nil
	}
	return fmt.Errorf("create bucket %s: %w", c.bucket, err)
}

// PresignedGetURL returns a time-limited download link for objectKey.
func (c *Client) PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	u, err := c.minio.PresignedGetObject(ctx, c.bucket, objectKey, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectKey, err)
	}
	return u.String(), nil
}

// ReadObject loads an uploaded source. Objects larger than limit are
// rejected before any data is transferred; limit <= 0 disables the check.
func (c *Client) ReadObject(ctx context.Context, objectKey string, limit int64) ([]byte, error) {
	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, c.objectError("get", objectKey, err)
	}
	defer obj.Close()

	// GetObject is lazy; Stat issues the request.
	info, err := obj.Stat()
	if err != nil {
		return nil, c.objectError("stat", objectKey, err)
	}
	if limit > 0 && info.Size > limit {
		return nil, fmt.Errorf("object %s is %d bytes, limit is %d", objectKey, info.Size, limit)
	}

	buf := bytes.NewBuffer(make([]byte, 0, max(info.Size, 0)))
	if _, err := io.Copy(buf, obj); err != nil {
		return nil, c.objectError("read", objectKey, err)
	}
	return buf.Bytes(), nil
}

// WriteObject stores an exported result.
func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	return c.PutObject(ctx, objectKey, bytes.NewReader(data), int64(len(data)), contentType)
}

// PutObject streams r into objectKey. size may be -1 when unknown.
func (c *Client) PutObject(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) error {
	if _, err := c.minio.PutObject(ctx, c.bucket, objectKey, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return c.objectError("put", objectKey, err)
	}
	return nil
}

func (c *Client) objectError(op, objectKey string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s/%s: %w", op, c.bucket, objectKey, ErrObjectNotFound)
	}
	return fmt.Errorf("%s %s/%s: %w", op, c.bucket, objectKey, err)
}
