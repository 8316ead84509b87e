package diagnostics

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/driver"
	"github.com/vietddude/autofollow/internal/infra/sessioncache"
)

// MinIOConfig holds object store settings.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// MinIO uploads snapshots to an S3 compatible bucket.
type MinIO struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// NewMinIO connects to the object store and makes sure the bucket exists.
func NewMinIO(ctx context.Context, cfg MinIOConfig) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinIO{client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

func (s *MinIO) Store(ctx context.Context, account string, step domain.StepName, d driver.Diagnostics) (domain.DiagnosticsRef, error) {
	ref := domain.DiagnosticsRef{Location: d.Location}
	base := path.Join(sessioncache.SafeName(account), objectBase(s.now(), step))

	if len(d.Screenshot) > 0 {
		key := base + ".png"
		if err := s.put(ctx, key, d.Screenshot, "image/png"); err != nil {
			return ref, err
		}
		ref.Screenshot = s.uri(key)
	}
	if d.DOM != "" {
		key := base + ".html"
		if err := s.put(ctx, key, []byte(d.DOM), "text/html; charset=utf-8"); err != nil {
			return ref, err
		}
		ref.DOM = s.uri(key)
	}
	return ref, nil
}

// Ping checks that the bucket is reachable.
func (s *MinIO) Ping(ctx context.Context) error {
	if _, err := s.client.BucketExists(ctx, s.bucket); err != nil {
		return fmt.Errorf("bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *MinIO) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *MinIO) uri(key string) string {
	return "s3://" + s.bucket + "/" + key
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
