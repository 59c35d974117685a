package minio

import (
	"bytes"
	"context"
	"fmt"

	"marketplace-settlement/pkg/config"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("minio.archive", fx.Provide(NewArchive))

// Archive stores raw payloads for later audit.
type Archive interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

type noopArchive struct{}

func (noopArchive) Put(context.Context, string, []byte, string) error { return nil }

type bucketArchive struct {
	client *minio.Client
	bucket string
}

// NewArchive connects to MINIO.ENDPOINT and makes sure the bucket exists.
// Without an endpoint payloads are dropped.
func NewArchive(c *config.Config) (Archive, error) {
	if c.Minio.Endpoint == "" {
		zap.L().Info("MinIO endpoint not configured, payload archive disabled")
		return noopArchive{}, nil
	}

	client, err := minio.New(c.Minio.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.Minio.AccessKey, c.Minio.SecretKey, ""),
		Secure: c.Minio.Secure,
	})
	if err != nil {
		zap.L().Error("failed to create MinIO client", zap.Error(err))
		return nil, err
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, c.Minio.BucketName)
	if err != nil {
		zap.L().Error("failed to check if bucket exists", zap.String("bucket", c.Minio.BucketName), zap.Error(err))
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, c.Minio.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket %s: %w", c.Minio.BucketName, err)
		}
	}

	zap.L().Info("MinIO client initialized", zap.String("endpoint", c.Minio.Endpoint), zap.String("bucket", c.Minio.BucketName))
	return &bucketArchive{client: client, bucket: c.Minio.BucketName}, nil
}

func (a *bucketArchive) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}
