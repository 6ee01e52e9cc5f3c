package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

// MinioConfig points at an S3 compatible bucket
type MinioConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	BucketName string `mapstructure:"bucket"`
	Region     string `mapstructure:"region"`
	Secure     bool   `mapstructure:"secure"`
}

// Minio archives into an object storage bucket
type Minio struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinio connects and creates the bucket when it does not exist
func NewMinio(ctx context.Context, cfg MinioConfig, logger *zap.Logger) (*Minio, error) {
	if cfg.Endpoint == "" || cfg.BucketName == "" {
		return nil, fmt.Errorf("%w: archive.minio.endpoint and archive.minio.bucket are required", model.ErrInvalidConfig)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.BucketName, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.BucketName, err)
		}
	}

	logger.Info("minio archive initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.BucketName),
		zap.Bool("bucket_created", !exists))

	return &Minio{client: client, bucket: cfg.BucketName, logger: logger}, nil
}

func (m *Minio) Name() string { return "minio" }

func (m *Minio) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentTypePDF})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

func (m *Minio) Get(ctx context.Context, ref string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapMinioError(ref, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapMinioError(ref, err)
	}
	return data, nil
}

func mapMinioError(ref string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("artifact %s: %w", ref, model.ErrNotFound)
	}
	return fmt.Errorf("download %s: %w", ref, err)
}
