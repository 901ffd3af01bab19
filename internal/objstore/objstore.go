// Package objstore stages audio in S3 so pull-based ASR endpoints can
// fetch it by presigned URL.
package objstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/telescribe/telescribe/config"
)

// S3Adapter wraps the S3 client for AWS and S3-compatible services.
type S3Adapter struct {
	client     *s3.Client
	presign    *s3.PresignClient
	bucket     string
	presignTTL time.Duration
}

// NewS3Adapter creates a new S3 storage adapter.
// For S3-compatible services, set cfg.Endpoint.
func NewS3Adapter(ctx context.Context, cfg *config.Storage) (*S3Adapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.ID,
			cfg.Secret,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &S3Adapter{
		client:     client,
		presign:    s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		presignTTL: ttl,
	}, nil
}

// PutFile uploads a local file under a unique key and returns the key.
func (a *S3Adapter) PutFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	key := fmt.Sprintf("audio/%s%s", uuid.NewString(), filepath.Ext(path))
	if err := a.Put(ctx, key, f); err != nil {
		return "", err
	}
	return key, nil
}

// Put uploads an object from the given reader.
func (a *S3Adapter) Put(ctx context.Context, key string, reader io.Reader) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if reader == nil {
		return fmt.Errorf("reader cannot be nil")
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        reader,
		ContentType: aws.String("audio/mpeg"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// Delete removes an object from the bucket.
func (a *S3Adapter) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// PresignURL generates a time-limited HTTPS GET URL for the object.
func (a *S3Adapter) PresignURL(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key cannot be empty")
	}

	presignedReq, err := a.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(a.presignTTL))
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return presignedReq.URL, nil
}
