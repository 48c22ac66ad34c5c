package persistence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

var ErrSnapshotNotFound = errors.New("snapshot not found in archive")

// ArchiveConfig holds the object storage connection settings.
type ArchiveConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
}

// SnapshotArchive keeps snapshot documents in S3-compatible object storage
// so they survive the loss of the database.
type SnapshotArchive struct {
	client *minio.Client
	bucket string
	logger zerolog.Logger
}

// NewSnapshotArchive connects to the object store and creates the bucket
// when it does not exist.
func NewSnapshotArchive(ctx context.Context, cfg ArchiveConfig, logger zerolog.Logger) (*SnapshotArchive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
		logger.Info().Str("bucket", cfg.Bucket).Msg("created snapshot bucket")
	}

	return &SnapshotArchive{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// SnapshotObjectKey names the object for the snapshot at sequence. Keys sort
// in sequence order.
func SnapshotObjectKey(sequence int64) string {
	return fmt.Sprintf("snapshots/%020d.json", sequence)
}

// Upload stores an encoded snapshot and returns its object key.
func (a *SnapshotArchive) Upload(ctx context.Context, sequence int64, data []byte) (string, error) {
	key := SnapshotObjectKey(sequence)
	info, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	a.logger.Info().
		Str("key", key).
		Int64("size", info.Size).
		Str("etag", info.ETag).
		Msg("snapshot archived")
	return key, nil
}

// Download fetches the snapshot archived at sequence.
func (a *SnapshotArchive) Download(ctx context.Context, sequence int64) ([]byte, error) {
	key := SnapshotObjectKey(sequence)
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, a.mapError(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, a.mapError(key, err)
	}
	return data, nil
}

// Ping checks the bucket is reachable.
func (a *SnapshotArchive) Ping(ctx context.Context) error {
	_, err := a.client.BucketExists(ctx, a.bucket)
	return err
}

func (a *SnapshotArchive) mapError(key string, err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, key)
	}
	return fmt.Errorf("download %s: %w", key, err)
}
