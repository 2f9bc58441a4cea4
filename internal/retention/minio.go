package retention

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"notehub/api/internal/store"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioArchiver writes history batches as JSON objects to an S3 compatible
// bucket.
type MinioArchiver struct {
	client *minio.Client
	bucket string
}

func NewMinioArchiver(ctx context.Context, cfg MinioConfig) (*MinioArchiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioArchiver{client: client, bucket: cfg.Bucket}, nil
}

type archiveDocument struct {
	Count   int                  `json:"count"`
	Entries []store.HistoryEntry `json:"entries"`
}

func (a *MinioArchiver) Archive(ctx context.Context, name string, entries []store.HistoryEntry) error {
	payload, err := encodeBatch(entries)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, a.bucket, name, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", name, err)
	}
	return nil
}

func encodeBatch(entries []store.HistoryEntry) ([]byte, error) {
	payload, err := json.Marshal(archiveDocument{Count: len(entries), Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("encode history batch: %w", err)
	}
	return payload, nil
}
