// Package snapshot archives the face crop behind each emitted attendance
// event to object storage, for later audit. Uploads are best effort: a
// failed upload never blocks or fails the attendance path.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/surihq/attendcam/internal/config"
	"github.com/surihq/attendcam/internal/retry"
)

// Store uploads face-crop JPEGs to a MinIO bucket.
type Store struct {
	client *minio.Client
	bucket string
	policy retry.Policy
	logger *zap.Logger
}

// NewStore creates the store and ensures the bucket exists.
func NewStore(ctx context.Context, cfg config.SnapshotConfig, policy retry.Policy, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.L()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot client: %w", err)
	}

	store := &Store{
		client: client,
		bucket: cfg.Bucket,
		policy: policy,
		logger: logger.Named("snapshot"),
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	exists, err := client.BucketExists(checkCtx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check snapshot bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create snapshot bucket: %w", err)
		}
		store.logger.Info("created snapshot bucket", zap.String("bucket", cfg.Bucket))
	}

	return store, nil
}

// Upload stores one face crop. The key encodes day and person so audits can
// list by prefix.
func (s *Store) Upload(ctx context.Context, personID string, at time.Time, jpeg []byte) error {
	key := fmt.Sprintf("faces/%s/%s-%d.jpg",
		at.UTC().Format("2006/01/02"), personID, at.UnixMilli())

	op := func() error {
		_, err := s.client.PutObject(ctx, s.bucket, key,
			bytes.NewReader(jpeg), int64(len(jpeg)),
			minio.PutObjectOptions{ContentType: "image/jpeg"})
		return err
	}

	if err := s.policy.Do(ctx, op); err != nil {
		return fmt.Errorf("snapshot upload failed for %s: %w", key, err)
	}

	s.logger.Debug("snapshot uploaded",
		zap.String("key", key), zap.Int("size", len(jpeg)))
	return nil
}
