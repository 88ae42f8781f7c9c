package storage

import (
	"context"
	"fmt"

	"github.com/timmy/teachermon/internal/config"
)

// NewStore creates the ArtifactStore selected by cfg.Backend.
// Parameters:
//   - ctx: context used for bucket checks.
//   - cfg: storage configuration.
//
// Returns:
//   - ArtifactStore: initialized store implementation.
//   - error: non-nil if the backend cannot be prepared.
func NewStore(ctx context.Context, cfg *config.StorageConfig) (ArtifactStore, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.Root)
	case "s3":
		store, err := NewS3Store(&S3Config{
			Type:      StorageType(cfg.S3.Type),
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Prefix:    cfg.S3.Prefix,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}
