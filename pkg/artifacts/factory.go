package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// StoreType represents the type of artifact storage backend.
type StoreType string

const (
	StoreTypeFS     StoreType = "fs"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
	StoreTypeMemory StoreType = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Type    StoreType
	DataDir string

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	GCSBucket string
	GCSPrefix string
}

// New creates the artifact store described by cfg. The filesystem store is
// the default.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "artifacts"))
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case StoreTypeGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
	}
}
