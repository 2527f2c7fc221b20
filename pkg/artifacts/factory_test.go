package artifacts

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/quorum/pkg/canonicalize"
)

func TestNew_DefaultIsFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := New(context.Background(), Config{DataDir: dir})
	require.NoError(t, err)

	fs, ok := s.(*FileStore)
	require.True(t, ok, "expected *FileStore, got %T", s)
	assert.Equal(t, filepath.Join(dir, "artifacts"), fs.baseDir)
}

func TestNew_Memory(t *testing.T) {
	s, err := New(context.Background(), Config{Type: StoreTypeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}

func TestNew_S3MissingBucket(t *testing.T) {
	_, err := New(context.Background(), Config{Type: StoreTypeS3})
	assert.ErrorContains(t, err, "ARTIFACT_S3_BUCKET is required")
}

func TestNew_S3WithEndpoint(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	s, err := New(context.Background(), Config{
		Type:       StoreTypeS3,
		S3Bucket:   "quorum-artifacts",
		S3Endpoint: "http://localhost:4566",
		S3Prefix:   "runs/",
	})
	require.NoError(t, err)

	s3s, ok := s.(*S3Store)
	require.True(t, ok)
	assert.Equal(t, "quorum-artifacts", s3s.bucket)
	key, err := s3s.key("sha256:" + "00000000000000000000000000000000000000000000000000000000000000aa")
	require.NoError(t, err)
	assert.Equal(t, "runs/00000000000000000000000000000000000000000000000000000000000000aa.blob", key)

	_, err = s3s.key("sha256:not-hex")
	assert.ErrorIs(t, err, canonicalize.ErrInvalidFingerprint)
}

func TestNew_GCSMissingBucket(t *testing.T) {
	_, err := New(context.Background(), Config{Type: StoreTypeGCS})
	assert.ErrorContains(t, err, "ARTIFACT_GCS_BUCKET is required")
}

func TestNew_Unsupported(t *testing.T) {
	_, err := New(context.Background(), Config{Type: "ftp"})
	assert.ErrorContains(t, err, "unsupported artifact storage type")
}
