// Package artifacts is the content-addressed blob store behind decision
// records. Every blob is keyed by the "sha256:<hex>" fingerprint of its bytes,
// so a blob written for one run is shared by any later run that consumes the
// same bytes.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/quorum/pkg/canonicalize"
)

// Store defines the contract for Content-Addressed Storage (CAS).
type Store interface {
	// Store persists data and returns its fingerprint.
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by fingerprint.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists checks if a blob exists.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes a blob.
	Delete(ctx context.Context, hash string) error
}

var (
	// ErrNotFound is returned by Get for an unknown fingerprint.
	ErrNotFound = errors.New("artifact not found")
	// ErrCorrupt is returned when stored bytes no longer hash to their key.
	ErrCorrupt = errors.New("artifact corrupt")
)

// blobName maps a fingerprint to its object name.
func blobName(hash string) (string, error) {
	raw, err := canonicalize.ParseFingerprint(hash)
	if err != nil {
		return "", err
	}
	return raw + ".blob", nil
}

// checked re-hashes data read back from a backend.
func checked(hash string, data []byte) ([]byte, error) {
	if got := canonicalize.Fingerprint(data); got != hash {
		return nil, fmt.Errorf("%w: %s hashes to %s", ErrCorrupt, hash, got)
	}
	return data, nil
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a CAS store at the specified directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Store(ctx context.Context, data []byte) (string, error) {
	hash := canonicalize.Fingerprint(data)
	name, err := blobName(hash)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.baseDir, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	// Write to temp, then rename
	tmp, err := os.CreateTemp(s.baseDir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create blob: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	name, err := blobName(hash)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, name)) //nolint:gosec // name validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("read artifact %s: %w", hash, err)
	}
	return checked(hash, data)
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	name, err := blobName(hash)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat artifact %s: %w", hash, err)
}

func (s *FileStore) Delete(ctx context.Context, hash string) error {
	name, err := blobName(hash)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.baseDir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// MemoryStore keeps blobs in process memory. It backs tests and dry runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Store(_ context.Context, data []byte) (string, error) {
	hash := canonicalize.Fingerprint(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[hash]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[hash] = cp
	}
	return hash, nil
}

func (s *MemoryStore) Get(_ context.Context, hash string) ([]byte, error) {
	if _, err := blobName(hash); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) Exists(_ context.Context, hash string) (bool, error) {
	if _, err := blobName(hash); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, hash string) error {
	if _, err := blobName(hash); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, hash)
	return nil
}
