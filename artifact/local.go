package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStore implements Store using the local filesystem.
// Objects are stored under {baseDir}/{key}.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a new LocalStore rooted at baseDir.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

func (s *LocalStore) objectPath(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

// Put writes the object to a temporary file and renames it into place, so
// readers never observe a partial object.
func (s *LocalStore) Put(_ context.Context, key string, reader io.Reader) (Reference, error) {
	path := s.objectPath(key)

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return Reference{}, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return Reference{}, fmt.Errorf("failed to create artifact file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp) //nolint:errcheck // no-op after a successful rename

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), reader)
	if err != nil {
		f.Close()
		return Reference{}, fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return Reference{}, fmt.Errorf("failed to close artifact file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Reference{}, fmt.Errorf("failed to commit artifact: %w", err)
	}

	return Reference{
		Key:      key,
		URI:      "file://" + path,
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Stat hashes the stored file to rebuild its reference.
func (s *LocalStore) Stat(ctx context.Context, key string) (Reference, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return Reference{}, err
	}
	defer rc.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, rc)
	if err != nil {
		return Reference{}, fmt.Errorf("failed to read artifact %q: %w", key, err)
	}
	return Reference{
		Key:      key,
		URI:      "file://" + s.objectPath(key),
		Size:     size,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Get opens the stored file.
func (s *LocalStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.objectPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, nil
}
