// Package artifact publishes release build outputs to an object store.
package artifact

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/GoCodeAlone/shipyard/release"
)

// ErrNotFound is returned by Store.Stat and Store.Get for missing keys.
var ErrNotFound = errors.New("artifact: not found")

// Store defines the interface for artifact storage backends. Keys are
// slash-separated and content-addressed by release ID.
type Store interface {
	// Put stores the reader's content under key, computing its SHA256
	// checksum as it is written.
	Put(ctx context.Context, key string, reader io.Reader) (Reference, error)

	// Stat returns the reference for an existing key, or ErrNotFound.
	Stat(ctx context.Context, key string) (Reference, error)

	// Get retrieves an object by key.
	// The caller is responsible for closing the returned ReadCloser.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Reference locates one stored object.
type Reference struct {
	Key      string `json:"key"`
	URI      string `json:"uri"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"` // SHA256 hex digest
}

// ObjectKey returns the content-addressed key of a release file.
func ObjectKey(id release.ID, name string) string {
	return path.Join("releases", string(id), name)
}

// ManifestKey returns the key of a release's manifest.
func ManifestKey(id release.ID) string {
	return ObjectKey(id, manifestName)
}

const manifestName = "manifest.json"

func validName(name string) bool {
	if name == "" || name == manifestName || strings.HasPrefix(name, "/") {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}
