package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/GoCodeAlone/shipyard/release"
)

// ErrChecksumMismatch is returned when a file's content differs from the
// checksum recorded in the release.
var ErrChecksumMismatch = errors.New("artifact: checksum mismatch")

// File is a build output on local disk to be published under Name.
type File struct {
	Name string
	Path string
}

// Manifest is written last when a release is published. Its presence marks
// the release as fully published.
type Manifest struct {
	Release release.Release `json:"release"`
	Objects []Reference     `json:"objects"`
}

// Client publishes releases to a Store.
type Client struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	pending map[release.ID]*sync.Mutex
}

// NewClient creates a publishing client for store.
func NewClient(store Store, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{store: store, logger: logger, pending: make(map[release.ID]*sync.Mutex)}
}

// Describe hashes files into release parts, sorted by name.
func Describe(files []File) ([]release.Part, error) {
	parts := make([]release.Part, 0, len(files))
	for _, f := range files {
		sum, size, err := hashFile(f.Path)
		if err != nil {
			return nil, err
		}
		parts = append(parts, release.Part{Name: f.Name, Checksum: sum, Size: size})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Name < parts[j].Name })
	return parts, nil
}

// Publish uploads files under the release's content-addressed prefix and
// writes its manifest. Publishing an already published release returns the
// existing manifest reference without rewriting any object.
func (c *Client) Publish(ctx context.Context, rel release.Release, files []File) (Reference, error) {
	if err := rel.Validate(); err != nil {
		return Reference{}, err
	}

	unlock := c.lockRelease(rel.ID)
	defer unlock()

	manifestKey := ManifestKey(rel.ID)
	existing, err := c.store.Stat(ctx, manifestKey)
	switch {
	case err == nil:
		c.logger.Info("release already published", "release", rel.ID, "key", existing.Key)
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return Reference{}, fmt.Errorf("stat manifest for %s: %w", rel.ID, err)
	}

	expected := make(map[string]string, len(rel.Parts))
	for _, p := range rel.Parts {
		expected[p.Name] = p.Checksum
	}

	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	objects := make([]Reference, 0, len(sorted))
	for _, f := range sorted {
		if !validName(f.Name) {
			return Reference{}, fmt.Errorf("artifact: invalid file name %q", f.Name)
		}
		ref, err := c.putFile(ctx, ObjectKey(rel.ID, f.Name), f.Path)
		if err != nil {
			return Reference{}, err
		}
		if want, ok := expected[f.Name]; ok && want != ref.Checksum {
			return Reference{}, fmt.Errorf("%w: %s: release has %s, stored %s", ErrChecksumMismatch, f.Name, want, ref.Checksum)
		}
		objects = append(objects, ref)
	}

	data, err := json.MarshalIndent(Manifest{Release: rel, Objects: objects}, "", "  ")
	if err != nil {
		return Reference{}, fmt.Errorf("marshal manifest: %w", err)
	}
	ref, err := c.store.Put(ctx, manifestKey, bytes.NewReader(data))
	if err != nil {
		return Reference{}, fmt.Errorf("put manifest for %s: %w", rel.ID, err)
	}
	c.logger.Info("release published", "release", rel.ID, "objects", len(objects), "uri", ref.URI)
	return ref, nil
}

// Load reads the manifest of a published release.
func (c *Client) Load(ctx context.Context, id release.ID) (Manifest, error) {
	rc, err := c.store.Get(ctx, ManifestKey(id))
	if err != nil {
		return Manifest{}, err
	}
	defer rc.Close()

	var m Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest for %s: %w", id, err)
	}
	return m, nil
}

func (c *Client) putFile(ctx context.Context, key, path string) (Reference, error) {
	f, err := os.Open(path)
	if err != nil {
		return Reference{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	ref, err := c.store.Put(ctx, key, f)
	if err != nil {
		return Reference{}, fmt.Errorf("put %s: %w", key, err)
	}
	return ref, nil
}

// lockRelease serializes concurrent publishes of the same release.
func (c *Client) lockRelease(id release.ID) func() {
	c.mu.Lock()
	m, ok := c.pending[id]
	if !ok {
		m = &sync.Mutex{}
		c.pending[id] = m
	}
	c.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
