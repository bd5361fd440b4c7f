package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

// ChangeEvent describes a new revision of a watched config file.
type ChangeEvent struct {
	Source  string
	OldHash string
	NewHash string
	Config  *Config
	Time    time.Time
}

// FileSource is a config file on disk.
type FileSource struct {
	path string
}

// NewFileSource returns a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Name identifies the source in change events and audit entries.
func (s *FileSource) Name() string { return "file:" + s.path }

// Path returns the file path.
func (s *FileSource) Path() string { return s.path }

// read parses the file and returns it with the digest of the bytes parsed,
// so a concurrent write cannot pair one revision's config with another's hash.
func (s *FileSource) read() (*Config, string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", s.path, err)
	}
	sum := digest(data)
	cfg, err := Parse(data)
	if err != nil {
		return nil, sum, fmt.Errorf("%s: %w", s.path, err)
	}
	return cfg, sum, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
