// Package release defines the immutable build output promoted through
// environments.
package release

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// ErrInvalid is returned when a release is missing its identity.
var ErrInvalid = errors.New("release: invalid release")

// ID identifies a release. It is the content digest of the release's
// artifacts and source revision, so two builds of the same content share an ID.
type ID string

// Part is a single build output included in a release.
type Part struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum"` // SHA256 hex digest
	Size     int64  `json:"size"`
}

// Release is created once at CI completion and never mutated afterwards.
// Functions in this module take and return it by value; the Parts slice is
// copied on construction.
type Release struct {
	ID        ID        `json:"id"`
	Tag       string    `json:"tag,omitempty"`
	Revision  string    `json:"revision"`
	Ref       string    `json:"ref"`
	Image     string    `json:"image,omitempty"`
	Parts     []Part    `json:"parts,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// New builds a release for the given source revision and build outputs.
// The ID is derived from the revision and the part checksums.
func New(revision, ref, tag, image string, parts []Part) Release {
	cp := make([]Part, len(parts))
	copy(cp, parts)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Name < cp[j].Name })

	return Release{
		ID:        Digest(revision, cp),
		Tag:       tag,
		Revision:  revision,
		Ref:       ref,
		Image:     image,
		Parts:     cp,
		CreatedAt: time.Now().UTC(),
	}
}

// Digest computes the content identity for a revision and its parts.
func Digest(revision string, parts []Part) ID {
	h := sha256.New()
	h.Write([]byte(revision))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p.Name))
		h.Write([]byte{0})
		h.Write([]byte(p.Checksum))
	}
	return ID("sha256-" + hex.EncodeToString(h.Sum(nil))[:16])
}

// Validate checks that the release carries an identity.
func (r Release) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalid)
	}
	if strings.ContainsAny(string(r.ID), "/ ") {
		return fmt.Errorf("%w: id %q contains path separators or spaces", ErrInvalid, r.ID)
	}
	return nil
}

// Short returns a log-friendly rendering of the release: its tag when
// present, otherwise its id.
func (r Release) Short() string {
	if r.Tag != "" {
		return r.Tag + "@" + string(r.ID)
	}
	return string(r.ID)
}

// IsProductionTag reports whether tag is a semantic version tag such as
// "v1.0.0". Pre-release tags ("v1.0.0-rc.1") are not production tags.
func IsProductionTag(tag string) bool {
	if !semver.IsValid(tag) {
		return false
	}
	return semver.Prerelease(tag) == ""
}
