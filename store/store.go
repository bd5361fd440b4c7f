// Package store persists releases, rollout attempts, pipeline runs and
// approval gates in SQLite or PostgreSQL.
package store

import (
	"context"
	"errors"

	"github.com/GoCodeAlone/shipyard/deploy"
	"github.com/GoCodeAlone/shipyard/promotion"
	"github.com/GoCodeAlone/shipyard/release"
)

var (
	// ErrReleaseNotFound is returned when a release ID is unknown.
	ErrReleaseNotFound = errors.New("store: release not found")
	// ErrAttemptFinalized is returned when updating an attempt that already
	// reached a terminal status.
	ErrAttemptFinalized = errors.New("store: attempt already finalized")
	// ErrDuplicate is returned when creating a record whose ID exists.
	ErrDuplicate = errors.New("store: duplicate entry")
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	deploy.AttemptStore
	deploy.ReleaseLookup
	promotion.RunStore
	promotion.GateStore
	promotion.ReleaseSaver

	// ListGates returns gates with the given status, or all, oldest first.
	ListGates(ctx context.Context, status promotion.GateStatus) ([]promotion.Gate, error)
	// ListReleases returns releases, newest first.
	ListReleases(ctx context.Context, limit int) ([]release.Release, error)
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PGStore)(nil)
)
