package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoCodeAlone/shipyard/deploy"
	"github.com/GoCodeAlone/shipyard/promotion"
	"github.com/GoCodeAlone/shipyard/release"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store in a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing connection and applies migrations.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := migrateSQLite(ctx, db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying connection so other components can share the
// database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// SaveRelease records rel. Saving a release that exists is a no-op.
func (s *SQLiteStore) SaveRelease(ctx context.Context, rel release.Release) error {
	data, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshal release: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO releases (id, tag, revision, ref, created_at, data) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		string(rel.ID), rel.Tag, rel.Revision, rel.Ref, rel.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("save release %s: %w", rel.ID, err)
	}
	return nil
}

// GetRelease implements deploy.ReleaseLookup.
func (s *SQLiteStore) GetRelease(ctx context.Context, id release.ID) (release.Release, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM releases WHERE id = ?`, string(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return release.Release{}, fmt.Errorf("%w: %s", ErrReleaseNotFound, id)
	}
	if err != nil {
		return release.Release{}, err
	}
	var rel release.Release
	if err := json.Unmarshal([]byte(data), &rel); err != nil {
		return release.Release{}, fmt.Errorf("decode release %s: %w", id, err)
	}
	return rel, nil
}

// ListReleases returns releases, newest first.
func (s *SQLiteStore) ListReleases(ctx context.Context, limit int) ([]release.Release, error) {
	q := `SELECT data FROM releases ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryJSON[release.Release](ctx, s.db, q, args...)
}

func (s *SQLiteStore) CreateAttempt(ctx context.Context, a deploy.Attempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rollout_attempts (id, environment, release, status, started_at, data) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Environment, string(a.Release), string(a.Status), a.StartedAt.UnixNano(), string(data))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: attempt %s", ErrDuplicate, a.ID)
	}
	return err
}

// UpdateAttempt replaces an in-progress attempt. Finalized attempts are
// immutable.
func (s *SQLiteStore) UpdateAttempt(ctx context.Context, a deploy.Attempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE rollout_attempts SET status = ?, data = ? WHERE id = ? AND status = ?`,
		string(a.Status), string(data), a.ID, string(deploy.StatusInProgress))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetAttempt(ctx, a.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrAttemptFinalized, a.ID)
}

func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (deploy.Attempt, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM rollout_attempts WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return deploy.Attempt{}, deploy.ErrAttemptNotFound
	}
	if err != nil {
		return deploy.Attempt{}, err
	}
	var a deploy.Attempt
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return deploy.Attempt{}, fmt.Errorf("decode attempt %s: %w", id, err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, f deploy.AttemptFilter) ([]deploy.Attempt, error) {
	var where []string
	var args []any
	if f.Environment != "" {
		where = append(where, "environment = ?")
		args = append(args, f.Environment)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT data FROM rollout_attempts` + whereClause(where) + ` ORDER BY started_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return queryJSON[deploy.Attempt](ctx, s.db, q, args...)
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r promotion.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, state, created_at, data) VALUES (?, ?, ?, ?)`,
		r.ID, string(r.State), r.CreatedAt.UnixNano(), string(data))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: run %s", ErrDuplicate, r.ID)
	}
	return err
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, r promotion.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET state = ?, data = ? WHERE id = ?`,
		string(r.State), string(data), r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return promotion.ErrRunNotFound
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (promotion.Run, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return promotion.Run{}, promotion.ErrRunNotFound
	}
	if err != nil {
		return promotion.Run{}, err
	}
	var r promotion.Run
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return promotion.Run{}, fmt.Errorf("decode run %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, f promotion.RunFilter) ([]promotion.Run, error) {
	var where []string
	var args []any
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	q := `SELECT data FROM runs` + whereClause(where) + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return queryJSON[promotion.Run](ctx, s.db, q, args...)
}

// SaveGate implements promotion.GateStore.
func (s *SQLiteStore) SaveGate(ctx context.Context, g promotion.Gate) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal gate: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approval_gates (id, run_id, environment, release, status, requested_at, data) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		g.ID, g.RunID, g.Environment, string(g.Release), string(g.Status), g.RequestedAt.UnixNano(), string(data))
	return err
}

// ListGates returns gates with the given status, or all, oldest first.
func (s *SQLiteStore) ListGates(ctx context.Context, status promotion.GateStatus) ([]promotion.Gate, error) {
	q := `SELECT data FROM approval_gates`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	return queryJSON[promotion.Gate](ctx, s.db, q+` ORDER BY requested_at`, args...)
}

func queryJSON[T any](ctx context.Context, db *sql.DB, q string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
