package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GoCodeAlone/shipyard/deploy"
	"github.com/GoCodeAlone/shipyard/environment"
	"github.com/GoCodeAlone/shipyard/migration"
	"github.com/GoCodeAlone/shipyard/promotion"
	"github.com/GoCodeAlone/shipyard/release"
)

// PGConfig holds PostgreSQL connection settings.
type PGConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

// PGStore implements Store in PostgreSQL. It also persists environments and
// migration history so replicas share one view.
type PGStore struct {
	pool *pgxpool.Pool
}

var (
	_ environment.Store = (*PGStore)(nil)
	_ migration.History = (*PGStore)(nil)
)

// OpenPG connects to PostgreSQL and applies pending migrations.
func OpenPG(ctx context.Context, cfg PGConfig) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if err := NewMigrator(pool).Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGStore{pool: pool}, nil
}

// NewPGStore wraps a pool whose schema is already migrated.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Pool returns the underlying pool.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// Close closes the pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveRelease records rel. Saving a release that exists is a no-op.
func (s *PGStore) SaveRelease(ctx context.Context, rel release.Release) error {
	data, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("marshal release: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO releases (id, tag, revision, ref, created_at, data) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		string(rel.ID), rel.Tag, rel.Revision, rel.Ref, rel.CreatedAt, data)
	if err != nil {
		return fmt.Errorf("save release %s: %w", rel.ID, err)
	}
	return nil
}

// GetRelease implements deploy.ReleaseLookup.
func (s *PGStore) GetRelease(ctx context.Context, id release.ID) (release.Release, error) {
	rel, err := getJSON[release.Release](ctx, s.pool, `SELECT data FROM releases WHERE id = $1`, string(id))
	if errors.Is(err, pgx.ErrNoRows) {
		return release.Release{}, fmt.Errorf("%w: %s", ErrReleaseNotFound, id)
	}
	return rel, err
}

// ListReleases returns releases, newest first.
func (s *PGStore) ListReleases(ctx context.Context, limit int) ([]release.Release, error) {
	q := `SELECT data FROM releases ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	return listJSON[release.Release](ctx, s.pool, q, args...)
}

func (s *PGStore) CreateAttempt(ctx context.Context, a deploy.Attempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO rollout_attempts (id, environment, release, status, started_at, data) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Environment, string(a.Release), string(a.Status), a.StartedAt, data)
	if isPGUniqueViolation(err) {
		return fmt.Errorf("%w: attempt %s", ErrDuplicate, a.ID)
	}
	return err
}

// UpdateAttempt replaces an in-progress attempt. Finalized attempts are
// immutable.
func (s *PGStore) UpdateAttempt(ctx context.Context, a deploy.Attempt) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE rollout_attempts SET status = $1, data = $2 WHERE id = $3 AND status = $4`,
		string(a.Status), data, a.ID, string(deploy.StatusInProgress))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetAttempt(ctx, a.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrAttemptFinalized, a.ID)
}

func (s *PGStore) GetAttempt(ctx context.Context, id string) (deploy.Attempt, error) {
	a, err := getJSON[deploy.Attempt](ctx, s.pool, `SELECT data FROM rollout_attempts WHERE id = $1`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return deploy.Attempt{}, deploy.ErrAttemptNotFound
	}
	return a, err
}

func (s *PGStore) ListAttempts(ctx context.Context, f deploy.AttemptFilter) ([]deploy.Attempt, error) {
	var where []string
	var args []any
	if f.Environment != "" {
		args = append(args, f.Environment)
		where = append(where, fmt.Sprintf("environment = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT data FROM rollout_attempts` + whereClause(where) + ` ORDER BY started_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return listJSON[deploy.Attempt](ctx, s.pool, q, args...)
}

func (s *PGStore) CreateRun(ctx context.Context, r promotion.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, state, created_at, data) VALUES ($1, $2, $3, $4)`,
		r.ID, string(r.State), r.CreatedAt, data)
	if isPGUniqueViolation(err) {
		return fmt.Errorf("%w: run %s", ErrDuplicate, r.ID)
	}
	return err
}

func (s *PGStore) UpdateRun(ctx context.Context, r promotion.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE runs SET state = $1, data = $2 WHERE id = $3`, string(r.State), data, r.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return promotion.ErrRunNotFound
	}
	return nil
}

func (s *PGStore) GetRun(ctx context.Context, id string) (promotion.Run, error) {
	r, err := getJSON[promotion.Run](ctx, s.pool, `SELECT data FROM runs WHERE id = $1`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return promotion.Run{}, promotion.ErrRunNotFound
	}
	return r, err
}

func (s *PGStore) ListRuns(ctx context.Context, f promotion.RunFilter) ([]promotion.Run, error) {
	var where []string
	var args []any
	if f.State != "" {
		args = append(args, string(f.State))
		where = append(where, "state = $1")
	}
	q := `SELECT data FROM runs` + whereClause(where) + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return listJSON[promotion.Run](ctx, s.pool, q, args...)
}

// SaveGate implements promotion.GateStore.
func (s *PGStore) SaveGate(ctx context.Context, g promotion.Gate) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal gate: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO approval_gates (id, run_id, environment, release, status, requested_at, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data`,
		g.ID, g.RunID, g.Environment, string(g.Release), string(g.Status), g.RequestedAt, data)
	return err
}

// ListGates returns gates with the given status, or all, oldest first.
func (s *PGStore) ListGates(ctx context.Context, status promotion.GateStatus) ([]promotion.Gate, error) {
	if status == "" {
		return listJSON[promotion.Gate](ctx, s.pool, `SELECT data FROM approval_gates ORDER BY requested_at`)
	}
	return listJSON[promotion.Gate](ctx, s.pool,
		`SELECT data FROM approval_gates WHERE status = $1 ORDER BY requested_at`, string(status))
}

// Load implements environment.Store.
func (s *PGStore) Load(ctx context.Context) ([]environment.Environment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, current_version, desired_version, health, updated_at FROM environments ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []environment.Environment
	for rows.Next() {
		var name, current, desired, health string
		var updated time.Time
		if err := rows.Scan(&name, &current, &desired, &health, &updated); err != nil {
			return nil, err
		}
		envs = append(envs, environment.Environment{
			Name:           environment.Name(name),
			CurrentVersion: release.ID(current),
			DesiredVersion: release.ID(desired),
			Health:         environment.Health(health),
			UpdatedAt:      updated,
		})
	}
	return envs, rows.Err()
}

// Save implements environment.Store.
func (s *PGStore) Save(ctx context.Context, env environment.Environment) error {
	if env.UpdatedAt.IsZero() {
		env.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO environments (name, current_version, desired_version, health, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE SET
		   current_version = EXCLUDED.current_version,
		   desired_version = EXCLUDED.desired_version,
		   health          = EXCLUDED.health,
		   updated_at      = EXCLUDED.updated_at`,
		string(env.Name), string(env.CurrentVersion), string(env.DesiredVersion), string(env.Health), env.UpdatedAt)
	return err
}

// Succeeded implements migration.History.
func (s *PGStore) Succeeded(ctx context.Context, env string, rel release.ID) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM migration_history WHERE environment = $1 AND release = $2 AND succeeded)`,
		env, string(rel)).Scan(&ok)
	return ok, err
}

// Record implements migration.History.
func (s *PGStore) Record(ctx context.Context, rec migration.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO migration_history (environment, release, task_id, exit_code, succeeded, reason, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Environment, string(rec.Release), rec.TaskID, rec.ExitCode, rec.Succeeded, rec.Reason, rec.StartedAt, rec.FinishedAt)
	return err
}

func getJSON[T any](ctx context.Context, pool *pgxpool.Pool, q string, args ...any) (T, error) {
	var v T
	var data []byte
	if err := pool.QueryRow(ctx, q, args...).Scan(&data); err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode row: %w", err)
	}
	return v, nil
}

func listJSON[T any](ctx context.Context, pool *pgxpool.Pool, q string, args ...any) ([]T, error) {
	rows, err := pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func isPGUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
