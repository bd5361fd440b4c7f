package environment

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GoCodeAlone/shipyard/release"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and creates the
// environments table if it does not already exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing *sql.DB connection.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	createSQL := `CREATE TABLE IF NOT EXISTS environments (
		name            TEXT PRIMARY KEY,
		current_version TEXT NOT NULL DEFAULT '',
		desired_version TEXT NOT NULL DEFAULT '',
		health          TEXT NOT NULL DEFAULT 'unknown',
		updated_at      TEXT NOT NULL
	)`
	if _, err := db.Exec(createSQL); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts or replaces the environment row.
func (s *SQLiteStore) Save(ctx context.Context, env Environment) error {
	if env.UpdatedAt.IsZero() {
		env.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO environments (name, current_version, desired_version, health, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   current_version = excluded.current_version,
		   desired_version = excluded.desired_version,
		   health          = excluded.health,
		   updated_at      = excluded.updated_at`,
		string(env.Name), string(env.CurrentVersion), string(env.DesiredVersion),
		string(env.Health), env.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// Get retrieves a single environment by name.
func (s *SQLiteStore) Get(ctx context.Context, name Name) (*Environment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, current_version, desired_version, health, updated_at
		 FROM environments WHERE name = ?`, string(name))
	return scanEnvironment(row)
}

// Load returns every persisted environment.
func (s *SQLiteStore) Load(ctx context.Context) ([]Environment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, current_version, desired_version, health, updated_at
		 FROM environments ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEnvironment scans a single row into an Environment.
func scanEnvironment(row rowScanner) (*Environment, error) {
	var name, current, desired, health, updated string
	if err := row.Scan(&name, &current, &desired, &health, &updated); err != nil {
		return nil, err
	}
	env := &Environment{
		Name:           Name(name),
		CurrentVersion: release.ID(current),
		DesiredVersion: release.ID(desired),
		Health:         Health(health),
	}
	env.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return env, nil
}
