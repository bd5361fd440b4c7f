package migration

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/shipyard/release"
)

// Record is one migration execution.
type Record struct {
	Environment string     `json:"environment"`
	Release     release.ID `json:"release"`
	TaskID      string     `json:"taskId,omitempty"`
	ExitCode    int        `json:"exitCode"`
	Succeeded   bool       `json:"succeeded"`
	Reason      string     `json:"reason,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  time.Time  `json:"finishedAt"`
}

// History persists migration executions.
type History interface {
	// Succeeded reports whether rel was already migrated in environment.
	Succeeded(ctx context.Context, environment string, rel release.ID) (bool, error)
	// Record appends an execution record.
	Record(ctx context.Context, rec Record) error
}

// SQLiteHistory implements History using SQLite.
type SQLiteHistory struct {
	db *sql.DB
}

// NewSQLiteHistory creates a SQLiteHistory and ensures the migrations
// table exists.
func NewSQLiteHistory(db *sql.DB) (*SQLiteHistory, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS migrations (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		environment TEXT NOT NULL,
		release_id  TEXT NOT NULL,
		task_id     TEXT NOT NULL DEFAULT '',
		exit_code   INTEGER NOT NULL DEFAULT 0,
		succeeded   INTEGER NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_migrations_env_release ON migrations(environment, release_id)`); err != nil {
		return nil, fmt.Errorf("create migrations index: %w", err)
	}
	return &SQLiteHistory{db: db}, nil
}

// Succeeded implements History.
func (s *SQLiteHistory) Succeeded(ctx context.Context, environment string, rel release.ID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM migrations WHERE environment = ? AND release_id = ? AND succeeded = 1`,
		environment, string(rel)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query migrations: %w", err)
	}
	return n > 0, nil
}

// Record implements History.
func (s *SQLiteHistory) Record(ctx context.Context, rec Record) error {
	succeeded := 0
	if rec.Succeeded {
		succeeded = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO migrations (environment, release_id, task_id, exit_code, succeeded, reason, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Environment, string(rec.Release), rec.TaskID, rec.ExitCode, succeeded, rec.Reason,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert migrations: %w", err)
	}
	return nil
}

// List returns the records for environment, oldest first.
func (s *SQLiteHistory) List(ctx context.Context, environment string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT environment, release_id, task_id, exit_code, succeeded, reason, started_at, finished_at
		 FROM migrations WHERE environment = ? ORDER BY id`, environment)
	if err != nil {
		return nil, fmt.Errorf("query migrations: %w", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		var (
			rec               Record
			relID             string
			succeeded         int
			started, finished string
		)
		if err := rows.Scan(&rec.Environment, &relID, &rec.TaskID, &rec.ExitCode, &succeeded, &rec.Reason, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		rec.Release = release.ID(relID)
		rec.Succeeded = succeeded == 1
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		rec.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// MemoryHistory implements History in memory.
type MemoryHistory struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryHistory creates an empty MemoryHistory.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

// Succeeded implements History.
func (m *MemoryHistory) Succeeded(_ context.Context, environment string, rel release.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.Environment == environment && r.Release == rel && r.Succeeded {
			return true, nil
		}
	}
	return false, nil
}

// Record implements History.
func (m *MemoryHistory) Record(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of all records.
func (m *MemoryHistory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}
