// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/genprogress/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "task_runs"

// Config controls the Postgres connection pool used for task rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of pgxpool.Pool used by TaskStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// TaskStore implements store.TaskRepository using Postgres.
//
// Expected schema:
//
//	CREATE TABLE task_runs (
//	  task_id          text PRIMARY KEY,
//	  attempt_id       text NOT NULL,
//	  started_at       timestamptz NOT NULL,
//	  updated_at       timestamptz NOT NULL,
//	  finished_at      timestamptz,
//	  status           text NOT NULL,
//	  current_phase    text NOT NULL DEFAULT '',
//	  overall_progress double precision NOT NULL DEFAULT 0,
//	  completed_phases text[] NOT NULL DEFAULT '{}',
//	  last_message     text NOT NULL DEFAULT '',
//	  error_message    text
//	);
type TaskStore struct {
	pool  DB
	table string
}

var _ store.TaskRepository = (*TaskStore)(nil)

// NewTaskStore connects to Postgres using cfg.
func NewTaskStore(ctx context.Context, cfg Config) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewTaskStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(pool DB, table string) (*TaskStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TaskStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertTaskStart inserts a run, or resets it for a new attempt.
func (s *TaskStore) UpsertTaskStart(ctx context.Context, taskID, attemptID string, startedAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (task_id, attempt_id, started_at, updated_at, status)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (task_id) DO UPDATE
		SET attempt_id = EXCLUDED.attempt_id,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at,
			status = EXCLUDED.status,
			finished_at = NULL,
			current_phase = '',
			overall_progress = 0,
			completed_phases = '{}',
			last_message = '',
			error_message = NULL
		WHERE %[1]s.attempt_id <> EXCLUDED.attempt_id;
	`, s.table)
	if _, err := s.pool.Exec(ctx, query, taskID, attemptID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert task start: %w", err)
	}
	return nil
}

// UpdateProgress stores the latest progress of a running task.
func (s *TaskStore) UpdateProgress(ctx context.Context, taskID string, update store.ProgressUpdate) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET current_phase = $1, overall_progress = $2, completed_phases = $3,
			last_message = $4, updated_at = $5
		WHERE task_id = $6 AND updated_at <= $5;
	`, s.table)
	phases := update.CompletedPhases
	if phases == nil {
		phases = []string{}
	}
	_, err := s.pool.Exec(ctx, query,
		update.CurrentPhase,
		update.OverallProgress,
		phases,
		update.LastMessage,
		update.At,
		taskID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	return nil
}

// CompleteTask marks a run finished with a status and optional error message.
func (s *TaskStore) CompleteTask(
	ctx context.Context,
	taskID string,
	finishedAt time.Time,
	status store.TaskRunStatus,
	errMsg *string,
) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_at = $1, updated_at = $1, status = $2, error_message = $3
		WHERE task_id = $4;
	`, s.table)
	res, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, taskID)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const taskColumns = `task_id, attempt_id, started_at, updated_at, finished_at, status,
	current_phase, overall_progress, completed_phases, last_message, error_message`

// GetTask retrieves a single run by task id.
func (s *TaskStore) GetTask(ctx context.Context, taskID string) (store.TaskRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE task_id = $1;`, taskColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.TaskRun{}, store.ErrNotFound
		}
		return store.TaskRun{}, fmt.Errorf("failed to get task: %w", err)
	}
	return run, nil
}

// ListTasks retrieves runs, newest first, with optional status filtering.
func (s *TaskStore) ListTasks(
	ctx context.Context,
	status *store.TaskRunStatus,
	limit,
	offset int,
) ([]store.TaskRun, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`, taskColumns, s.table)
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	runs := []store.TaskRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.TaskRun, error) {
	var run store.TaskRun
	err := row.Scan(
		&run.TaskID,
		&run.AttemptID,
		&run.StartedAt,
		&run.UpdatedAt,
		&run.FinishedAt,
		&run.Status,
		&run.CurrentPhase,
		&run.OverallProgress,
		&run.CompletedPhases,
		&run.LastMessage,
		&run.ErrorMessage,
	)
	return run, err
}
