package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/oculab/fundus-assistant/internal/core/domain"
)

// TaskHistoryRepository is the durable mirror behind the in-memory task
// registry. It never drives the processing loop; it only makes history
// survive restarts and lets the worker see tasks created by the API.
type TaskHistoryRepository struct {
	db *sql.DB
}

func NewTaskHistoryRepository(db *sql.DB) *TaskHistoryRepository {
	return &TaskHistoryRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *TaskHistoryRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026082801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS batch_tasks (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	total_items INTEGER NOT NULL,
	processed_items INTEGER NOT NULL DEFAULT 0,
	source_key TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	results JSONB,
	error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_batch_tasks_started_at ON batch_tasks(started_at DESC);

CREATE TABLE IF NOT EXISTS chat_kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *TaskHistoryRepository) Save(ctx context.Context, task *domain.BatchTask) error {
	var resultsJSON interface{}
	if task.Results != nil {
		raw, err := json.Marshal(task.Results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		resultsJSON = raw
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO batch_tasks (id, status, progress, total_items, processed_items, source_key, started_at, completed_at, results, error_message)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	progress = EXCLUDED.progress,
	processed_items = EXCLUDED.processed_items,
	completed_at = EXCLUDED.completed_at,
	results = EXCLUDED.results,
	error_message = EXCLUDED.error_message
`,
		task.ID, string(task.Status), task.Progress, task.TotalItems, task.ProcessedItems,
		task.SourceKey, task.StartedAt, task.CompletedAt, resultsJSON, task.Error,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (r *TaskHistoryRepository) Get(ctx context.Context, taskID string) (*domain.BatchTask, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, status, progress, total_items, processed_items, source_key, started_at, completed_at, results, error_message
FROM batch_tasks
WHERE id = $1
`, taskID)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrTaskNotFound, "get task", fmt.Errorf("id=%s", taskID))
		}
		return nil, fmt.Errorf("get task by id: %w", err)
	}
	return task, nil
}

func (r *TaskHistoryRepository) List(ctx context.Context) ([]domain.BatchTask, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, status, progress, total_items, processed_items, source_key, started_at, completed_at, results, error_message
FROM batch_tasks
ORDER BY started_at DESC
`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]domain.BatchTask, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

type taskScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row taskScanner) (*domain.BatchTask, error) {
	var task domain.BatchTask
	var status string
	var completedAt sql.NullTime
	var resultsRaw []byte

	err := row.Scan(
		&task.ID,
		&status,
		&task.Progress,
		&task.TotalItems,
		&task.ProcessedItems,
		&task.SourceKey,
		&task.StartedAt,
		&completedAt,
		&resultsRaw,
		&task.Error,
	)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	if completedAt.Valid {
		at := completedAt.Time
		task.CompletedAt = &at
	}
	if len(resultsRaw) > 0 {
		if err := json.Unmarshal(resultsRaw, &task.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	return &task, nil
}
