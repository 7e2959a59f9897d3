package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
)

// AuditRepository keeps a durable history of tasks and their attempts. Redis
// stays the source of truth for status; this is for reporting and forensics.
type AuditRepository interface {
	UpsertTask(ctx context.Context, task *domain.Task) error
	RecordAttempt(ctx context.Context, exec *domain.TaskExecution) error
	ListAttempts(ctx context.Context, taskID string) ([]*domain.TaskExecution, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the AuditRepository interface.
func NewRepository(pool *pgxpool.Pool) AuditRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// OpenDB exposes pool as a database/sql handle for tools such as goose.
func OpenDB(pool *pgxpool.Pool) *sql.DB {
	return stdlib.OpenDBFromPool(pool)
}

func (r *repository) UpsertTask(ctx context.Context, task *domain.Task) error {
	var errKind, errMsg *string
	if task.Error != nil {
		k, m := string(task.Error.Kind), task.Error.Message
		errKind, errMsg = &k, &m
	}
	var result []byte
	if len(task.Result) > 0 {
		result = task.Result
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO scrape_tasks
			(id, source_url, platform, status, result, error_kind, error_message,
			 attempt_count, created_at, updated_at, completed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			result        = EXCLUDED.result,
			error_kind    = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			attempt_count = EXCLUDED.attempt_count,
			updated_at    = EXCLUDED.updated_at,
			completed_at  = EXCLUDED.completed_at
	`,
		task.ID, task.SourceURL, string(task.Platform), string(task.Status), result,
		errKind, errMsg, task.AttemptCount, task.CreatedAt, task.UpdatedAt, task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}
	return nil
}

func (r *repository) RecordAttempt(ctx context.Context, exec *domain.TaskExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO scrape_attempts
			(id, task_id, worker_id, attempt, status, duration_ms, error_kind, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
	`,
		exec.ID, exec.TaskID, exec.WorkerID, exec.Attempt, string(exec.Status),
		exec.DurationMs, string(exec.ErrorKind), exec.Error, exec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record attempt for task %s: %w", exec.TaskID, err)
	}
	return nil
}

func (r *repository) ListAttempts(ctx context.Context, taskID string) ([]*domain.TaskExecution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, task_id, worker_id, attempt, status, duration_ms,
		       COALESCE(error_kind, ''), COALESCE(error, ''), executed_at
		FROM scrape_attempts
		WHERE task_id = $1
		ORDER BY attempt ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*domain.TaskExecution
	for rows.Next() {
		var (
			e               domain.TaskExecution
			status, errKind string
		)
		if err := rows.Scan(
			&e.ID, &e.TaskID, &e.WorkerID, &e.Attempt, &status,
			&e.DurationMs, &errKind, &e.Error, &e.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		e.Status = domain.Status(status)
		e.ErrorKind = domain.ErrorKind(errKind)
		out = append(out, &e)
	}
	return out, rows.Err()
}
