// Package postgres provides the PostgreSQL-backed scan task result store.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mobtriage/verdict/internal/domain/scanning"
	"github.com/mobtriage/verdict/internal/infra/storage"
)

// Ensure resultStore implements scanning.ResultRepository at compile time.
var _ scanning.ResultRepository = (*resultStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// resultStore implements scanning.ResultRepository on PostgreSQL.
type resultStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewResultStore creates a scanning.ResultRepository backed by PostgreSQL.
func NewResultStore(pool *pgxpool.Pool, tracer trace.Tracer) *resultStore {
	return &resultStore{pool: pool, tracer: tracer}
}

// Upsert inserts or replaces the record keyed by the task's id.
func (s *resultStore) Upsert(ctx context.Context, task *scanning.Task) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", task.TaskID().String()),
		attribute.String("status", string(task.Status())),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_task_result", dbAttrs, func(ctx context.Context) error {
		completedAt := pgtype.Timestamptz{Time: task.CompletedAt(), Valid: !task.CompletedAt().IsZero()}

		_, err := s.pool.Exec(ctx, `
			INSERT INTO scan_task_results (task_id, file_path, content_hash, status, result, created_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (task_id) DO UPDATE SET
				content_hash = EXCLUDED.content_hash,
				status = EXCLUDED.status,
				result = EXCLUDED.result,
				completed_at = EXCLUDED.completed_at`,
			pgtype.UUID{Bytes: task.TaskID(), Valid: true},
			task.FilePath(),
			task.ContentHash(),
			task.Status().String(),
			[]byte(task.Result()),
			task.CreatedAt(),
			completedAt,
		)
		if err != nil {
			return fmt.Errorf("upserting task result: %w", err)
		}
		return nil
	})
}

// Get retrieves a task's persisted outcome. Returns scanning.ErrTaskNotFound
// when no record exists.
func (s *resultStore) Get(ctx context.Context, taskID uuid.UUID) (*scanning.Task, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", taskID.String()),
	)

	var task *scanning.Task

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_task_result", dbAttrs, func(ctx context.Context) error {
		var (
			id          pgtype.UUID
			filePath    string
			contentHash pgtype.Text
			status      string
			result      []byte
			createdAt   pgtype.Timestamptz
			completedAt pgtype.Timestamptz
		)
		err := s.pool.QueryRow(ctx, `
			SELECT task_id, file_path, content_hash, status, result, created_at, completed_at
			FROM scan_task_results
			WHERE task_id = $1`,
			pgtype.UUID{Bytes: taskID, Valid: true},
		).Scan(&id, &filePath, &contentHash, &status, &result, &createdAt, &completedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrTaskNotFound
			}
			return fmt.Errorf("getting task result: %w", err)
		}

		task = scanning.ReconstructTask(
			id.Bytes,
			filePath,
			contentHash.String,
			scanning.ParseTaskStatus(status),
			result,
			createdAt.Time,
			completedAt.Time,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}
