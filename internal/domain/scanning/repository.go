package scanning

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when no result exists for a task id. Callers
// polling for completion translate it to a pending status.
var ErrTaskNotFound = errors.New("task result not found")

// ResultRepository defines the persistence operations for task outcomes.
// Each task owns a distinct key, so implementations need no cross-task
// locking, but a terminal write must be durable before Get can observe it.
type ResultRepository interface {
	// Upsert inserts or replaces the record keyed by the task's id. Writing
	// the same terminal state twice is a no-op in effect, which makes the
	// executor idempotent under at-least-once task delivery.
	Upsert(ctx context.Context, task *Task) error

	// Get retrieves a task's persisted outcome. Returns ErrTaskNotFound when
	// no record exists.
	Get(ctx context.Context, taskID uuid.UUID) (*Task, error)
}
