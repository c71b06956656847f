// Package scanning provides domain types and interfaces for tracking file
// reputation checks from submission to a terminal verdict. It defines the
// core abstractions the dispatcher, executor, and result storage share.
package scanning

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task tracks one file's end-to-end reputation check. A task is owned by the
// executor that runs it; once a terminal status is persisted the record is
// read-only.
type Task struct {
	taskID      uuid.UUID
	filePath    string
	contentHash string
	status      TaskStatus
	result      json.RawMessage
	createdAt   time.Time
	completedAt time.Time
}

// NewTask creates a pending task for the given file path.
func NewTask(taskID uuid.UUID, filePath string, createdAt time.Time) *Task {
	return &Task{
		taskID:    taskID,
		filePath:  filePath,
		status:    TaskStatusPending,
		createdAt: createdAt,
	}
}

// ReconstructTask creates a Task instance from persisted data without
// enforcing creation-time invariants. This should only be used by
// repositories when reconstructing from storage.
func ReconstructTask(
	taskID uuid.UUID,
	filePath string,
	contentHash string,
	status TaskStatus,
	result json.RawMessage,
	createdAt time.Time,
	completedAt time.Time,
) *Task {
	return &Task{
		taskID:      taskID,
		filePath:    filePath,
		contentHash: contentHash,
		status:      status,
		result:      result,
		createdAt:   createdAt,
		completedAt: completedAt,
	}
}

// TaskID returns the unique identifier for this task.
func (t *Task) TaskID() uuid.UUID { return t.taskID }

// FilePath returns the local path of the file being checked.
func (t *Task) FilePath() string { return t.filePath }

// ContentHash returns the SHA-256 digest of the file's bytes, or the empty
// string before hashing.
func (t *Task) ContentHash() string { return t.contentHash }

// Status returns the task's current execution status.
func (t *Task) Status() TaskStatus { return t.status }

// Result returns the opaque verdict payload for a successful task, or the
// failure description for a failed one.
func (t *Task) Result() json.RawMessage { return t.result }

// CreatedAt returns the time the task was created.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// CompletedAt returns the time the task reached a terminal status.
func (t *Task) CompletedAt() time.Time { return t.completedAt }

// IsTerminal reports whether the task has reached SUCCESS or FAILURE.
func (t *Task) IsTerminal() bool { return t.status.IsTerminal() }

// SetContentHash records the file's content hash. The hash is computed at
// most once per task and is stable for the task's lifetime.
func (t *Task) SetContentHash(hash string) error {
	if t.contentHash != "" && t.contentHash != hash {
		return fmt.Errorf("content hash already set for task %s", t.taskID)
	}
	t.contentHash = hash
	return nil
}

// Succeed marks the task successful with the service's verdict.
func (t *Task) Succeed(verdict Verdict, now time.Time) error {
	if err := t.status.validateTransition(TaskStatusSuccess); err != nil {
		return err
	}
	t.status = TaskStatusSuccess
	t.result = verdict.Data()
	t.completedAt = now
	return nil
}

// Fail marks the task failed with a description of what went wrong. The
// description is stored as a JSON object so the result column has a single
// shape for both outcomes.
func (t *Task) Fail(reason string, now time.Time) error {
	if err := t.status.validateTransition(TaskStatusFailure); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		return fmt.Errorf("marshaling failure reason: %w", err)
	}
	t.status = TaskStatusFailure
	t.result = payload
	t.completedAt = now
	return nil
}
