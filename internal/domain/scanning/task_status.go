package scanning

import (
	"errors"
	"fmt"
)

// TaskStatus represents the execution state of an individual file reputation
// check. Callers polling for results only ever observe pending or one of the
// two terminal states.
type TaskStatus string

// ErrTaskStatusUnknown is returned when a task status is unknown.
var ErrTaskStatusUnknown = errors.New("task status unknown")

const (
	// TaskStatusPending indicates a task is created but has not reached a
	// terminal state.
	TaskStatusPending TaskStatus = "PENDING"

	// TaskStatusSuccess indicates the reputation service produced a verdict
	// for the file.
	TaskStatusSuccess TaskStatus = "SUCCESS"

	// TaskStatusFailure indicates the task terminated without a verdict.
	// Callers must treat this as "verdict unknown", never as clean.
	TaskStatusFailure TaskStatus = "FAILURE"

	// TaskStatusUnspecified is used when a task status is unknown.
	TaskStatusUnspecified TaskStatus = "UNSPECIFIED"
)

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether the status is SUCCESS or FAILURE.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailure
}

// ParseTaskStatus converts a string to a TaskStatus.
func ParseTaskStatus(s string) TaskStatus {
	switch s {
	case "PENDING":
		return TaskStatusPending
	case "SUCCESS":
		return TaskStatusSuccess
	case "FAILURE":
		return TaskStatusFailure
	default:
		return TaskStatusUnspecified
	}
}

// validateTransition checks if a status transition is valid and returns an
// error if not.
func (s TaskStatus) validateTransition(target TaskStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid task status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces the task lifecycle: pending moves to exactly one
// terminal state and terminal states never change.
func (s TaskStatus) isValidTransition(target TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return target == TaskStatusSuccess || target == TaskStatusFailure
	case TaskStatusSuccess, TaskStatusFailure:
		return false
	default:
		return false
	}
}
