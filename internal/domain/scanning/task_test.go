package scanning

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskIsPending(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	now := time.Now().UTC()
	task := NewTask(id, "/staged/app.apk", now)

	assert.Equal(t, id, task.TaskID())
	assert.Equal(t, "/staged/app.apk", task.FilePath())
	assert.Equal(t, TaskStatusPending, task.Status())
	assert.Empty(t, task.ContentHash())
	assert.False(t, task.IsTerminal())
}

func TestSetContentHashIsStable(t *testing.T) {
	t.Parallel()

	task := NewTask(uuid.New(), "/staged/app.apk", time.Now())

	require.NoError(t, task.SetContentHash("abc123"))
	assert.Equal(t, "abc123", task.ContentHash())

	// Re-setting the same hash is tolerated, a different one is not.
	require.NoError(t, task.SetContentHash("abc123"))
	assert.Error(t, task.SetContentHash("def456"))
	assert.Equal(t, "abc123", task.ContentHash())
}

func TestSucceedStoresVerdict(t *testing.T) {
	t.Parallel()

	task := NewTask(uuid.New(), "/staged/app.apk", time.Now())
	now := time.Now().UTC()

	verdict := NewVerdict(json.RawMessage(`{"malicious":3}`))
	require.NoError(t, task.Succeed(verdict, now))

	assert.Equal(t, TaskStatusSuccess, task.Status())
	assert.JSONEq(t, `{"malicious":3}`, string(task.Result()))
	assert.Equal(t, now, task.CompletedAt())
	assert.True(t, task.IsTerminal())
}

func TestFailStoresReason(t *testing.T) {
	t.Parallel()

	task := NewTask(uuid.New(), "/staged/app.apk", time.Now())
	require.NoError(t, task.Fail("file not found", time.Now()))

	assert.Equal(t, TaskStatusFailure, task.Status())
	assert.JSONEq(t, `{"error":"file not found"}`, string(task.Result()))
}

func TestTerminalStatusNeverReverses(t *testing.T) {
	t.Parallel()

	now := time.Now()

	succeeded := NewTask(uuid.New(), "/a", now)
	require.NoError(t, succeeded.Succeed(NewVerdict(json.RawMessage(`{}`)), now))
	assert.Error(t, succeeded.Fail("late failure", now))
	assert.Error(t, succeeded.Succeed(NewVerdict(json.RawMessage(`{}`)), now))
	assert.Equal(t, TaskStatusSuccess, succeeded.Status())

	failed := NewTask(uuid.New(), "/b", now)
	require.NoError(t, failed.Fail("broken", now))
	assert.Error(t, failed.Succeed(NewVerdict(json.RawMessage(`{}`)), now))
	assert.Equal(t, TaskStatusFailure, failed.Status())
}

func TestParseTaskStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, TaskStatusPending, ParseTaskStatus("PENDING"))
	assert.Equal(t, TaskStatusSuccess, ParseTaskStatus("SUCCESS"))
	assert.Equal(t, TaskStatusFailure, ParseTaskStatus("FAILURE"))
	assert.Equal(t, TaskStatusUnspecified, ParseTaskStatus("whatever"))
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, TaskStatusPending.IsTerminal())
	assert.True(t, TaskStatusSuccess.IsTerminal())
	assert.True(t, TaskStatusFailure.IsTerminal())
}
