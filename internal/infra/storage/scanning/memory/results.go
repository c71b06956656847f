// Package memory provides an in-memory scan task result store for tests and
// single-process use.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/mobtriage/verdict/internal/domain/scanning"
)

// Ensure resultStore implements scanning.ResultRepository at compile time.
var _ scanning.ResultRepository = (*resultStore)(nil)

// resultStore implements scanning.ResultRepository with a mutex-guarded map.
type resultStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*scanning.Task
}

// NewResultStore creates an empty in-memory scanning.ResultRepository.
func NewResultStore() *resultStore {
	return &resultStore{tasks: make(map[uuid.UUID]*scanning.Task)}
}

func (s *resultStore) Upsert(_ context.Context, task *scanning.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.TaskID()] = snapshot(task)
	return nil
}

func (s *resultStore) Get(_ context.Context, taskID uuid.UUID) (*scanning.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, scanning.ErrTaskNotFound
	}
	return snapshot(task), nil
}

// snapshot copies a task so callers cannot mutate stored state.
func snapshot(t *scanning.Task) *scanning.Task {
	return scanning.ReconstructTask(
		t.TaskID(),
		t.FilePath(),
		t.ContentHash(),
		t.Status(),
		t.Result(),
		t.CreatedAt(),
		t.CompletedAt(),
	)
}
