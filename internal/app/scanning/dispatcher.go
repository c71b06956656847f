package scanning

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/mobtriage/verdict/internal/domain/scanning"
	"github.com/mobtriage/verdict/pkg/common"
	"github.com/mobtriage/verdict/pkg/common/logger"
	"github.com/mobtriage/verdict/pkg/common/timeutil"
)

// TaskRunner drives a single task to a terminal state.
type TaskRunner interface {
	Execute(ctx context.Context, task *scanning.Task) error
}

// StagingService copies a batch of files onto the staging server.
type StagingService interface {
	UploadBatch(ctx context.Context, paths []string, owner string) error
}

// DispatchConfig tunes batch construction and execution.
type DispatchConfig struct {
	// BatchSizeCeiling is the maximum combined byte size of one staged
	// batch. A single file above the ceiling gets a batch of its own.
	BatchSizeCeiling int64
	// PacingDelay is the minimum gap between consecutive batch dispatches.
	PacingDelay time.Duration
	// Workers bounds how many tasks run concurrently.
	Workers int64
}

// TaskRef identifies one task created by a submission.
type TaskRef struct {
	TaskID   uuid.UUID
	FilePath string
}

// BatchDispatcher turns a submission of file paths into scan tasks, groups
// them into size-bounded batches, stages each batch, and feeds the tasks to
// a bounded worker pool. Batches dispatch at a fixed pace so the aggregate
// request rate stays under the service's batch quota.
type BatchDispatcher struct {
	executor TaskRunner
	staging  StagingService
	results  scanning.ResultRepository
	cfg      DispatchConfig

	pace    *common.RateLimiter
	workers *semaphore.Weighted
	wg      sync.WaitGroup

	mu          sync.RWMutex
	submissions map[uuid.UUID][]TaskRef

	clock   timeutil.Provider
	logger  *logger.Logger
	metrics ScanMetrics
	tracer  trace.Tracer
}

// NewBatchDispatcher creates a dispatcher from its collaborators.
func NewBatchDispatcher(
	executor TaskRunner,
	staging StagingService,
	results scanning.ResultRepository,
	cfg DispatchConfig,
	clock timeutil.Provider,
	log *logger.Logger,
	metrics ScanMetrics,
	tracer trace.Tracer,
) *BatchDispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &BatchDispatcher{
		executor:    executor,
		staging:     staging,
		results:     results,
		cfg:         cfg,
		pace:        common.NewIntervalLimiter(cfg.PacingDelay),
		workers:     semaphore.NewWeighted(workers),
		submissions: make(map[uuid.UUID][]TaskRef),
		clock:       clock,
		logger:      log,
		metrics:     metrics,
		tracer:      tracer,
	}
}

// Submit creates one pending task per file path and dispatches the batches
// in the background. It returns immediately with the submission id and the
// task references callers poll for results.
func (d *BatchDispatcher) Submit(ctx context.Context, paths []string) (uuid.UUID, []TaskRef, error) {
	if len(paths) == 0 {
		return uuid.Nil, nil, fmt.Errorf("submission contains no files")
	}

	submissionID := uuid.New()
	now := d.clock.Now()

	tasks := make([]*scanning.Task, 0, len(paths))
	refs := make([]TaskRef, 0, len(paths))
	for _, path := range paths {
		task := scanning.NewTask(uuid.New(), path, now)
		tasks = append(tasks, task)
		refs = append(refs, TaskRef{TaskID: task.TaskID(), FilePath: path})
	}

	d.mu.Lock()
	d.submissions[submissionID] = refs
	d.mu.Unlock()

	batches := d.partition(ctx, tasks)
	d.logger.Info(ctx, "submission accepted",
		"submission_id", submissionID.String(),
		"file_count", len(paths),
		"batch_count", len(batches))

	// Dispatch outlives the submitting request.
	bgCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(bgCtx, submissionID, batches)
	}()

	return submissionID, refs, nil
}

// Submission returns the task references created for a submission id.
func (d *BatchDispatcher) Submission(id uuid.UUID) ([]TaskRef, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	refs, ok := d.submissions[id]
	return refs, ok
}

// Wait blocks until all in-flight dispatch work has finished.
func (d *BatchDispatcher) Wait() { d.wg.Wait() }

// partition groups tasks into batches whose combined file size stays under
// the ceiling. Grouping is greedy in submission order; a file above the
// ceiling becomes a batch of its own. A file that cannot be read fails its
// own task right here and never reaches staging, so its readable siblings
// stage and run normally.
func (d *BatchDispatcher) partition(ctx context.Context, tasks []*scanning.Task) [][]*scanning.Task {
	var batches [][]*scanning.Task
	var current []*scanning.Task
	var currentSize int64

	for _, task := range tasks {
		info, err := os.Stat(task.FilePath())
		if err != nil {
			d.logger.Warn(ctx, "file unreadable at submission, failing its task",
				"file_path", task.FilePath(), "error", err)
			d.failTask(ctx, task, fmt.Sprintf("reading file: %v", err))
			continue
		}
		size := info.Size()

		if size > d.cfg.BatchSizeCeiling {
			if len(current) > 0 {
				batches = append(batches, current)
				current = nil
				currentSize = 0
			}
			batches = append(batches, []*scanning.Task{task})
			continue
		}

		if len(current) > 0 && currentSize+size > d.cfg.BatchSizeCeiling {
			batches = append(batches, current)
			current = nil
			currentSize = 0
		}
		current = append(current, task)
		currentSize += size
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// dispatch stages and runs each batch in order, pacing the gaps between
// them. A staging failure fails that batch's tasks and moves on; sibling
// batches are unaffected.
func (d *BatchDispatcher) dispatch(ctx context.Context, submissionID uuid.UUID, batches [][]*scanning.Task) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch_submission",
		trace.WithAttributes(
			attribute.String("submission_id", submissionID.String()),
			attribute.Int("batch_count", len(batches)),
		))
	defer span.End()

	for i, batch := range batches {
		if err := d.pace.Wait(ctx); err != nil {
			d.logger.Error(ctx, "dispatch canceled while pacing",
				"submission_id", submissionID.String(), "error", err)
			return
		}

		paths := make([]string, len(batch))
		for j, task := range batch {
			paths[j] = task.FilePath()
		}

		if err := d.staging.UploadBatch(ctx, paths, submissionID.String()); err != nil {
			d.logger.Error(ctx, "staging failed, failing batch",
				"submission_id", submissionID.String(),
				"batch_index", i,
				"error", err)
			d.failBatch(ctx, batch, fmt.Sprintf("staging upload failed: %v", err))
			continue
		}
		d.metrics.IncBatchesDispatched(ctx)

		for _, task := range batch {
			if err := d.workers.Acquire(ctx, 1); err != nil {
				d.logger.Error(ctx, "dispatch canceled while waiting for a worker",
					"submission_id", submissionID.String(), "error", err)
				return
			}
			d.wg.Add(1)
			go func(task *scanning.Task) {
				defer d.wg.Done()
				defer d.workers.Release(1)
				if err := d.executor.Execute(ctx, task); err != nil {
					d.logger.Error(ctx, "task execution aborted",
						"task_id", task.TaskID().String(), "error", err)
				}
			}(task)
		}
	}
}

// failBatch persists a failure result for every task in the batch.
func (d *BatchDispatcher) failBatch(ctx context.Context, batch []*scanning.Task, reason string) {
	for _, task := range batch {
		d.failTask(ctx, task, reason)
	}
}

// failTask persists a terminal failure for one task.
func (d *BatchDispatcher) failTask(ctx context.Context, task *scanning.Task, reason string) {
	if err := task.Fail(reason, d.clock.Now()); err != nil {
		d.logger.Error(ctx, "failing task", "task_id", task.TaskID().String(), "error", err)
		return
	}
	if err := d.results.Upsert(ctx, task); err != nil {
		d.logger.Error(ctx, "persisting task failure", "task_id", task.TaskID().String(), "error", err)
		return
	}
	d.metrics.IncTasksCompleted(ctx, task.Status().String())
}
