package scanning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mobtriage/verdict/internal/domain/scanning"
	"github.com/mobtriage/verdict/internal/infra/reputation"
	"github.com/mobtriage/verdict/pkg/common/logger"
	"github.com/mobtriage/verdict/pkg/common/timeutil"
)

// ReputationService is the executor-facing surface of the reputation client.
type ReputationService interface {
	// Lookup queries for an existing analysis of the content hash.
	Lookup(ctx context.Context, hash, apiKey string) (scanning.Verdict, error)
	// Upload submits the file's bytes for a fresh analysis.
	Upload(ctx context.Context, path, apiKey string) (scanning.Verdict, error)
}

// ExecutorConfig tunes the task executor's retry behavior.
type ExecutorConfig struct {
	// MaxFileSize is the reputation service's upload size ceiling in bytes.
	// Files above it fail during hashing without consuming a credential.
	MaxFileSize int64
	// BackoffBase is the first retry interval for a credential the service
	// reports as not yet active. Subsequent intervals double.
	BackoffBase time.Duration
	// MaxAuthAttempts is how many not-yet-active responses a single
	// credential may produce on one task before it is banned.
	MaxAuthAttempts int
}

// TaskExecutor runs one file reputation check end to end: hash the file,
// look the hash up, upload the bytes when the service has never seen them,
// and persist exactly one terminal result. Credentials rotate out on rate
// limits and ban after repeated activation failures; all other errors fail
// the task.
type TaskExecutor struct {
	allocator *CredentialAllocator
	service   ReputationService
	results   scanning.ResultRepository
	cfg       ExecutorConfig

	clock   timeutil.Provider
	logger  *logger.Logger
	metrics ScanMetrics
	tracer  trace.Tracer
}

// NewTaskExecutor creates an executor from its collaborators.
func NewTaskExecutor(
	allocator *CredentialAllocator,
	service ReputationService,
	results scanning.ResultRepository,
	cfg ExecutorConfig,
	clock timeutil.Provider,
	log *logger.Logger,
	metrics ScanMetrics,
	tracer trace.Tracer,
) *TaskExecutor {
	return &TaskExecutor{
		allocator: allocator,
		service:   service,
		results:   results,
		cfg:       cfg,
		clock:     clock,
		logger:    log,
		metrics:   metrics,
		tracer:    tracer,
	}
}

type step int

const (
	stepLookup step = iota
	stepUpload
)

// Execute drives task to a terminal state and persists the outcome. It
// returns an error only when the task could not be terminated at all, such
// as the context being canceled or the result store rejecting the write; a
// failed check is a persisted FAILURE, not an error.
func (e *TaskExecutor) Execute(ctx context.Context, task *scanning.Task) error {
	ctx, span := e.tracer.Start(ctx, "executor.execute_task",
		trace.WithAttributes(
			attribute.String("task_id", task.TaskID().String()),
			attribute.String("file_path", task.FilePath()),
		))
	defer span.End()

	log := e.logger.With("task_id", task.TaskID().String(), "file_path", task.FilePath())

	hash, err := e.hashFile(task.FilePath())
	if err != nil {
		log.Warn(ctx, "task failed before any network request", "reason", err.Error())
		return e.fail(ctx, task, err.Error())
	}
	if err := task.SetContentHash(hash); err != nil {
		return e.fail(ctx, task, err.Error())
	}
	span.SetAttributes(attribute.String("content_hash", hash))

	cred, err := e.allocator.Allocate(ctx)
	if err != nil {
		return fmt.Errorf("allocating credential: %w", err)
	}

	bo := e.newBackoff()
	authAttempts := 0
	current := stepLookup

	for {
		if cred == nil {
			log.Warn(ctx, "no usable credential for task")
			return e.fail(ctx, task, "credential pool exhausted")
		}

		var verdict scanning.Verdict
		var callErr error
		switch current {
		case stepLookup:
			verdict, callErr = e.service.Lookup(ctx, hash, cred.Key())
		case stepUpload:
			verdict, callErr = e.service.Upload(ctx, task.FilePath(), cred.Key())
		}

		// Every request is charged to the credential that made it, whatever
		// the outcome. The pool's usage counts must match requests actually
		// sent.
		if recErr := e.allocator.RecordUse(ctx, cred.Key()); recErr != nil {
			log.Error(ctx, "recording credential use failed", "error", recErr)
		}
		e.metrics.IncRequests(ctx)

		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "task canceled")
			return ctx.Err()
		}

		switch {
		case callErr == nil:
			if err := task.Succeed(verdict, e.clock.Now()); err != nil {
				return err
			}
			return e.persist(ctx, task)

		case errors.Is(callErr, reputation.ErrNotFound) && current == stepLookup:
			// The service has never seen these bytes. Upload them; the
			// verdict comes from the fresh analysis instead.
			current = stepUpload

		case errors.Is(callErr, reputation.ErrRateLimited):
			if err := e.allocator.RecordRateLimited(ctx, cred.Key()); err != nil {
				log.Error(ctx, "marking credential limited failed", "error", err)
			}
			e.metrics.IncCredentialRotations(ctx)
			cred, err = e.allocator.Allocate(ctx)
			if err != nil {
				return fmt.Errorf("allocating replacement credential: %w", err)
			}
			authAttempts = 0
			bo.Reset()

		case errors.Is(callErr, reputation.ErrCredentialNotActive):
			authAttempts++
			if authAttempts >= e.cfg.MaxAuthAttempts {
				if err := e.allocator.RecordBanned(ctx, cred.Key()); err != nil {
					log.Error(ctx, "banning credential failed", "error", err)
				}
				e.metrics.IncCredentialBans(ctx)
				e.metrics.IncCredentialRotations(ctx)
				cred, err = e.allocator.Allocate(ctx)
				if err != nil {
					return fmt.Errorf("allocating replacement credential: %w", err)
				}
				authAttempts = 0
				bo.Reset()
				continue
			}
			if err := e.sleep(ctx, bo.NextBackOff()); err != nil {
				return err
			}

		default:
			log.Warn(ctx, "task failed", "reason", callErr.Error())
			return e.fail(ctx, task, callErr.Error())
		}
	}
}

// hashFile computes the file's SHA-256 digest, rejecting files above the
// upload size ceiling before reading any bytes.
func (e *TaskExecutor) hashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %v", err)
	}
	if e.cfg.MaxFileSize > 0 && info.Size() > e.cfg.MaxFileSize {
		return "", fmt.Errorf("file is %d bytes, exceeding the %d byte upload limit", info.Size(), e.cfg.MaxFileSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("reading file: %v", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing file: %v", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (e *TaskExecutor) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.BackoffBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 10 * e.cfg.BackoffBase
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (e *TaskExecutor) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *TaskExecutor) fail(ctx context.Context, task *scanning.Task, reason string) error {
	if err := task.Fail(reason, e.clock.Now()); err != nil {
		return err
	}
	return e.persist(ctx, task)
}

func (e *TaskExecutor) persist(ctx context.Context, task *scanning.Task) error {
	if err := e.results.Upsert(ctx, task); err != nil {
		return fmt.Errorf("persisting task result: %w", err)
	}
	e.metrics.IncTasksCompleted(ctx, task.Status().String())
	return nil
}
