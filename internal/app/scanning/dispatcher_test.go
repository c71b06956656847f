package scanning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mobtriage/verdict/internal/domain/scanning"
	credmem "github.com/mobtriage/verdict/internal/infra/storage/credentials/memory"
	resultmem "github.com/mobtriage/verdict/internal/infra/storage/scanning/memory"
	"github.com/mobtriage/verdict/pkg/common/logger"
	"github.com/mobtriage/verdict/pkg/common/timeutil"
)

// fakeStaging records the batches it receives and optionally fails some of
// them.
type fakeStaging struct {
	mu      sync.Mutex
	batches [][]string
	failOn  map[int]error // batch index -> error
}

func (f *fakeStaging) UploadBatch(_ context.Context, paths []string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.batches)
	f.batches = append(f.batches, append([]string(nil), paths...))
	if err, ok := f.failOn[idx]; ok {
		return err
	}
	return nil
}

func (f *fakeStaging) received() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

// succeedingRunner terminates every task successfully and persists it.
type succeedingRunner struct {
	results scanning.ResultRepository
	clock   timeutil.Provider
}

func (r *succeedingRunner) Execute(ctx context.Context, task *scanning.Task) error {
	if err := task.Succeed(scanning.NewVerdict([]byte(`{"malicious":0}`)), r.clock.Now()); err != nil {
		return err
	}
	return r.results.Upsert(ctx, task)
}

func writeSizedFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func newDispatcherFixture(t *testing.T, runner TaskRunner, staging StagingService, results scanning.ResultRepository, cfg DispatchConfig) *BatchDispatcher {
	t.Helper()
	clock := timeutil.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewBatchDispatcher(runner, staging, results, cfg,
		clock, logger.Noop(), NoopScanMetrics(), noop.NewTracerProvider().Tracer("test"))
}

func TestSubmitGroupsFilesUnderBatchCeiling(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeSizedFile(t, dir, "a.apk", 100),
		writeSizedFile(t, dir, "b.apk", 100),
		writeSizedFile(t, dir, "c.apk", 100),
		writeSizedFile(t, dir, "d.apk", 50),
	}

	results := resultmem.NewResultStore()
	staging := &fakeStaging{}
	clock := timeutil.NewMock(time.Now())
	dispatcher := newDispatcherFixture(t,
		&succeedingRunner{results: results, clock: clock}, staging, results,
		DispatchConfig{BatchSizeCeiling: 250, Workers: 4})

	_, refs, err := dispatcher.Submit(context.Background(), paths)
	require.NoError(t, err)
	require.Len(t, refs, 4)
	dispatcher.Wait()

	batches := staging.received()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{paths[0], paths[1]}, batches[0])
	assert.Equal(t, []string{paths[2], paths[3]}, batches[1])

	for _, ref := range refs {
		got, err := results.Get(context.Background(), ref.TaskID)
		require.NoError(t, err)
		assert.Equal(t, scanning.TaskStatusSuccess, got.Status())
	}
}

func TestSubmitIsolatesOversizeFiles(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeSizedFile(t, dir, "small.apk", 50),
		writeSizedFile(t, dir, "huge.apk", 300),
		writeSizedFile(t, dir, "tiny.apk", 10),
	}

	results := resultmem.NewResultStore()
	staging := &fakeStaging{}
	clock := timeutil.NewMock(time.Now())
	dispatcher := newDispatcherFixture(t,
		&succeedingRunner{results: results, clock: clock}, staging, results,
		DispatchConfig{BatchSizeCeiling: 250, Workers: 4})

	_, _, err := dispatcher.Submit(context.Background(), paths)
	require.NoError(t, err)
	dispatcher.Wait()

	batches := staging.received()
	require.Len(t, batches, 3)
	assert.Equal(t, []string{paths[0]}, batches[0])
	assert.Equal(t, []string{paths[1]}, batches[1], "an oversize file gets a batch of its own")
	assert.Equal(t, []string{paths[2]}, batches[2])
}

func TestSubmitStagingFailureOnlyFailsItsBatch(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeSizedFile(t, dir, "a.apk", 200),
		writeSizedFile(t, dir, "b.apk", 200),
	}

	results := resultmem.NewResultStore()
	staging := &fakeStaging{failOn: map[int]error{0: errors.New("disk full")}}
	clock := timeutil.NewMock(time.Now())
	dispatcher := newDispatcherFixture(t,
		&succeedingRunner{results: results, clock: clock}, staging, results,
		DispatchConfig{BatchSizeCeiling: 250, Workers: 4})

	_, refs, err := dispatcher.Submit(context.Background(), paths)
	require.NoError(t, err)
	dispatcher.Wait()

	first, err := results.Get(context.Background(), refs[0].TaskID)
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusFailure, first.Status())
	assert.Contains(t, string(first.Result()), "staging upload failed")

	second, err := results.Get(context.Background(), refs[1].TaskID)
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusSuccess, second.Status(), "sibling batches are unaffected")
}

func TestSubmitUnreadableFileFailsAloneNotItsSiblings(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeSizedFile(t, dir, "a.apk", 100),
		filepath.Join(dir, "missing.apk"),
		writeSizedFile(t, dir, "b.apk", 100),
	}

	results := resultmem.NewResultStore()
	staging := &fakeStaging{}
	clock := timeutil.NewMock(time.Now())
	dispatcher := newDispatcherFixture(t,
		&succeedingRunner{results: results, clock: clock}, staging, results,
		DispatchConfig{BatchSizeCeiling: 250, Workers: 4})

	_, refs, err := dispatcher.Submit(context.Background(), paths)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	dispatcher.Wait()

	batches := staging.received()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{paths[0], paths[2]}, batches[0],
		"an unreadable path never reaches staging")

	missing, err := results.Get(context.Background(), refs[1].TaskID)
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusFailure, missing.Status())
	assert.Contains(t, string(missing.Result()), "reading file")

	for _, i := range []int{0, 2} {
		got, err := results.Get(context.Background(), refs[i].TaskID)
		require.NoError(t, err)
		assert.Equal(t, scanning.TaskStatusSuccess, got.Status(),
			"readable siblings stage and complete normally")
	}
}

func TestSubmitRejectsEmptySubmission(t *testing.T) {
	results := resultmem.NewResultStore()
	dispatcher := newDispatcherFixture(t,
		&succeedingRunner{results: results, clock: timeutil.Default()}, &fakeStaging{}, results,
		DispatchConfig{BatchSizeCeiling: 250, Workers: 4})

	_, _, err := dispatcher.Submit(context.Background(), nil)
	assert.Error(t, err)
}

func TestSubmissionTracksTaskRefs(t *testing.T) {
	dir := t.TempDir()
	path := writeSizedFile(t, dir, "a.apk", 10)

	results := resultmem.NewResultStore()
	clock := timeutil.NewMock(time.Now())
	dispatcher := newDispatcherFixture(t,
		&succeedingRunner{results: results, clock: clock}, &fakeStaging{}, results,
		DispatchConfig{BatchSizeCeiling: 250, Workers: 4})

	id, refs, err := dispatcher.Submit(context.Background(), []string{path})
	require.NoError(t, err)
	dispatcher.Wait()

	got, ok := dispatcher.Submission(id)
	require.True(t, ok)
	assert.Equal(t, refs, got)

	_, ok = dispatcher.Submission(uuid.New())
	assert.False(t, ok)
}

// TestPooledUsageAccountingUnderConcurrency runs many tasks against a small
// pool and checks that every network request landed as exactly one usage
// increment.
func TestPooledUsageAccountingUnderConcurrency(t *testing.T) {
	dir := t.TempDir()
	const fileCount = 50
	paths := make([]string, fileCount)
	for i := range paths {
		paths[i] = writeSizedFile(t, dir, fmt.Sprintf("file-%02d.apk", i), 10+i)
	}

	service := newFakeService()
	service.fallback = &scriptedCall{verdict: scanning.NewVerdict([]byte(`{"malicious":0}`))}

	creds := credmem.NewCredentialStore()
	_, _, err := creds.Add(context.Background(), []string{"key-a", "key-b"})
	require.NoError(t, err)

	results := resultmem.NewResultStore()
	clock := timeutil.NewMock(time.Now())
	tracer := noop.NewTracerProvider().Tracer("test")

	allocator := NewCredentialAllocator(creds, 24*time.Hour, clock, logger.Noop(), tracer)
	executor := NewTaskExecutor(allocator, service, results, fastConfig(), clock, logger.Noop(), NoopScanMetrics(), tracer)

	dispatcher := NewBatchDispatcher(executor, &fakeStaging{}, results,
		DispatchConfig{BatchSizeCeiling: 1 << 20, Workers: 8},
		clock, logger.Noop(), NoopScanMetrics(), tracer)

	_, refs, err := dispatcher.Submit(context.Background(), paths)
	require.NoError(t, err)
	dispatcher.Wait()

	for _, ref := range refs {
		got, err := results.Get(context.Background(), ref.TaskID)
		require.NoError(t, err)
		assert.Equal(t, scanning.TaskStatusSuccess, got.Status())
	}

	lookups, uploads := service.calls()
	all, err := creds.List(context.Background())
	require.NoError(t, err)
	var totalUsage int64
	for _, c := range all {
		totalUsage += c.UsageCount()
	}
	assert.Equal(t, int64(lookups+uploads), totalUsage,
		"usage counts must equal requests actually sent")
	assert.Equal(t, fileCount, lookups)
}
