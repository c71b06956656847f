package scanning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mobtriage/verdict/internal/domain/credential"
	"github.com/mobtriage/verdict/internal/domain/scanning"
	"github.com/mobtriage/verdict/internal/infra/reputation"
	credmem "github.com/mobtriage/verdict/internal/infra/storage/credentials/memory"
	resultmem "github.com/mobtriage/verdict/internal/infra/storage/scanning/memory"
	"github.com/mobtriage/verdict/pkg/common/logger"
	"github.com/mobtriage/verdict/pkg/common/timeutil"
)

type scriptedCall struct {
	verdict scanning.Verdict
	err     error
}

// fakeReputationService replays scripted responses per api key and counts
// every request it receives.
type fakeReputationService struct {
	mu       sync.Mutex
	lookups  map[string][]scriptedCall
	uploads  map[string][]scriptedCall
	fallback *scriptedCall

	lookupCalls int
	uploadCalls int
}

func newFakeService() *fakeReputationService {
	return &fakeReputationService{
		lookups: make(map[string][]scriptedCall),
		uploads: make(map[string][]scriptedCall),
	}
}

func (f *fakeReputationService) scriptLookup(key string, calls ...scriptedCall) {
	f.lookups[key] = append(f.lookups[key], calls...)
}

func (f *fakeReputationService) scriptUpload(key string, calls ...scriptedCall) {
	f.uploads[key] = append(f.uploads[key], calls...)
}

func (f *fakeReputationService) next(queue map[string][]scriptedCall, key string) (scanning.Verdict, error) {
	q := queue[key]
	if len(q) == 0 {
		if f.fallback != nil {
			return f.fallback.verdict, f.fallback.err
		}
		return scanning.Verdict{}, &reputation.PermanentError{Message: "unscripted request for key " + key}
	}
	queue[key] = q[1:]
	return q[0].verdict, q[0].err
}

func (f *fakeReputationService) Lookup(_ context.Context, _, apiKey string) (scanning.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++
	return f.next(f.lookups, apiKey)
}

func (f *fakeReputationService) Upload(_ context.Context, _, apiKey string) (scanning.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	return f.next(f.uploads, apiKey)
}

func (f *fakeReputationService) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookupCalls, f.uploadCalls
}

type executorFixture struct {
	executor *TaskExecutor
	creds    credential.Repository
	results  scanning.ResultRepository
	clock    *timeutil.Mock
}

func newExecutorFixture(t *testing.T, service ReputationService, keys []string, cfg ExecutorConfig) *executorFixture {
	t.Helper()

	creds := credmem.NewCredentialStore()
	_, _, err := creds.Add(context.Background(), keys)
	require.NoError(t, err)

	results := resultmem.NewResultStore()
	clock := timeutil.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tracer := noop.NewTracerProvider().Tracer("test")

	allocator := NewCredentialAllocator(creds, 24*time.Hour, clock, logger.Noop(), tracer)
	executor := NewTaskExecutor(allocator, service, results, cfg, clock, logger.Noop(), NoopScanMetrics(), tracer)

	return &executorFixture{executor: executor, creds: creds, results: results, clock: clock}
}

func fastConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxFileSize:     1 << 20,
		BackoffBase:     time.Millisecond,
		MaxAuthAttempts: 3,
	}
}

func writeScanFile(t *testing.T, content string) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.apk")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	sum := sha256.Sum256([]byte(content))
	return path, hex.EncodeToString(sum[:])
}

func usageCount(t *testing.T, repo credential.Repository, key string) int64 {
	t.Helper()
	cred, err := repo.Get(context.Background(), key)
	require.NoError(t, err)
	return cred.UsageCount()
}

func TestExecuteKnownHashSkipsUpload(t *testing.T) {
	path, hash := writeScanFile(t, "known-bytes")

	service := newFakeService()
	service.scriptLookup("key-a", scriptedCall{verdict: scanning.NewVerdict([]byte(`{"malicious":1}`))})

	fx := newExecutorFixture(t, service, []string{"key-a"}, fastConfig())
	task := scanning.NewTask(uuid.New(), path, fx.clock.Now())

	require.NoError(t, fx.executor.Execute(context.Background(), task))

	got, err := fx.results.Get(context.Background(), task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusSuccess, got.Status())
	assert.Equal(t, hash, got.ContentHash())
	assert.JSONEq(t, `{"malicious":1}`, string(got.Result()))

	lookups, uploads := service.calls()
	assert.Equal(t, 1, lookups)
	assert.Zero(t, uploads, "a known hash must never trigger an upload")
	assert.Equal(t, int64(1), usageCount(t, fx.creds, "key-a"))
}

func TestExecuteUnknownHashUploadsOnce(t *testing.T) {
	path, _ := writeScanFile(t, "never-seen-bytes")

	service := newFakeService()
	service.scriptLookup("key-a", scriptedCall{err: reputation.ErrNotFound})
	service.scriptUpload("key-a", scriptedCall{verdict: scanning.NewVerdict([]byte(`{"analysis":"fresh"}`))})

	fx := newExecutorFixture(t, service, []string{"key-a"}, fastConfig())
	task := scanning.NewTask(uuid.New(), path, fx.clock.Now())

	require.NoError(t, fx.executor.Execute(context.Background(), task))

	got, err := fx.results.Get(context.Background(), task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusSuccess, got.Status())
	assert.JSONEq(t, `{"analysis":"fresh"}`, string(got.Result()))

	lookups, uploads := service.calls()
	assert.Equal(t, 1, lookups)
	assert.Equal(t, 1, uploads)
	assert.Equal(t, int64(2), usageCount(t, fx.creds, "key-a"), "both requests charge the credential")
}

func TestExecuteRotatesOnRateLimit(t *testing.T) {
	path, _ := writeScanFile(t, "rate-limited-bytes")

	service := newFakeService()
	service.scriptLookup("key-a", scriptedCall{err: reputation.ErrRateLimited})
	service.scriptLookup("key-b", scriptedCall{verdict: scanning.NewVerdict([]byte(`{"malicious":0}`))})

	fx := newExecutorFixture(t, service, []string{"key-a", "key-b"}, fastConfig())
	task := scanning.NewTask(uuid.New(), path, fx.clock.Now())

	require.NoError(t, fx.executor.Execute(context.Background(), task))

	got, err := fx.results.Get(context.Background(), task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusSuccess, got.Status())

	credA, err := fx.creds.Get(context.Background(), "key-a")
	require.NoError(t, err)
	assert.Equal(t, credential.StatusLimited, credA.Status())
	assert.Equal(t, fx.clock.Now().Add(24*time.Hour), credA.ResetTime())

	assert.Equal(t, int64(1), usageCount(t, fx.creds, "key-a"), "the rate-limited request still counts")
	assert.Equal(t, int64(1), usageCount(t, fx.creds, "key-b"))
}

func TestExecuteBansAfterRepeatedActivationFailures(t *testing.T) {
	path, _ := writeScanFile(t, "activation-failure-bytes")

	service := newFakeService()
	service.scriptLookup("key-a",
		scriptedCall{err: reputation.ErrCredentialNotActive},
		scriptedCall{err: reputation.ErrCredentialNotActive},
		scriptedCall{err: reputation.ErrCredentialNotActive},
	)
	service.scriptLookup("key-b", scriptedCall{verdict: scanning.NewVerdict([]byte(`{"malicious":0}`))})

	fx := newExecutorFixture(t, service, []string{"key-a", "key-b"}, fastConfig())
	task := scanning.NewTask(uuid.New(), path, fx.clock.Now())

	require.NoError(t, fx.executor.Execute(context.Background(), task))

	got, err := fx.results.Get(context.Background(), task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusSuccess, got.Status())

	credA, err := fx.creds.Get(context.Background(), "key-a")
	require.NoError(t, err)
	assert.Equal(t, credential.StatusBanned, credA.Status())

	assert.Equal(t, int64(3), usageCount(t, fx.creds, "key-a"))
	assert.Equal(t, int64(1), usageCount(t, fx.creds, "key-b"))
}

func TestExecuteActivationCounterResetsOnRotation(t *testing.T) {
	path, _ := writeScanFile(t, "counter-reset-bytes")

	service := newFakeService()
	service.scriptLookup("key-a",
		scriptedCall{err: reputation.ErrCredentialNotActive},
		scriptedCall{err: reputation.ErrCredentialNotActive},
		scriptedCall{err: reputation.ErrRateLimited},
	)
	service.scriptLookup("key-b",
		scriptedCall{err: reputation.ErrCredentialNotActive},
		scriptedCall{err: reputation.ErrCredentialNotActive},
		scriptedCall{verdict: scanning.NewVerdict([]byte(`{"malicious":0}`))},
	)

	fx := newExecutorFixture(t, service, []string{"key-a", "key-b"}, fastConfig())
	task := scanning.NewTask(uuid.New(), path, fx.clock.Now())

	require.NoError(t, fx.executor.Execute(context.Background(), task))

	got, err := fx.results.Get(context.Background(), task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusSuccess, got.Status())

	// key-b saw two activation failures, which is under the limit because
	// the count started fresh after rotation.
	credB, err := fx.creds.Get(context.Background(), "key-b")
	require.NoError(t, err)
	assert.Equal(t, credential.StatusActive, credB.Status())
}

func TestExecuteFailsWhenPoolExhausted(t *testing.T) {
	path, _ := writeScanFile(t, "no-credentials-bytes")

	service := newFakeService()
	fx := newExecutorFixture(t, service, nil, fastConfig())
	task := scanning.NewTask(uuid.New(), path, fx.clock.Now())

	require.NoError(t, fx.executor.Execute(context.Background(), task))

	got, err := fx.results.Get(context.Background(), task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusFailure, got.Status())
	assert.JSONEq(t, `{"error":"credential pool exhausted"}`, string(got.Result()))

	lookups, uploads := service.calls()
	assert.Zero(t, lookups+uploads)
}

func TestExecuteFailsOnPermanentError(t *testing.T) {
	path, _ := writeScanFile(t, "permanent-error-bytes")

	service := newFakeService()
	service.scriptLookup("key-a", scriptedCall{err: &reputation.PermanentError{StatusCode: 500, Message: "boom"}})

	fx := newExecutorFixture(t, service, []string{"key-a"}, fastConfig())
	task := scanning.NewTask(uuid.New(), path, fx.clock.Now())

	require.NoError(t, fx.executor.Execute(context.Background(), task))

	got, err := fx.results.Get(context.Background(), task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusFailure, got.Status())
	assert.Equal(t, int64(1), usageCount(t, fx.creds, "key-a"), "failed requests still count")
}

func TestExecuteOversizeFileFailsWithoutNetwork(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "huge.apk")
	require.NoError(t, os.WriteFile(path, make([]byte, 128), 0o644))

	service := newFakeService()
	cfg := fastConfig()
	cfg.MaxFileSize = 64

	fx := newExecutorFixture(t, service, []string{"key-a"}, cfg)
	task := scanning.NewTask(uuid.New(), path, fx.clock.Now())

	require.NoError(t, fx.executor.Execute(context.Background(), task))

	got, err := fx.results.Get(context.Background(), task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusFailure, got.Status())

	lookups, uploads := service.calls()
	assert.Zero(t, lookups+uploads, "oversize files must not reach the service")
	assert.Zero(t, usageCount(t, fx.creds, "key-a"), "oversize files must not consume a credential")
}

func TestExecuteMissingFileFailsWithoutNetwork(t *testing.T) {
	service := newFakeService()
	fx := newExecutorFixture(t, service, []string{"key-a"}, fastConfig())
	task := scanning.NewTask(uuid.New(), "/nonexistent/sample.apk", fx.clock.Now())

	require.NoError(t, fx.executor.Execute(context.Background(), task))

	got, err := fx.results.Get(context.Background(), task.TaskID())
	require.NoError(t, err)
	assert.Equal(t, scanning.TaskStatusFailure, got.Status())

	lookups, uploads := service.calls()
	assert.Zero(t, lookups+uploads)
}

func TestExecuteCanceledContextPersistsNothing(t *testing.T) {
	path, _ := writeScanFile(t, "canceled-bytes")

	service := newFakeService()
	service.scriptLookup("key-a", scriptedCall{err: reputation.ErrCredentialNotActive})

	cfg := fastConfig()
	cfg.BackoffBase = time.Minute

	fx := newExecutorFixture(t, service, []string{"key-a"}, cfg)
	task := scanning.NewTask(uuid.New(), path, fx.clock.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.executor.Execute(ctx, task) }()

	// Cancel while the executor waits out the activation backoff.
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	_, err = fx.results.Get(context.Background(), task.TaskID())
	assert.ErrorIs(t, err, scanning.ErrTaskNotFound, "a canceled task must leave no result behind")
}
