// Package scanning provides the application services that drive file
// reputation checks: credential allocation, task execution, and batch
// dispatch.
package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mobtriage/verdict/internal/domain/credential"
	"github.com/mobtriage/verdict/pkg/common/logger"
	"github.com/mobtriage/verdict/pkg/common/timeutil"
)

// CredentialAllocator hands out credentials from the shared pool and applies
// outcome reports back to it. All pool policy lives here: least-used
// selection, the rate-limit cooldown length, and bans.
type CredentialAllocator struct {
	repo     credential.Repository
	cooldown time.Duration

	clock  timeutil.Provider
	logger *logger.Logger
	tracer trace.Tracer
}

// NewCredentialAllocator creates an allocator over the given pool. cooldown
// is how long a rate-limited credential stays out of rotation.
func NewCredentialAllocator(
	repo credential.Repository,
	cooldown time.Duration,
	clock timeutil.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
) *CredentialAllocator {
	return &CredentialAllocator{
		repo:     repo,
		cooldown: cooldown,
		clock:    clock,
		logger:   log,
		tracer:   tracer,
	}
}

// Allocate returns the selectable credential with the lowest usage count, or
// (nil, nil) when the pool is exhausted. Exhaustion is a state the caller
// must handle, not an error.
func (a *CredentialAllocator) Allocate(ctx context.Context) (*credential.Credential, error) {
	cred, err := a.repo.AcquireLeastUsed(ctx, a.clock.Now())
	if err != nil {
		return nil, err
	}
	if cred == nil {
		a.logger.Warn(ctx, "credential pool exhausted, no selectable credential")
		return nil, nil
	}
	return cred, nil
}

// RecordUse charges the credential for one network request. Called after
// every request regardless of its outcome.
func (a *CredentialAllocator) RecordUse(ctx context.Context, key string) error {
	return a.repo.RecordUse(ctx, key, a.clock.Now())
}

// RecordRateLimited takes the credential out of rotation for the configured
// cooldown.
func (a *CredentialAllocator) RecordRateLimited(ctx context.Context, key string) error {
	resetAt := a.clock.Now().Add(a.cooldown)

	ctx, span := a.tracer.Start(ctx, "allocator.record_rate_limited",
		trace.WithAttributes(
			attribute.String("reset_time", resetAt.Format(time.RFC3339)),
		))
	defer span.End()

	a.logger.Warn(ctx, "credential rate limited, entering cooldown",
		"reset_time", resetAt)
	return a.repo.MarkLimited(ctx, key, resetAt)
}

// RecordBanned permanently removes the credential from rotation.
func (a *CredentialAllocator) RecordBanned(ctx context.Context, key string) error {
	ctx, span := a.tracer.Start(ctx, "allocator.record_banned")
	defer span.End()

	a.logger.Error(ctx, "credential judged unusable, banning")
	return a.repo.MarkBanned(ctx, key)
}
