package scanning

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScanMetrics records counters for scan throughput and credential pool
// churn.
type ScanMetrics interface {
	// IncTasksCompleted counts a task reaching a terminal status.
	IncTasksCompleted(ctx context.Context, status string)
	// IncRequests counts one request to the reputation service.
	IncRequests(ctx context.Context)
	// IncCredentialRotations counts a mid-task switch to another credential.
	IncCredentialRotations(ctx context.Context)
	// IncCredentialBans counts a credential being permanently removed.
	IncCredentialBans(ctx context.Context)
	// IncBatchesDispatched counts a staged batch entering execution.
	IncBatchesDispatched(ctx context.Context)
}

type scanMetrics struct {
	tasksCompleted      metric.Int64Counter
	requests            metric.Int64Counter
	credentialRotations metric.Int64Counter
	credentialBans      metric.Int64Counter
	batchesDispatched   metric.Int64Counter
}

// NewScanMetrics creates a ScanMetrics collector on the given provider.
func NewScanMetrics(mp metric.MeterProvider) (ScanMetrics, error) {
	meter := mp.Meter("scan_dispatcher")

	tasksCompleted, err := meter.Int64Counter("tasks_completed_total",
		metric.WithDescription("Tasks that reached a terminal status"))
	if err != nil {
		return nil, err
	}
	requests, err := meter.Int64Counter("reputation_requests_total",
		metric.WithDescription("Requests sent to the reputation service"))
	if err != nil {
		return nil, err
	}
	credentialRotations, err := meter.Int64Counter("credential_rotations_total",
		metric.WithDescription("Mid-task switches to another credential"))
	if err != nil {
		return nil, err
	}
	credentialBans, err := meter.Int64Counter("credential_bans_total",
		metric.WithDescription("Credentials permanently removed from the pool"))
	if err != nil {
		return nil, err
	}
	batchesDispatched, err := meter.Int64Counter("batches_dispatched_total",
		metric.WithDescription("Staged batches that entered execution"))
	if err != nil {
		return nil, err
	}

	return &scanMetrics{
		tasksCompleted:      tasksCompleted,
		requests:            requests,
		credentialRotations: credentialRotations,
		credentialBans:      credentialBans,
		batchesDispatched:   batchesDispatched,
	}, nil
}

func (m *scanMetrics) IncTasksCompleted(ctx context.Context, status string) {
	m.tasksCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *scanMetrics) IncRequests(ctx context.Context) {
	m.requests.Add(ctx, 1)
}

func (m *scanMetrics) IncCredentialRotations(ctx context.Context) {
	m.credentialRotations.Add(ctx, 1)
}

func (m *scanMetrics) IncCredentialBans(ctx context.Context) {
	m.credentialBans.Add(ctx, 1)
}

func (m *scanMetrics) IncBatchesDispatched(ctx context.Context) {
	m.batchesDispatched.Add(ctx, 1)
}

// NoopScanMetrics returns a collector that records nothing. Intended for
// tests.
func NoopScanMetrics() ScanMetrics { return noopScanMetrics{} }

type noopScanMetrics struct{}

func (noopScanMetrics) IncTasksCompleted(context.Context, string) {}
func (noopScanMetrics) IncRequests(context.Context)               {}
func (noopScanMetrics) IncCredentialRotations(context.Context)    {}
func (noopScanMetrics) IncCredentialBans(context.Context)         {}
func (noopScanMetrics) IncBatchesDispatched(context.Context)      {}
