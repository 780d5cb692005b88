package runner

import "context"

// Service is one long-running component under the Runner's management — a
// projection engine, a log sink, a telemetry pipeline. Start returns once
// the service is up; its steady-state work runs in the background until
// Stop.
type Service interface {
	// Name identifies the service in logs and error messages.
	Name() string

	// Start brings the service up, bounded by ctx. It must not block for
	// the service's lifetime.
	Start(ctx context.Context) error

	// Stop winds the service down, bounded by ctx.
	Stop(ctx context.Context) error
}

// HealthChecker is an optional extension for services that can report
// liveness.
type HealthChecker interface {
	Service

	// HealthCheck returns an error when the service is unhealthy.
	HealthCheck(ctx context.Context) error
}
