// Package telemetry defines the logging and metrics seams used across the
// engine and its supporting subsystems. Production wiring uses the Clue
// logger and the Prometheus metrics recorder; tests use the noops.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured logs. Key-value pairs alternate key, value.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records the counters, histograms, and gauges the platform
	// exposes on /metrics. Methods are safe for concurrent use.
	Metrics interface {
		// HTTPRequest records one served request on the duration histogram.
		HTTPRequest(method, route, status, tenantBucket string, d time.Duration)
		// ExecutionStarted/Completed/Failed count engine lifecycle transitions.
		ExecutionStarted()
		ExecutionCompleted()
		ExecutionFailed()
		// AgentInvocation records one agent invocation on the per-kind
		// duration histogram.
		AgentInvocation(kind string, d time.Duration)
		// PoolUtilization sets the connection pool utilization gauge (0..1).
		PoolUtilization(v float64)
		// AuditEvent counts one appended audit event by type.
		AuditEvent(eventType string)
		// RateLimited counts one rejected request by endpoint group.
		RateLimited(group string)
	}
)
