package telemetry

import (
	"context"
	"time"
)

type (
	// NoopLogger discards all log messages. Use in tests.
	NoopLogger struct{}

	// NoopMetrics discards all metrics. Use in tests.
	NoopMetrics struct{}
)

// NewNoopLogger constructs a Logger that discards all log messages.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics constructs a Metrics recorder that discards all metrics.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// Debug discards the log message.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info discards the log message.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn discards the log message.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error discards the log message.
func (NoopLogger) Error(context.Context, string, ...any) {}

func (NoopMetrics) HTTPRequest(string, string, string, string, time.Duration) {}
func (NoopMetrics) ExecutionStarted()                                         {}
func (NoopMetrics) ExecutionCompleted()                                       {}
func (NoopMetrics) ExecutionFailed()                                          {}
func (NoopMetrics) AgentInvocation(string, time.Duration)                     {}
func (NoopMetrics) PoolUtilization(float64)                                   {}
func (NoopMetrics) AuditEvent(string)                                         {}
func (NoopMetrics) RateLimited(string)                                        {}
