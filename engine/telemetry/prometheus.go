package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromMetrics implements Metrics on a dedicated Prometheus registry. The
// registry backs the /metrics endpoint in Prometheus text format.
type PromMetrics struct {
	registry *prometheus.Registry

	httpDuration  *prometheus.HistogramVec
	execStarted   prometheus.Counter
	execCompleted prometheus.Counter
	execFailed    prometheus.Counter
	agentDuration *prometheus.HistogramVec
	poolUtil      prometheus.Gauge
	auditEvents   *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
}

// NewPromMetrics constructs the metric set on a fresh registry, including
// process and Go runtime collectors.
func NewPromMetrics() *PromMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &PromMetrics{
		registry: reg,
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by method, route, and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status", "tenant"}),
		execStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_executions_started_total",
			Help: "Workflow executions started.",
		}),
		execCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_executions_completed_total",
			Help: "Workflow executions completed successfully.",
		}),
		execFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_executions_failed_total",
			Help: "Workflow executions that terminated in failure.",
		}),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_invocation_duration_seconds",
			Help:    "Agent invocation duration by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		poolUtil: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "store_pool_utilization",
			Help: "Connection pool utilization (0..1).",
		}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Audit events appended by event type.",
		}, []string{"event_type"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limited_requests_total",
			Help: "Requests rejected by the rate limiter, by endpoint group.",
		}, []string{"group"}),
	}
	reg.MustRegister(m.httpDuration, m.execStarted, m.execCompleted, m.execFailed,
		m.agentDuration, m.poolUtil, m.auditEvents, m.rateLimited)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PromMetrics) HTTPRequest(method, route, status, tenantBucket string, d time.Duration) {
	m.httpDuration.WithLabelValues(method, route, status, tenantBucket).Observe(d.Seconds())
}

func (m *PromMetrics) ExecutionStarted()   { m.execStarted.Inc() }
func (m *PromMetrics) ExecutionCompleted() { m.execCompleted.Inc() }
func (m *PromMetrics) ExecutionFailed()    { m.execFailed.Inc() }

func (m *PromMetrics) AgentInvocation(kind string, d time.Duration) {
	m.agentDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *PromMetrics) PoolUtilization(v float64) { m.poolUtil.Set(v) }

func (m *PromMetrics) AuditEvent(eventType string) {
	m.auditEvents.WithLabelValues(eventType).Inc()
}

func (m *PromMetrics) RateLimited(group string) {
	m.rateLimited.WithLabelValues(group).Inc()
}
