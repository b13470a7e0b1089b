// Package ratelimit enforces per-tenant request quotas. Counters are keyed by
// (tenantId, userId, endpointGroup); the default limit applies per window and
// tenants may carry overrides, optionally shared across processes through a
// Pulse replicated map.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"github.com/fieldline/fieldline/engine/telemetry"
	"github.com/fieldline/fieldline/tenant"
)

// Error is the typed rate-limited failure. It maps to HTTP 429 with a
// Retry-After header at the API boundary.
type Error struct {
	Group      string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Group, e.RetryAfter)
}

type (
	// Limit is a quota: Max requests per Window.
	Limit struct {
		Max    int
		Window time.Duration
	}

	// clusterMap is the subset of rmap.Map used for tenant overrides.
	clusterMap interface {
		Get(key string) (string, bool)
	}

	rmapClusterMap struct {
		m *rmap.Map
	}

	// Options configures the limiter.
	Options struct {
		// Default is the quota applied when no override exists. Defaults to
		// 100 requests per minute.
		Default Limit
		// Overrides optionally shares per-tenant limits (keyed by tenant id,
		// value is the max per window) across processes.
		Overrides *rmap.Map
		// Lookup optionally resolves a per-tenant limit from local data (the
		// tenant document). Consulted only when no cluster override exists.
		Lookup  func(tenantID string) (int, bool)
		Metrics telemetry.Metrics
		Logger  telemetry.Logger
	}

	// Limiter is the process-wide rate limiter. Safe for concurrent use.
	Limiter struct {
		def       Limit
		overrides clusterMap
		lookup    func(tenantID string) (int, bool)
		metrics   telemetry.Metrics
		logger    telemetry.Logger

		mu      sync.Mutex
		buckets map[string]*bucket
	}

	bucket struct {
		lim      *rate.Limiter
		max      int
		lastSeen time.Time
	}
)

const maxBuckets = 8192

// New constructs the limiter.
func New(opts Options) *Limiter {
	var cm clusterMap
	if opts.Overrides != nil {
		cm = &rmapClusterMap{m: opts.Overrides}
	}
	return newLimiter(cm, opts)
}

func newLimiter(cm clusterMap, opts Options) *Limiter {
	if opts.Default.Max <= 0 {
		opts.Default.Max = 100
	}
	if opts.Default.Window <= 0 {
		opts.Default.Window = time.Minute
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Limiter{
		def:       opts.Default,
		overrides: cm,
		lookup:    opts.Lookup,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		buckets:   make(map[string]*bucket),
	}
}

func (m *rmapClusterMap) Get(key string) (string, bool) { return m.m.Get(key) }

// Allow consumes one request from the caller's quota. It returns nil when the
// request may proceed or a *Error carrying the retry-after hint.
func (l *Limiter) Allow(tc tenant.Context, group string) error {
	max := l.tenantMax(tc.TenantID)
	key := tc.TenantID + "|" + tc.UserID + "|" + group

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxBuckets {
			l.pruneLocked()
		}
		b = &bucket{
			lim: rate.NewLimiter(rate.Limit(float64(max)/l.def.Window.Seconds()), max),
			max: max,
		}
		l.buckets[key] = b
	} else if b.max != max {
		// Override changed since the bucket was created.
		b.lim.SetLimit(rate.Limit(float64(max) / l.def.Window.Seconds()))
		b.lim.SetBurst(max)
		b.max = max
	}
	b.lastSeen = time.Now()
	res := b.lim.Reserve()
	l.mu.Unlock()

	if !res.OK() {
		l.metrics.RateLimited(group)
		return &Error{Group: group, RetryAfter: l.def.Window}
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		l.metrics.RateLimited(group)
		return &Error{Group: group, RetryAfter: d}
	}
	return nil
}

func (l *Limiter) tenantMax(tenantID string) int {
	if l.overrides != nil {
		if raw, ok := l.overrides.Get(tenantID); ok {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				return v
			}
			l.logger.Warn(context.Background(), "invalid rate limit override", "tenantId", tenantID, "value", raw)
		}
	}
	if l.lookup != nil {
		if v, ok := l.lookup(tenantID); ok && v > 0 {
			return v
		}
	}
	return l.def.Max
}

// pruneLocked drops buckets idle for longer than ten windows.
func (l *Limiter) pruneLocked() {
	cutoff := time.Now().Add(-10 * l.def.Window)
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
