// Package mongo implements the persistence contracts on MongoDB. One Manager
// owns the pooled client; the stores share it and scope every tenant-owned
// query by tenantId with soft-delete filtering.
package mongo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/event"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/fieldline/fieldline/engine/telemetry"
)

type (
	// Options configures the manager.
	Options struct {
		// URI is the connection string. Required.
		URI string
		// Database is the database name. Defaults to "fieldline".
		Database string
		// MinPoolSize and MaxPoolSize bound the driver connection pool.
		// Defaults 2 and 20.
		MinPoolSize uint64
		MaxPoolSize uint64
		// ConnectTimeout bounds each connection attempt. Defaults to 10s.
		ConnectTimeout time.Duration
		// ConnectAttempts is how many times Connect retries with exponential
		// backoff before giving up. Defaults to 5.
		ConnectAttempts int
		// MonitorInterval is how often pool utilization is sampled and
		// reported. Defaults to 60s.
		MonitorInterval time.Duration
		// OpTimeout bounds individual store operations. Defaults to 5s.
		OpTimeout time.Duration
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
	}

	// Manager owns the pooled Mongo client and tracks pool health. It
	// implements clue's health.Pinger so it plugs into the readiness checker.
	Manager struct {
		client *mongodriver.Client
		db     *mongodriver.Database
		opts   Options
		logger telemetry.Logger

		checkedOut atomic.Int64
		poolSize   atomic.Int64

		stop      chan struct{}
		closeOnce sync.Once
	}

	// PoolStats is a point-in-time snapshot of the connection pool.
	PoolStats struct {
		InUse       int64   `json:"inUse"`
		Total       int64   `json:"total"`
		Max         int64   `json:"max"`
		Utilization float64 `json:"utilization"`
	}
)

func (o *Options) defaults() {
	if o.Database == "" {
		o.Database = "fieldline"
	}
	if o.MinPoolSize == 0 {
		o.MinPoolSize = 2
	}
	if o.MaxPoolSize == 0 {
		o.MaxPoolSize = 20
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 5
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = time.Minute
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
}

// Connect establishes the pooled client, retrying with exponential backoff
// (1s initial, doubled, capped at 30s) up to ConnectAttempts times.
func Connect(ctx context.Context, opts Options) (*Manager, error) {
	opts.defaults()
	m := &Manager{
		opts:   opts,
		logger: opts.Logger,
		stop:   make(chan struct{}),
	}
	pm := &event.PoolMonitor{
		Event: func(ev *event.PoolEvent) {
			switch ev.Type {
			case event.ConnectionCreated:
				m.poolSize.Add(1)
			case event.ConnectionClosed:
				m.poolSize.Add(-1)
			case event.GetSucceeded:
				m.checkedOut.Add(1)
			case event.ConnectionReturned:
				m.checkedOut.Add(-1)
			}
		},
	}
	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetMinPoolSize(opts.MinPoolSize).
		SetMaxPoolSize(opts.MaxPoolSize).
		SetConnectTimeout(opts.ConnectTimeout).
		SetPoolMonitor(pm)

	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= opts.ConnectAttempts; attempt++ {
		client, err := mongodriver.Connect(ctx, clientOpts)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
			err = client.Ping(pingCtx, readpref.Primary())
			cancel()
			if err == nil {
				m.client = client
				m.db = client.Database(opts.Database)
				go m.monitor()
				return m, nil
			}
			_ = client.Disconnect(ctx)
		}
		lastErr = err
		m.logger.Warn(ctx, "mongo connect failed", "attempt", attempt, "err", err)
		if attempt == opts.ConnectAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
	return nil, fmt.Errorf("mongo: connect after %d attempts: %w", opts.ConnectAttempts, lastErr)
}

// monitor samples pool utilization on a ticker and warns when the pool runs
// hot (above 80% of MaxPoolSize).
func (m *Manager) monitor() {
	ticker := time.NewTicker(m.opts.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := m.PoolStats()
			m.opts.Metrics.PoolUtilization(stats.Utilization)
			if stats.Utilization > 0.8 {
				m.logger.Warn(context.Background(), "mongo pool utilization high",
					"inUse", stats.InUse, "max", stats.Max, "utilization", stats.Utilization)
			}
		case <-m.stop:
			return
		}
	}
}

// Database exposes the underlying database handle for the stores.
func (m *Manager) Database() *mongodriver.Database { return m.db }

// PoolStats returns the current connection pool snapshot.
func (m *Manager) PoolStats() PoolStats {
	inUse := m.checkedOut.Load()
	max := int64(m.opts.MaxPoolSize)
	var util float64
	if max > 0 {
		util = float64(inUse) / float64(max)
	}
	return PoolStats{
		InUse:       inUse,
		Total:       m.poolSize.Load(),
		Max:         max,
		Utilization: util,
	}
}

// Name returns the health check name.
func (m *Manager) Name() string { return "mongo" }

// Ping checks database connectivity. Implements health.Pinger.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
	defer cancel()
	return m.client.Ping(ctx, readpref.Primary())
}

// IsHealthy reports whether the database answers a ping within the operation
// timeout.
func (m *Manager) IsHealthy(ctx context.Context) bool {
	return m.Ping(ctx) == nil
}

// Close stops the pool monitor and disconnects the client.
func (m *Manager) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stop)
		err = m.client.Disconnect(ctx)
	})
	return err
}

// withTimeout bounds a store operation with the configured timeout.
func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.opts.OpTimeout)
}
