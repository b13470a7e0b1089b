// Package audit implements the append-only event trail. Every persistent
// side-effect in the system produces exactly one audit event; events are
// never updated or deleted by application code.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/fieldline/engine/telemetry"
	"github.com/fieldline/fieldline/tenant"
)

// EventType categorizes an audit event.
type EventType string

const (
	EventCreate          EventType = "create"
	EventUpdate          EventType = "update"
	EventDelete          EventType = "delete"
	EventStateTransition EventType = "state-transition"
)

type (
	// Event is one append-only audit record keyed by actor, resource, and
	// tenant.
	Event struct {
		ID           string         `bson:"_id" json:"eventId"`
		Type         EventType      `bson:"eventType" json:"eventType"`
		ResourceType string         `bson:"resourceType" json:"resourceType"`
		ResourceID   string         `bson:"resourceId" json:"resourceId"`
		TenantID     string         `bson:"tenantId" json:"tenantId"`
		UserID       string         `bson:"userId" json:"userId"`
		Timestamp    time.Time      `bson:"timestamp" json:"timestamp"`
		Before       map[string]any `bson:"before,omitempty" json:"before,omitempty"`
		After        map[string]any `bson:"after,omitempty" json:"after,omitempty"`
		Metadata     map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
		RequestID    string         `bson:"requestId,omitempty" json:"requestId,omitempty"`
	}

	// Filter narrows an audit listing.
	Filter struct {
		ResourceType string
		ResourceID   string
		EventType    EventType
		// Since/Until bound the timestamp range when non-zero.
		Since time.Time
		Until time.Time
		Limit int
		// AllTenants lists across tenants; honored only for platform admins.
		AllTenants bool
	}

	// Store is the durable append-only sink. Implementations must index
	// (tenantId, timestamp desc) for listing.
	Store interface {
		Append(ctx context.Context, ev *Event) error
		List(ctx context.Context, tc tenant.Context, f Filter) ([]*Event, error)
	}

	// Recorder stamps and appends events. It fills in event id, timestamp,
	// and the actor fields from the tenant context so call sites only provide
	// the what.
	Recorder struct {
		store   Store
		metrics telemetry.Metrics
	}
)

// NewRecorder constructs a Recorder. A nil metrics recorder is substituted
// with a noop.
func NewRecorder(s Store, m telemetry.Metrics) *Recorder {
	if m == nil {
		m = telemetry.NewNoopMetrics()
	}
	return &Recorder{store: s, metrics: m}
}

// Record appends one event. Missing id, timestamp, tenant, user, and request
// id fields are filled from the context before the write.
func (r *Recorder) Record(ctx context.Context, tc tenant.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.TenantID == "" {
		ev.TenantID = tc.TenantID
	}
	if ev.UserID == "" {
		ev.UserID = tc.UserID
	}
	if ev.RequestID == "" {
		ev.RequestID = tc.RequestID
	}
	if err := r.store.Append(ctx, &ev); err != nil {
		return err
	}
	r.metrics.AuditEvent(string(ev.Type))
	return nil
}
