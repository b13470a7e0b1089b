package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fieldline/fieldline/audit"
	"github.com/fieldline/fieldline/tenant"
)

// DefaultAuditRetentionDays caps audit event retention when a tenant carries
// no override.
const DefaultAuditRetentionDays = 365

// AuditStore is the Mongo-backed audit.Store. The trail is append-only;
// retention is enforced with a TTL index on the event timestamp.
type AuditStore struct {
	m    *Manager
	coll *mongodriver.Collection
}

// AuditOptions configures the audit store.
type AuditOptions struct {
	// RetentionDays bounds how long events are kept. Defaults to
	// DefaultAuditRetentionDays.
	RetentionDays int
}

// NewAuditStore constructs the store and ensures its indexes, including the
// retention TTL index.
func NewAuditStore(ctx context.Context, m *Manager, opts AuditOptions) (*AuditStore, error) {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultAuditRetentionDays
	}
	s := &AuditStore{m: m, coll: m.db.Collection("audit_events")}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "tenantId", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "tenantId", Value: 1}, {Key: "resourceType", Value: 1}, {Key: "resourceId", Value: 1}}},
		{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(opts.RetentionDays) * 86400),
		},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AuditStore) Append(ctx context.Context, ev *audit.Event) error {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, ev)
	return mapErr(err)
}

func (s *AuditStore) List(ctx context.Context, tc tenant.Context, f audit.Filter) ([]*audit.Event, error) {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if !(tc.PlatformAdmin && f.AllTenants) {
		filter["tenantId"] = tc.TenantID
	}
	if f.ResourceType != "" {
		filter["resourceType"] = f.ResourceType
	}
	if f.ResourceID != "" {
		filter["resourceId"] = f.ResourceID
	}
	if f.EventType != "" {
		filter["eventType"] = f.EventType
	}
	ts := bson.M{}
	if !f.Since.IsZero() {
		ts["$gte"] = f.Since
	}
	if !f.Until.IsZero() {
		ts["$lte"] = f.Until
	}
	if len(ts) > 0 {
		filter["timestamp"] = ts
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*audit.Event
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
