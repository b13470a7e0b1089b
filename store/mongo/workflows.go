package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fieldline/fieldline/engine/workflow"
	"github.com/fieldline/fieldline/store"
	"github.com/fieldline/fieldline/tenant"
)

// WorkflowStore is the Mongo-backed store.WorkflowStore. Definitions are
// unique per (tenantId, id, version); archival is soft-delete.
type WorkflowStore struct {
	m    *Manager
	coll *mongodriver.Collection
}

// NewWorkflowStore constructs the store and ensures its indexes.
func NewWorkflowStore(ctx context.Context, m *Manager) (*WorkflowStore, error) {
	s := &WorkflowStore{m: m, coll: m.db.Collection("workflows")}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "tenantId", Value: 1}, {Key: "id", Value: 1}, {Key: "version", Value: -1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "tenantId", Value: 1}, {Key: "status", Value: 1}},
		},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *WorkflowStore) Save(ctx context.Context, tc tenant.Context, def *workflow.Definition) error {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	cp := *def
	if cp.TenantID == "" {
		cp.TenantID = tc.TenantID
	}
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.CreatedBy = tc.UserID
	if _, err := s.coll.InsertOne(ctx, &cp); err != nil {
		return mapErr(err)
	}
	*def = cp
	return nil
}

func (s *WorkflowStore) Get(ctx context.Context, tc tenant.Context, id string) (*workflow.Definition, error) {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	var def workflow.Definition
	err := s.coll.FindOne(ctx,
		scoped(tc, true, bson.M{"id": id}),
		options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}}),
	).Decode(&def)
	if err != nil {
		return nil, mapErr(err)
	}
	return &def, nil
}

func (s *WorkflowStore) GetVersion(ctx context.Context, tc tenant.Context, id string, version int) (*workflow.Definition, error) {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	var def workflow.Definition
	err := s.coll.FindOne(ctx, scoped(tc, true, bson.M{"id": id, "version": version})).Decode(&def)
	if err != nil {
		return nil, mapErr(err)
	}
	return &def, nil
}

func (s *WorkflowStore) List(ctx context.Context, tc tenant.Context, f store.DefinitionFilter) ([]*workflow.Definition, error) {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.Name != "" {
		filter["name"] = f.Name
	}
	cur, err := s.coll.Find(ctx,
		scoped(tc, f.AllTenants, filter),
		options.Find().SetSort(bson.D{{Key: "id", Value: 1}, {Key: "version", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*workflow.Definition
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *WorkflowStore) Update(ctx context.Context, tc tenant.Context, def *workflow.Definition) error {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	filter := scoped(tc, true, bson.M{"id": def.ID, "version": def.Version})
	var cur workflow.Definition
	if err := s.coll.FindOne(ctx, filter).Decode(&cur); err != nil {
		return mapErr(err)
	}
	if cur.Status == workflow.StatusActive && def.Status == workflow.StatusActive {
		return store.ErrConflict
	}
	cp := *def
	cp.TenantID = cur.TenantID
	cp.CreatedAt = cur.CreatedAt
	cp.CreatedBy = cur.CreatedBy
	cp.UpdatedAt = time.Now().UTC()
	cp.UpdatedBy = tc.UserID
	if _, err := s.coll.ReplaceOne(ctx, filter, &cp); err != nil {
		return mapErr(err)
	}
	*def = cp
	return nil
}

func (s *WorkflowStore) SoftDelete(ctx context.Context, tc tenant.Context, id string) error {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	res, err := s.coll.UpdateMany(ctx,
		scoped(tc, true, bson.M{"id": id}),
		bson.M{"$set": bson.M{
			"deleted":   true,
			"deletedAt": now,
			"deletedBy": tc.UserID,
			"status":    workflow.StatusArchived,
			"updatedAt": now,
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordExecution folds one completed run into the executionCount and
// averageExecutionMs aggregates with an aggregation-pipeline update so the
// read-modify-write happens server side.
func (s *WorkflowStore) RecordExecution(ctx context.Context, id, tenantID string, durationMs int64) error {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	nextCount := bson.D{{Key: "$add", Value: bson.A{"$executionCount", 1}}}
	total := bson.D{{Key: "$add", Value: bson.A{
		bson.D{{Key: "$multiply", Value: bson.A{"$averageExecutionMs", "$executionCount"}}},
		durationMs,
	}}}
	_, err := s.coll.UpdateMany(ctx,
		bson.M{"id": id, "tenantId": tenantID, "deleted": bson.M{"$ne": true}},
		mongodriver.Pipeline{bson.D{{Key: "$set", Value: bson.D{
			{Key: "executionCount", Value: nextCount},
			{Key: "averageExecutionMs", Value: bson.D{{Key: "$divide", Value: bson.A{total, nextCount}}}},
		}}}},
	)
	return err
}
