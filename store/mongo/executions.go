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

// ExecutionStore is the Mongo-backed store.ExecutionStore. Checkpoints live
// in their own collection with a unique (executionId, sequence) index; a
// duplicate append surfaces as ErrConflict so the engine can detect a split
// brain writer.
type ExecutionStore struct {
	m           *Manager
	executions  *mongodriver.Collection
	checkpoints *mongodriver.Collection
}

// NewExecutionStore constructs the store and ensures its indexes.
func NewExecutionStore(ctx context.Context, m *Manager) (*ExecutionStore, error) {
	s := &ExecutionStore{
		m:           m,
		executions:  m.db.Collection("executions"),
		checkpoints: m.db.Collection("checkpoints"),
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := s.executions.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "tenantId", Value: 1}, {Key: "workflow.id", Value: 1}, {Key: "startedAt", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return nil, err
	}
	_, err = s.checkpoints.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "executionId", Value: 1}, {Key: "sequence", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ExecutionStore) Create(ctx context.Context, tc tenant.Context, ex *workflow.Execution) error {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	cp := *ex
	if cp.TenantID == "" {
		cp.TenantID = tc.TenantID
	}
	now := time.Now().UTC()
	if cp.StartedAt.IsZero() {
		cp.StartedAt = now
	}
	cp.UpdatedAt = now
	cp.State = workflow.CloneState(cp.State)
	if _, err := s.executions.InsertOne(ctx, &cp); err != nil {
		return mapErr(err)
	}
	*ex = cp
	return nil
}

func (s *ExecutionStore) Get(ctx context.Context, tc tenant.Context, id string) (*workflow.Execution, error) {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": id}
	if !tc.PlatformAdmin {
		filter["tenantId"] = tc.TenantID
	}
	var ex workflow.Execution
	if err := s.executions.FindOne(ctx, filter).Decode(&ex); err != nil {
		return nil, mapErr(err)
	}
	return &ex, nil
}

func (s *ExecutionStore) ListByWorkflow(ctx context.Context, tc tenant.Context, workflowID string) ([]*workflow.Execution, error) {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"workflow.id": workflowID}
	if !tc.PlatformAdmin {
		filter["tenantId"] = tc.TenantID
	}
	cur, err := s.executions.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "startedAt", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*workflow.Execution
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ExecutionStore) Update(ctx context.Context, ex *workflow.Execution) error {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	cp := *ex
	cp.UpdatedAt = time.Now().UTC()
	res, err := s.executions.ReplaceOne(ctx, bson.M{"_id": cp.ID}, &cp)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	*ex = cp
	return nil
}

func (s *ExecutionStore) AppendCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	c := *cp
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	if _, err := s.checkpoints.InsertOne(ctx, &c); err != nil {
		return mapErr(err)
	}
	return nil
}

func (s *ExecutionStore) LatestCheckpoint(ctx context.Context, executionID string) (*workflow.Checkpoint, error) {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	var c workflow.Checkpoint
	err := s.checkpoints.FindOne(ctx,
		bson.M{"executionId": executionID},
		options.FindOne().SetSort(bson.D{{Key: "sequence", Value: -1}}),
	).Decode(&c)
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

func (s *ExecutionStore) ListCheckpoints(ctx context.Context, executionID string, from, limit int) ([]*workflow.Checkpoint, error) {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.checkpoints.Find(ctx,
		bson.M{"executionId": executionID, "sequence": bson.M{"$gte": from}}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*workflow.Checkpoint
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ExecutionStore) ListActive(ctx context.Context) ([]*workflow.Execution, error) {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	cur, err := s.executions.Find(ctx,
		bson.M{"status": bson.M{"$in": bson.A{workflow.ExecutionRunning, workflow.ExecutionPaused}}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*workflow.Execution
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
