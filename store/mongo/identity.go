package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fieldline/fieldline/store"
)

// IdentityStore is the Mongo-backed store.IdentityStore serving the auth
// gate: users, tenants, and memberships.
type IdentityStore struct {
	m           *Manager
	users       *mongodriver.Collection
	tenants     *mongodriver.Collection
	memberships *mongodriver.Collection
}

// NewIdentityStore constructs the store and ensures its indexes.
func NewIdentityStore(ctx context.Context, m *Manager) (*IdentityStore, error) {
	s := &IdentityStore{
		m:           m,
		users:       m.db.Collection("users"),
		tenants:     m.db.Collection("tenants"),
		memberships: m.db.Collection("memberships"),
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	_, err := s.users.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	_, err = s.memberships.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "tenantId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *IdentityStore) UserByEmail(ctx context.Context, email string) (*store.User, error) {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	var u store.User
	err := s.users.FindOne(ctx, bson.M{"email": email, "deleted": bson.M{"$ne": true}}).Decode(&u)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (s *IdentityStore) UserByID(ctx context.Context, id string) (*store.User, error) {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	var u store.User
	err := s.users.FindOne(ctx, bson.M{"_id": id, "deleted": bson.M{"$ne": true}}).Decode(&u)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (s *IdentityStore) TenantByID(ctx context.Context, id string) (*store.Tenant, error) {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	var t store.Tenant
	err := s.tenants.FindOne(ctx, bson.M{"_id": id, "deleted": bson.M{"$ne": true}}).Decode(&t)
	if err != nil {
		return nil, mapErr(err)
	}
	return &t, nil
}

func (s *IdentityStore) Memberships(ctx context.Context, userID string) ([]*store.Membership, error) {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	cur, err := s.memberships.Find(ctx, bson.M{"userId": userID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*store.Membership
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *IdentityStore) CreateUser(ctx context.Context, u *store.User) error {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	cp := *u
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if _, err := s.users.InsertOne(ctx, &cp); err != nil {
		return mapErr(err)
	}
	*u = cp
	return nil
}

func (s *IdentityStore) CreateTenant(ctx context.Context, t *store.Tenant) error {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	now := time.Now().UTC()
	cp := *t
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if _, err := s.tenants.InsertOne(ctx, &cp); err != nil {
		return mapErr(err)
	}
	*t = cp
	return nil
}

func (s *IdentityStore) AddMembership(ctx context.Context, m *store.Membership) error {
	ctx, cancel := s.m.withTimeout(ctx)
	defer cancel()
	cp := *m
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if _, err := s.memberships.InsertOne(ctx, &cp); err != nil {
		return mapErr(err)
	}
	*m = cp
	return nil
}
