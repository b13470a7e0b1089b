// Package inmem provides in-memory implementations of the store contracts.
// They honor the same tenant-scoping and soft-delete semantics as the Mongo
// implementations and back the engine's unit tests and local development.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fieldline/fieldline/audit"
	"github.com/fieldline/fieldline/engine/workflow"
	"github.com/fieldline/fieldline/store"
	"github.com/fieldline/fieldline/tenant"
)

// WorkflowStore is an in-memory store.WorkflowStore.
type WorkflowStore struct {
	mu   sync.RWMutex
	defs map[string]*workflow.Definition // key tenant/id/version
}

// NewWorkflowStore constructs an empty workflow store.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{defs: make(map[string]*workflow.Definition)}
}

func defKey(tenantID, id string, version int) string {
	return fmt.Sprintf("%s/%s/%d", tenantID, id, version)
}

func (s *WorkflowStore) Save(_ context.Context, tc tenant.Context, def *workflow.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *def
	if cp.TenantID == "" {
		cp.TenantID = tc.TenantID
	}
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.CreatedBy = tc.UserID
	key := defKey(cp.TenantID, cp.ID, cp.Version)
	if _, ok := s.defs[key]; ok {
		return store.ErrConflict
	}
	s.defs[key] = &cp
	*def = cp
	return nil
}

func (s *WorkflowStore) Get(_ context.Context, tc tenant.Context, id string) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *workflow.Definition
	for _, d := range s.defs {
		if d.ID != id || d.Deleted {
			continue
		}
		if !tc.PlatformAdmin && d.TenantID != tc.TenantID {
			continue
		}
		if latest == nil || d.Version > latest.Version {
			latest = d
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *WorkflowStore) GetVersion(_ context.Context, tc tenant.Context, id string, version int) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.defs {
		if d.ID != id || d.Version != version || d.Deleted {
			continue
		}
		if !tc.PlatformAdmin && d.TenantID != tc.TenantID {
			continue
		}
		cp := *d
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func (s *WorkflowStore) List(_ context.Context, tc tenant.Context, f store.DefinitionFilter) ([]*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Definition
	for _, d := range s.defs {
		if d.Deleted {
			continue
		}
		if !(tc.PlatformAdmin && f.AllTenants) && d.TenantID != tc.TenantID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.Name != "" && d.Name != f.Name {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (s *WorkflowStore) Update(_ context.Context, tc tenant.Context, def *workflow.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := defKey(tc.TenantID, def.ID, def.Version)
	if tc.PlatformAdmin {
		key = defKey(def.TenantID, def.ID, def.Version)
	}
	cur, ok := s.defs[key]
	if !ok || cur.Deleted {
		return store.ErrNotFound
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
	s.defs[key] = &cp
	*def = cp
	return nil
}

func (s *WorkflowStore) SoftDelete(_ context.Context, tc tenant.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	now := time.Now().UTC()
	for _, d := range s.defs {
		if d.ID != id || d.Deleted {
			continue
		}
		if !tc.PlatformAdmin && d.TenantID != tc.TenantID {
			continue
		}
		d.Deleted = true
		d.DeletedAt = &now
		d.DeletedBy = tc.UserID
		d.Status = workflow.StatusArchived
		d.UpdatedAt = now
		found = true
	}
	if !found {
		return store.ErrNotFound
	}
	return nil
}

func (s *WorkflowStore) RecordExecution(_ context.Context, id, tenantID string, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.ID != id || d.TenantID != tenantID || d.Deleted {
			continue
		}
		total := d.AverageExecutionMs*float64(d.ExecutionCount) + float64(durationMs)
		d.ExecutionCount++
		d.AverageExecutionMs = total / float64(d.ExecutionCount)
	}
	return nil
}

// ExecutionStore is an in-memory store.ExecutionStore.
type ExecutionStore struct {
	mu          sync.RWMutex
	executions  map[string]*workflow.Execution
	checkpoints map[string][]*workflow.Checkpoint
}

// NewExecutionStore constructs an empty execution store.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{
		executions:  make(map[string]*workflow.Execution),
		checkpoints: make(map[string][]*workflow.Checkpoint),
	}
}

func (s *ExecutionStore) Create(_ context.Context, tc tenant.Context, ex *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[ex.ID]; ok {
		return store.ErrConflict
	}
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
	s.executions[cp.ID] = &cp
	*ex = cp
	return nil
}

func (s *ExecutionStore) Get(_ context.Context, tc tenant.Context, id string) (*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !tc.PlatformAdmin && ex.TenantID != tc.TenantID {
		return nil, store.ErrNotFound
	}
	cp := *ex
	cp.State = workflow.CloneState(ex.State)
	return &cp, nil
}

func (s *ExecutionStore) ListByWorkflow(_ context.Context, tc tenant.Context, workflowID string) ([]*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Execution
	for _, ex := range s.executions {
		if ex.Workflow.ID != workflowID {
			continue
		}
		if !tc.PlatformAdmin && ex.TenantID != tc.TenantID {
			continue
		}
		cp := *ex
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *ExecutionStore) Update(_ context.Context, ex *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[ex.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *ex
	cp.UpdatedAt = time.Now().UTC()
	cp.State = workflow.CloneState(ex.State)
	s.executions[ex.ID] = &cp
	return nil
}

func (s *ExecutionStore) AppendCheckpoint(_ context.Context, cp *workflow.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.checkpoints[cp.ExecutionID] {
		if existing.Sequence == cp.Sequence {
			return store.ErrConflict
		}
	}
	c := *cp
	c.State = workflow.CloneState(cp.State)
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	s.checkpoints[cp.ExecutionID] = append(s.checkpoints[cp.ExecutionID], &c)
	return nil
}

func (s *ExecutionStore) LatestCheckpoint(_ context.Context, executionID string) (*workflow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.checkpoints[executionID]
	if len(cps) == 0 {
		return nil, store.ErrNotFound
	}
	latest := cps[0]
	for _, c := range cps[1:] {
		if c.Sequence > latest.Sequence {
			latest = c
		}
	}
	cp := *latest
	cp.State = workflow.CloneState(latest.State)
	return &cp, nil
}

func (s *ExecutionStore) ListCheckpoints(_ context.Context, executionID string, from, limit int) ([]*workflow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Checkpoint
	for _, c := range s.checkpoints[executionID] {
		if c.Sequence < from {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ExecutionStore) ListActive(_ context.Context) ([]*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Execution
	for _, ex := range s.executions {
		if ex.Status == workflow.ExecutionRunning || ex.Status == workflow.ExecutionPaused {
			cp := *ex
			cp.State = workflow.CloneState(ex.State)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AuditStore is an in-memory audit.Store.
type AuditStore struct {
	mu     sync.RWMutex
	events []*audit.Event
}

// NewAuditStore constructs an empty audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Append(_ context.Context, ev *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *AuditStore) List(_ context.Context, tc tenant.Context, f audit.Filter) ([]*audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*audit.Event
	for _, ev := range s.events {
		if !(tc.PlatformAdmin && f.AllTenants) && ev.TenantID != tc.TenantID {
			continue
		}
		if f.ResourceType != "" && ev.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && ev.ResourceID != f.ResourceID {
			continue
		}
		if f.EventType != "" && ev.Type != f.EventType {
			continue
		}
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Events returns every recorded event in append order. Test helper.
func (s *AuditStore) Events() []*audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*audit.Event, len(s.events))
	copy(out, s.events)
	return out
}

// IdentityStore is an in-memory store.IdentityStore.
type IdentityStore struct {
	mu          sync.RWMutex
	users       map[string]*store.User
	tenants     map[string]*store.Tenant
	memberships []*store.Membership
}

// NewIdentityStore constructs an empty identity store.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		users:   make(map[string]*store.User),
		tenants: make(map[string]*store.Tenant),
	}
}

func (s *IdentityStore) UserByEmail(_ context.Context, email string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email && !u.Deleted {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *IdentityStore) UserByID(_ context.Context, id string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok || u.Deleted {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *IdentityStore) TenantByID(_ context.Context, id string) (*store.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok || t.Deleted {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *IdentityStore) Memberships(_ context.Context, userID string) ([]*store.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Membership
	for _, m := range s.memberships {
		if m.UserID == userID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *IdentityStore) CreateUser(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	cp := *u
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.users[u.ID] = &cp
	return nil
}

func (s *IdentityStore) CreateTenant(_ context.Context, t *store.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	cp := *t
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.tenants[t.ID] = &cp
	return nil
}

func (s *IdentityStore) AddMembership(_ context.Context, m *store.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.memberships = append(s.memberships, &cp)
	return nil
}
