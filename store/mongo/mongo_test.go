package mongo

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fieldline/fieldline/audit"
	"github.com/fieldline/fieldline/engine/workflow"
	"github.com/fieldline/fieldline/store"
	"github.com/fieldline/fieldline/tenant"
)

var (
	testURI            string
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
	setupDone          bool
)

func setupMongoDB() {
	setupDone = true
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}
	testURI = fmt.Sprintf("mongodb://%s:%s", host, port.Port())
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	if !setupDone {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	// One database per test keeps fixtures isolated.
	dbName := "fieldline_" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_"))
	m, err := Connect(context.Background(), Options{
		URI:             testURI,
		Database:        dbName,
		ConnectAttempts: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		_ = m.db.Drop(ctx)
		_ = m.Close(ctx)
	})
	return m
}

var (
	tcT1 = tenant.Context{UserID: "u1", TenantID: "t1"}
	tcT2 = tenant.Context{UserID: "u2", TenantID: "t2"}
)

func draftDefinition(id string, version int) *workflow.Definition {
	return &workflow.Definition{
		ID:      id,
		Name:    "Inspection " + id,
		Version: version,
		Status:  workflow.StatusDraft,
		Agents: []workflow.AgentSpec{
			{ID: "A", Kind: "checkpoint"},
		},
		EntryPoints: []string{"A"},
	}
}

func TestWorkflowStoreSaveAndGet(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	s, err := NewWorkflowStore(ctx, m)
	require.NoError(t, err)

	def := draftDefinition("wf-1", 1)
	require.NoError(t, s.Save(ctx, tcT1, def))
	assert.Equal(t, "t1", def.TenantID)
	assert.Equal(t, "u1", def.CreatedBy)
	assert.False(t, def.CreatedAt.IsZero())

	// Same (tenant, id, version) violates the unique index.
	require.ErrorIs(t, s.Save(ctx, tcT1, draftDefinition("wf-1", 1)), store.ErrConflict)
	// Same id in another tenant is fine.
	require.NoError(t, s.Save(ctx, tcT2, draftDefinition("wf-1", 1)))

	require.NoError(t, s.Save(ctx, tcT1, draftDefinition("wf-1", 2)))
	got, err := s.Get(ctx, tcT1, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	v1, err := s.GetVersion(ctx, tcT1, "wf-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	// Cross-tenant reads miss rather than leak.
	_, err = s.Get(ctx, tenant.Context{UserID: "u3", TenantID: "t3"}, "wf-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestWorkflowStoreUpdateRules(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	s, err := NewWorkflowStore(ctx, m)
	require.NoError(t, err)

	def := draftDefinition("wf-1", 1)
	require.NoError(t, s.Save(ctx, tcT1, def))

	def.Name = "Renamed"
	require.NoError(t, s.Update(ctx, tcT1, def))
	assert.Equal(t, "u1", def.UpdatedBy)

	// Activate, then in-place updates of the active version are rejected.
	def.Status = workflow.StatusActive
	require.NoError(t, s.Update(ctx, tcT1, def))
	def.Name = "Again"
	require.ErrorIs(t, s.Update(ctx, tcT1, def), store.ErrConflict)

	got, err := s.Get(ctx, tcT1, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
}

func TestWorkflowStoreSoftDelete(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	s, err := NewWorkflowStore(ctx, m)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, tcT1, draftDefinition("wf-1", 1)))
	require.NoError(t, s.Save(ctx, tcT1, draftDefinition("wf-1", 2)))

	require.NoError(t, s.SoftDelete(ctx, tcT1, "wf-1"))
	_, err = s.Get(ctx, tcT1, "wf-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.SoftDelete(ctx, tcT1, "wf-1"), store.ErrNotFound)

	all, err := s.List(ctx, tcT1, store.DefinitionFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestWorkflowStoreListFilters(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	s, err := NewWorkflowStore(ctx, m)
	require.NoError(t, err)

	active := draftDefinition("wf-active", 1)
	active.Status = workflow.StatusActive
	require.NoError(t, s.Save(ctx, tcT1, active))
	require.NoError(t, s.Save(ctx, tcT1, draftDefinition("wf-draft", 1)))
	require.NoError(t, s.Save(ctx, tcT2, draftDefinition("wf-other", 1)))

	mine, err := s.List(ctx, tcT1, store.DefinitionFilter{})
	require.NoError(t, err)
	require.Len(t, mine, 2)

	actives, err := s.List(ctx, tcT1, store.DefinitionFilter{Status: workflow.StatusActive})
	require.NoError(t, err)
	require.Len(t, actives, 1)
	assert.Equal(t, "wf-active", actives[0].ID)

	// AllTenants is honored only for platform admins.
	admin := tenant.Context{UserID: "root", PlatformAdmin: true}
	everything, err := s.List(ctx, admin, store.DefinitionFilter{AllTenants: true})
	require.NoError(t, err)
	assert.Len(t, everything, 3)

	notAdmin, err := s.List(ctx, tcT1, store.DefinitionFilter{AllTenants: true})
	require.NoError(t, err)
	assert.Len(t, notAdmin, 2)
}

func TestWorkflowStoreRecordExecution(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	s, err := NewWorkflowStore(ctx, m)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, tcT1, draftDefinition("wf-1", 1)))
	require.NoError(t, s.RecordExecution(ctx, "wf-1", "t1", 100))
	require.NoError(t, s.RecordExecution(ctx, "wf-1", "t1", 300))

	got, err := s.Get(ctx, tcT1, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ExecutionCount)
	assert.InDelta(t, 200, got.AverageExecutionMs, 0.01)
}

func TestExecutionStoreCheckpoints(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	s, err := NewExecutionStore(ctx, m)
	require.NoError(t, err)

	ex := &workflow.Execution{
		ID:       "ex-1",
		Workflow: workflow.Ref{ID: "wf-1", Version: 1},
		Status:   workflow.ExecutionRunning,
		State:    map[string]any{},
	}
	require.NoError(t, s.Create(ctx, tcT1, ex))
	assert.Equal(t, "t1", ex.TenantID)
	require.ErrorIs(t, s.Create(ctx, tcT1, ex), store.ErrConflict)

	for seq := 0; seq < 3; seq++ {
		require.NoError(t, s.AppendCheckpoint(ctx, &workflow.Checkpoint{
			ExecutionID: "ex-1",
			Sequence:    seq,
			State:       map[string]any{"step": int32(seq)},
		}))
	}
	// Re-appending an existing sequence violates the unique index.
	require.ErrorIs(t, s.AppendCheckpoint(ctx, &workflow.Checkpoint{
		ExecutionID: "ex-1", Sequence: 1,
	}), store.ErrConflict)

	latest, err := s.LatestCheckpoint(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Sequence)

	cps, err := s.ListCheckpoints(ctx, "ex-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, 1, cps[0].Sequence)
	assert.Equal(t, 2, cps[1].Sequence)

	limited, err := s.ListCheckpoints(ctx, "ex-1", 0, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, 0, limited[0].Sequence)
}

func TestExecutionStoreScopingAndActive(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	s, err := NewExecutionStore(ctx, m)
	require.NoError(t, err)

	mk := func(id string, tc tenant.Context, status workflow.ExecutionStatus, started time.Time) {
		require.NoError(t, s.Create(ctx, tc, &workflow.Execution{
			ID:        id,
			Workflow:  workflow.Ref{ID: "wf-1", Version: 1},
			Status:    status,
			State:     map[string]any{},
			StartedAt: started,
		}))
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	mk("ex-1", tcT1, workflow.ExecutionRunning, now.Add(-2*time.Minute))
	mk("ex-2", tcT1, workflow.ExecutionCompleted, now.Add(-time.Minute))
	mk("ex-3", tcT2, workflow.ExecutionPaused, now)

	_, err = s.Get(ctx, tcT2, "ex-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	got, err := s.Get(ctx, tcT1, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionRunning, got.Status)

	list, err := s.ListByWorkflow(ctx, tcT1, "wf-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ex-2", list[0].ID) // most recent first

	// Recovery scan crosses tenants and sees only non-terminal runs.
	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "ex-1", active[0].ID)
	assert.Equal(t, "ex-3", active[1].ID)

	got.Status = workflow.ExecutionCancelled
	require.NoError(t, s.Update(ctx, got))
	active, err = s.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestAuditStoreListFilters(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	s, err := NewAuditStore(ctx, m, AuditOptions{})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	events := []*audit.Event{
		{ID: "e1", Type: audit.EventCreate, ResourceType: "Workflow", ResourceID: "wf-1", TenantID: "t1", UserID: "u1", Timestamp: now.Add(-2 * time.Hour)},
		{ID: "e2", Type: audit.EventStateTransition, ResourceType: "Execution", ResourceID: "ex-1", TenantID: "t1", UserID: "u1", Timestamp: now.Add(-time.Hour)},
		{ID: "e3", Type: audit.EventCreate, ResourceType: "Workflow", ResourceID: "wf-2", TenantID: "t2", UserID: "u2", Timestamp: now},
	}
	for _, ev := range events {
		require.NoError(t, s.Append(ctx, ev))
	}

	mine, err := s.List(ctx, tcT1, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "e2", mine[0].ID) // newest first

	workflows, err := s.List(ctx, tcT1, audit.Filter{ResourceType: "Workflow"})
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, "e1", workflows[0].ID)

	since, err := s.List(ctx, tcT1, audit.Filter{Since: now.Add(-90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "e2", since[0].ID)

	admin := tenant.Context{UserID: "root", PlatformAdmin: true}
	all, err := s.List(ctx, admin, audit.Filter{AllTenants: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "e3", all[0].ID)
}

func TestIdentityStoreRoundTrip(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	s, err := NewIdentityStore(ctx, m)
	require.NoError(t, err)

	u := &store.User{ID: "u1", Email: "pat@example.com", Name: "Pat"}
	require.NoError(t, s.CreateUser(ctx, u))
	require.ErrorIs(t, s.CreateUser(ctx, &store.User{ID: "u2", Email: "pat@example.com"}), store.ErrConflict)

	got, err := s.UserByEmail(ctx, "pat@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
	_, err = s.UserByEmail(ctx, "nobody@example.com")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.CreateTenant(ctx, &store.Tenant{ID: "t1", Name: "Acme"}))
	tn, err := s.TenantByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", tn.Name)

	require.NoError(t, s.AddMembership(ctx, &store.Membership{UserID: "u1", TenantID: "t1", Roles: []string{"admin"}}))
	require.ErrorIs(t, s.AddMembership(ctx, &store.Membership{UserID: "u1", TenantID: "t1"}), store.ErrConflict)

	ms, err := s.Memberships(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, []string{"admin"}, ms[0].Roles)
}

func TestManagerHealth(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	assert.Equal(t, "mongo", m.Name())
	require.NoError(t, m.Ping(ctx))
	assert.True(t, m.IsHealthy(ctx))

	stats := m.PoolStats()
	assert.Equal(t, int64(20), stats.Max)
	assert.GreaterOrEqual(t, stats.Utilization, 0.0)
}
