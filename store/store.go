// Package store defines the persistence contracts the engine and API consume.
// Implementations live in store/mongo (production) and store/inmem (tests and
// development). Every tenant-owned read and write accepts a tenant.Context;
// implementations constrain results to that tenant unless the context is
// platform-admin.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fieldline/fieldline/engine/workflow"
	"github.com/fieldline/fieldline/tenant"
)

// ErrNotFound is returned when a resource is absent in the caller's tenant
// scope. Cross-tenant hits return ErrNotFound, never a permission error, so
// resource existence cannot be probed.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned on version or uniqueness violations.
var ErrConflict = errors.New("conflict")

type (
	// DefinitionFilter narrows a workflow definition listing.
	DefinitionFilter struct {
		Status workflow.Status
		// Name matches the definition name exactly when set.
		Name string
		// AllTenants lists across tenants; honored only for platform admins.
		AllTenants bool
	}

	// WorkflowStore persists workflow definitions. Definitions are immutable
	// once active; archival is soft-delete.
	WorkflowStore interface {
		// Save creates a definition. The (tenant, id, version) triple must be
		// unique; violations return ErrConflict.
		Save(ctx context.Context, tc tenant.Context, def *workflow.Definition) error
		// Get returns the latest non-deleted version of a definition.
		Get(ctx context.Context, tc tenant.Context, id string) (*workflow.Definition, error)
		// GetVersion returns one specific version.
		GetVersion(ctx context.Context, tc tenant.Context, id string, version int) (*workflow.Definition, error)
		// List returns non-deleted definitions matching the filter.
		List(ctx context.Context, tc tenant.Context, f DefinitionFilter) ([]*workflow.Definition, error)
		// Update replaces a draft definition in place. Active definitions
		// reject updates with ErrConflict.
		Update(ctx context.Context, tc tenant.Context, def *workflow.Definition) error
		// SoftDelete archives a definition.
		SoftDelete(ctx context.Context, tc tenant.Context, id string) error
		// RecordExecution folds one completed run into the definition's
		// executionCount / averageExecutionMs aggregates.
		RecordExecution(ctx context.Context, id string, tenantID string, durationMs int64) error
	}

	// ExecutionStore persists executions and their checkpoints. Checkpoints
	// are append-only; the engine never rewrites one.
	ExecutionStore interface {
		Create(ctx context.Context, tc tenant.Context, ex *workflow.Execution) error
		Get(ctx context.Context, tc tenant.Context, id string) (*workflow.Execution, error)
		// ListByWorkflow returns executions of one workflow, most recent first.
		ListByWorkflow(ctx context.Context, tc tenant.Context, workflowID string) ([]*workflow.Execution, error)
		// Update persists the execution's mutable fields (status, state,
		// frontier, completed set, error, timings).
		Update(ctx context.Context, ex *workflow.Execution) error
		// AppendCheckpoint durably appends one checkpoint. A duplicate
		// (executionId, sequence) returns ErrConflict.
		AppendCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error
		// LatestCheckpoint returns the highest-sequence checkpoint.
		LatestCheckpoint(ctx context.Context, executionID string) (*workflow.Checkpoint, error)
		// ListCheckpoints returns checkpoints with sequence >= from, ascending,
		// up to limit (0 means no limit).
		ListCheckpoints(ctx context.Context, executionID string, from, limit int) ([]*workflow.Checkpoint, error)
		// ListActive returns executions with status running or paused across
		// all tenants. Used only by crash recovery at startup.
		ListActive(ctx context.Context) ([]*workflow.Execution, error)
	}

	// User is an account that can authenticate.
	User struct {
		ID           string    `bson:"_id" json:"id"`
		Email        string    `bson:"email" json:"email"`
		Name         string    `bson:"name" json:"name"`
		PasswordHash []byte    `bson:"passwordHash" json:"-"`
		PlatformAdmin bool     `bson:"platformAdmin" json:"platformAdmin"`
		CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
		UpdatedAt    time.Time `bson:"updatedAt" json:"updatedAt"`
		Deleted      bool      `bson:"deleted" json:"-"`
	}

	// Tenant is an isolated customer account.
	Tenant struct {
		ID   string `bson:"_id" json:"id"`
		Name string `bson:"name" json:"name"`
		// AuditRetentionDays bounds audit event retention for the tenant.
		// Zero means the platform default.
		AuditRetentionDays int       `bson:"auditRetentionDays,omitempty" json:"auditRetentionDays,omitempty"`
		RateLimitPerWindow int       `bson:"rateLimitPerWindow,omitempty" json:"rateLimitPerWindow,omitempty"`
		CreatedAt          time.Time `bson:"createdAt" json:"createdAt"`
		UpdatedAt          time.Time `bson:"updatedAt" json:"updatedAt"`
		Deleted            bool      `bson:"deleted" json:"-"`
	}

	// Membership binds a user to a tenant with roles and permissions.
	Membership struct {
		UserID      string    `bson:"userId" json:"userId"`
		TenantID    string    `bson:"tenantId" json:"tenantId"`
		Roles       []string  `bson:"roles" json:"roles"`
		Permissions []string  `bson:"permissions" json:"permissions"`
		CreatedAt   time.Time `bson:"createdAt" json:"createdAt"`
	}

	// IdentityStore serves the auth gate: user lookup and memberships.
	IdentityStore interface {
		UserByEmail(ctx context.Context, email string) (*User, error)
		UserByID(ctx context.Context, id string) (*User, error)
		TenantByID(ctx context.Context, id string) (*Tenant, error)
		Memberships(ctx context.Context, userID string) ([]*Membership, error)
		// CreateUser and CreateTenant exist for bootstrap and tests.
		CreateUser(ctx context.Context, u *User) error
		CreateTenant(ctx context.Context, t *Tenant) error
		AddMembership(ctx context.Context, m *Membership) error
	}
)
