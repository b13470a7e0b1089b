// Package workflow defines the declarative workflow model: versioned
// definitions, agent specs, connections, and the execution records produced
// when a definition runs. Definitions are templates; executions reference
// them by (id, version) and never hold a pointer to a mutable definition.
package workflow

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a workflow definition.
type Status string

const (
	// StatusDraft marks a definition that is still editable.
	StatusDraft Status = "draft"
	// StatusActive marks a validated, immutable definition. Changes require
	// a new version.
	StatusActive Status = "active"
	// StatusArchived marks a soft-deleted definition. Archived definitions
	// cannot start new executions.
	StatusArchived Status = "archived"
)

// OnError values recognized on a connection.
const (
	// OnErrorFail stops the execution when the upstream agent exhausts retries.
	OnErrorFail = "fail"
	// OnErrorContinue treats the upstream agent as complete with an error
	// marker in state.
	OnErrorContinue = "continue"
)

type (
	// Definition is the declarative template for a workflow graph. A definition
	// is unique per (tenant, id, version) and immutable once active.
	Definition struct {
		ID       string `bson:"id" json:"id" yaml:"id"`
		Name     string `bson:"name" json:"name" yaml:"name"`
		Version  int    `bson:"version" json:"version" yaml:"version"`
		TenantID string `bson:"tenantId" json:"tenantId" yaml:"tenantId"`
		Status   Status `bson:"status" json:"status" yaml:"status"`

		// Agents is the ordered sequence of nodes. Order matters: it breaks
		// ties for non-parallel branching and fixes the compiled form.
		Agents []AgentSpec `bson:"agents" json:"agents" yaml:"agents"`
		// Connections is the edge set defining the DAG.
		Connections []Connection `bson:"connections" json:"connections" yaml:"connections"`
		// EntryPoints lists agent ids with no inbound edges. Must be non-empty.
		EntryPoints []string `bson:"entryPoints" json:"entryPoints" yaml:"entryPoints"`
		// StateSchema declares the names and types of state fields the
		// workflow produces and consumes.
		StateSchema map[string]FieldType `bson:"stateSchema,omitempty" json:"stateSchema,omitempty" yaml:"stateSchema,omitempty"`

		// ExecutionCount and AverageExecutionMs aggregate completed runs back
		// into the definition for dashboards.
		ExecutionCount     int64   `bson:"executionCount" json:"executionCount" yaml:"-"`
		AverageExecutionMs float64 `bson:"averageExecutionMs" json:"averageExecutionMs" yaml:"-"`

		CreatedAt time.Time  `bson:"createdAt" json:"createdAt" yaml:"-"`
		UpdatedAt time.Time  `bson:"updatedAt" json:"updatedAt" yaml:"-"`
		CreatedBy string     `bson:"createdBy" json:"createdBy" yaml:"-"`
		UpdatedBy string     `bson:"updatedBy,omitempty" json:"updatedBy,omitempty" yaml:"-"`
		Deleted   bool       `bson:"deleted" json:"-" yaml:"-"`
		DeletedAt *time.Time `bson:"deletedAt,omitempty" json:"-" yaml:"-"`
		DeletedBy string     `bson:"deletedBy,omitempty" json:"-" yaml:"-"`
	}

	// AgentSpec declares one node of the graph: which registered kind to
	// instantiate and its opaque configuration.
	AgentSpec struct {
		// ID is unique within the workflow.
		ID string `bson:"id" json:"id" yaml:"id"`
		// Kind names a registered agent kind.
		Kind string `bson:"kind" json:"kind" yaml:"kind"`
		// Config is the kind-specific configuration, validated at compile time.
		Config map[string]any `bson:"config,omitempty" json:"config,omitempty" yaml:"config,omitempty"`
		// Parallel allows multiple matching outbound edges to fan out
		// simultaneously. Without it the first declared matching edge wins.
		Parallel bool `bson:"parallel,omitempty" json:"parallel,omitempty" yaml:"parallel,omitempty"`
		// TimeoutMs overrides the engine's per-invocation timeout for this node.
		TimeoutMs int64 `bson:"timeoutMs,omitempty" json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	}

	// Connection is a directed edge between two agents, optionally guarded by
	// a condition expression evaluated against the execution state.
	Connection struct {
		From string `bson:"from" json:"from" yaml:"from"`
		To   string `bson:"to" json:"to" yaml:"to"`
		// Condition is a boolean expression (arithmetic, comparison, boolean
		// operators and state field access only). Empty means unconditional.
		Condition string `bson:"condition,omitempty" json:"condition,omitempty" yaml:"condition,omitempty"`
		// OnError controls what happens when the upstream agent exhausts its
		// retries: "fail" (default) or "continue".
		OnError string `bson:"onError,omitempty" json:"onError,omitempty" yaml:"onError,omitempty"`
	}

	// FieldType is a declared state field type.
	FieldType string
)

// Declared state field types. "any" opts a field out of type checking.
const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldObject  FieldType = "object"
	FieldArray   FieldType = "array"
	FieldAny     FieldType = "any"
)

// Ref identifies an immutable definition version. Executions store a Ref,
// never a pointer to the definition.
type Ref struct {
	ID      string `bson:"id" json:"id"`
	Version int    `bson:"version" json:"version"`
}

// Agent returns the spec for the given agent id, or false when the id is not
// declared.
func (d *Definition) Agent(id string) (AgentSpec, bool) {
	for _, a := range d.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// Outbound returns the connections leaving the given agent in declaration order.
func (d *Definition) Outbound(id string) []Connection {
	var out []Connection
	for _, c := range d.Connections {
		if c.From == id {
			out = append(out, c)
		}
	}
	return out
}

// Inbound returns the connections entering the given agent in declaration order.
func (d *Definition) Inbound(id string) []Connection {
	var in []Connection
	for _, c := range d.Connections {
		if c.To == id {
			in = append(in, c)
		}
	}
	return in
}

// Validate performs the structural checks that do not require the agent
// registry: unique agent ids, resolvable edge endpoints, and declared entry
// points with no inbound edges. The compiler runs the full check list.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if d.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(d.Agents) == 0 {
		return fmt.Errorf("workflow %q declares no agents", d.ID)
	}
	seen := make(map[string]bool, len(d.Agents))
	for _, a := range d.Agents {
		if a.ID == "" {
			return fmt.Errorf("workflow %q: agent with empty id", d.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("workflow %q: duplicate agent id %q", d.ID, a.ID)
		}
		seen[a.ID] = true
	}
	for _, c := range d.Connections {
		if !seen[c.From] {
			return fmt.Errorf("workflow %q: connection references unknown agent %q", d.ID, c.From)
		}
		if !seen[c.To] {
			return fmt.Errorf("workflow %q: connection references unknown agent %q", d.ID, c.To)
		}
		if c.OnError != "" && c.OnError != OnErrorFail && c.OnError != OnErrorContinue {
			return fmt.Errorf("workflow %q: connection %s->%s: invalid onError %q", d.ID, c.From, c.To, c.OnError)
		}
	}
	if len(d.EntryPoints) == 0 {
		return fmt.Errorf("workflow %q declares no entry points", d.ID)
	}
	for _, e := range d.EntryPoints {
		if !seen[e] {
			return fmt.Errorf("workflow %q: entry point %q is not a declared agent", d.ID, e)
		}
		if len(d.Inbound(e)) > 0 {
			return fmt.Errorf("workflow %q: entry point %q has inbound connections", d.ID, e)
		}
	}
	return nil
}
