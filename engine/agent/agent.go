// Package agent defines the executable node contract and the process-wide
// registry of agent kinds. An agent kind is registered once at startup; the
// compiler resolves kind names to implementations and the executor invokes
// them with the execution state.
package agent

import "context"

type (
	// Request carries everything an invocation needs. State is a snapshot the
	// agent must not mutate; results come back as a fragment to be merged.
	Request struct {
		// ExecutionID identifies the run. Agents with external side-effects
		// use (ExecutionID, AgentID) as an idempotency key so replays after a
		// crash do not duplicate work.
		ExecutionID string
		// AgentID is the node id within the workflow.
		AgentID string
		// TenantID scopes any store access the agent performs.
		TenantID string
		// State is the current execution state snapshot.
		State map[string]any
		// Config is the node configuration validated at compile time.
		Config map[string]any
	}

	// Agent is the capability set every registered kind implements. Execute
	// returns a state fragment merged into the execution state, or a typed
	// *Error. Implementations must be idempotent given (state, config) and
	// must check ctx at yield points so cancellation is cooperative.
	Agent interface {
		// Name is the unique, process-wide kind name.
		Name() string
		// ValidateConfig checks a node configuration at compile time.
		ValidateConfig(config map[string]any) error
		// Inputs lists the state fields the node reads, given its config.
		Inputs(config map[string]any) []string
		// Outputs lists the state fields the node writes, given its config.
		Outputs(config map[string]any) []string
		// Execute runs the node and returns the produced state fragment.
		Execute(ctx context.Context, req Request) (map[string]any, error)
	}
)
