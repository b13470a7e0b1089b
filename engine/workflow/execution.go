package workflow

import "time"

// ExecutionStatus is the lifecycle state of one run of a workflow.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

type (
	// Execution records one run of a workflow definition. The engine owns the
	// in-memory copy while the run is active; the store holds the durable one.
	Execution struct {
		ID       string `bson:"_id" json:"executionId"`
		Workflow Ref    `bson:"workflow" json:"workflow"`
		TenantID string `bson:"tenantId" json:"tenantId"`
		// InitiatedBy is the user that started the run.
		InitiatedBy string          `bson:"initiatedBy" json:"initiatedBy"`
		Status      ExecutionStatus `bson:"status" json:"status"`

		// State is the accumulated working set, merged from agent fragments.
		State map[string]any `bson:"state" json:"state"`
		// Frontier lists agent ids currently eligible to run or running.
		Frontier []string `bson:"frontier,omitempty" json:"frontier,omitempty"`
		// Completed lists agent ids that have run successfully.
		Completed []string `bson:"completed,omitempty" json:"completed,omitempty"`

		StartedAt  time.Time  `bson:"startedAt" json:"startedAt"`
		UpdatedAt  time.Time  `bson:"updatedAt" json:"updatedAt"`
		EndedAt    *time.Time `bson:"endedAt,omitempty" json:"endedAt,omitempty"`
		DurationMs int64      `bson:"durationMs,omitempty" json:"durationMs,omitempty"`
		Error      *ExecError `bson:"error,omitempty" json:"error,omitempty"`
	}

	// ExecError is the terminal error recorded on a failed execution.
	ExecError struct {
		// Kind categorizes the failure: "fatal", "retry-exhausted", or
		// "compile" for definitions that no longer compile at start.
		Kind    string `bson:"kind" json:"kind"`
		Message string `bson:"message" json:"message"`
		// AgentID names the node whose invocation failed, when applicable.
		AgentID string `bson:"agentId,omitempty" json:"agentId,omitempty"`
	}

	// Checkpoint is an append-only durable snapshot within an execution.
	// Replaying checkpoints 0..N reconstructs the state at step N; the engine
	// never rewrites a checkpoint.
	Checkpoint struct {
		ExecutionID string `bson:"executionId" json:"executionId"`
		// Sequence is monotonic within the execution, starting at 0.
		Sequence  int       `bson:"sequence" json:"sequence"`
		Timestamp time.Time `bson:"timestamp" json:"timestamp"`
		// State is the full post-merge snapshot, not a delta.
		State map[string]any `bson:"state" json:"state"`
		// CompletedAgent names the agent whose completion produced this
		// checkpoint. Empty for the initial checkpoint.
		CompletedAgent string         `bson:"completedAgent,omitempty" json:"completedAgent,omitempty"`
		Message        string         `bson:"message,omitempty" json:"message,omitempty"`
		Metadata       map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
	}
)

// CloneState returns a shallow copy of a state map. Fragments and snapshots
// are copied before crossing goroutine boundaries so no two steps share a map.
func CloneState(state map[string]any) map[string]any {
	if state == nil {
		return map[string]any{}
	}
	dst := make(map[string]any, len(state))
	for k, v := range state {
		dst[k] = v
	}
	return dst
}
