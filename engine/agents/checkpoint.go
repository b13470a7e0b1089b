package agents

import (
	"context"

	"github.com/fieldline/fieldline/engine/agent"
)

var checkpointSchema = mustSchema("checkpoint", `{
	"type": "object",
	"properties": {
		"message": {"type": "string"}
	},
	"additionalProperties": false
}`)

// Checkpoint is a no-op node that forces a durable state snapshot. The
// executor records the configured message on the checkpoint it writes for
// this node.
type Checkpoint struct{}

// Name implements agent.Agent.
func (c *Checkpoint) Name() string { return "checkpoint" }

// ValidateConfig implements agent.Agent.
func (c *Checkpoint) ValidateConfig(config map[string]any) error {
	return validateSchema(checkpointSchema, config)
}

// Inputs implements agent.Agent.
func (c *Checkpoint) Inputs(map[string]any) []string { return nil }

// Outputs implements agent.Agent.
func (c *Checkpoint) Outputs(map[string]any) []string { return nil }

// Execute implements agent.Agent.
func (c *Checkpoint) Execute(context.Context, agent.Request) (map[string]any, error) {
	return nil, nil
}
