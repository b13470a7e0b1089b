package agents

import (
	"context"

	"github.com/fieldline/fieldline/engine/agent"
	"github.com/fieldline/fieldline/engine/expr"
)

var routerSchema = mustSchema("router", `{
	"type": "object",
	"properties": {
		"expression": {"type": "string", "minLength": 1},
		"outputField": {"type": "string", "minLength": 1}
	},
	"required": ["expression"],
	"additionalProperties": false
}`)

// Router evaluates a safe expression against the state and writes the result
// to an output field. Outbound edge conditions branch on that field, so the
// routing decision itself is checkpointed and survives replay.
type Router struct{}

// Name implements agent.Agent.
func (r *Router) Name() string { return "router" }

// ValidateConfig implements agent.Agent.
func (r *Router) ValidateConfig(config map[string]any) error {
	if err := validateSchema(routerSchema, config); err != nil {
		return err
	}
	_, err := expr.Parse(stringOpt(config, "expression", ""))
	return err
}

// Inputs implements agent.Agent.
func (r *Router) Inputs(config map[string]any) []string {
	e, err := expr.Parse(stringOpt(config, "expression", ""))
	if err != nil {
		return nil
	}
	return e.Fields()
}

// Outputs implements agent.Agent.
func (r *Router) Outputs(config map[string]any) []string {
	return []string{stringOpt(config, "outputField", "route")}
}

// Execute implements agent.Agent.
func (r *Router) Execute(_ context.Context, req agent.Request) (map[string]any, error) {
	e, err := expr.Parse(stringOpt(req.Config, "expression", ""))
	if err != nil {
		return nil, agent.NewFatal("router: invalid expression", err)
	}
	v, err := e.EvalValue(req.State)
	if err != nil {
		return nil, agent.NewFatal("router: expression failed", err)
	}
	return map[string]any{stringOpt(req.Config, "outputField", "route"): v}, nil
}
