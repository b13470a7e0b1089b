package agents

import (
	"context"
	"fmt"

	"github.com/fieldline/fieldline/engine/agent"
)

var aggregatorSchema = mustSchema("aggregator", `{
	"type": "object",
	"properties": {
		"operation": {"enum": ["merge", "sum"]},
		"fields": {"type": "array", "items": {"type": "string"}, "minItems": 1},
		"outputField": {"type": "string", "minLength": 1}
	},
	"required": ["fields", "outputField"],
	"additionalProperties": false
}`)

// Aggregator combines named state fields into one output. The "merge"
// operation produces a map of the inputs plus a confidence score reflecting
// how many of them were present; "sum" adds numeric inputs.
type Aggregator struct{}

// Name implements agent.Agent.
func (a *Aggregator) Name() string { return "aggregator" }

// ValidateConfig implements agent.Agent.
func (a *Aggregator) ValidateConfig(config map[string]any) error {
	return validateSchema(aggregatorSchema, config)
}

// Inputs implements agent.Agent.
func (a *Aggregator) Inputs(config map[string]any) []string {
	return stringSlice(config, "fields")
}

// Outputs implements agent.Agent.
func (a *Aggregator) Outputs(config map[string]any) []string {
	return []string{stringOpt(config, "outputField", "")}
}

// Execute implements agent.Agent.
func (a *Aggregator) Execute(_ context.Context, req agent.Request) (map[string]any, error) {
	fields := stringSlice(req.Config, "fields")
	out := stringOpt(req.Config, "outputField", "")
	switch stringOpt(req.Config, "operation", "merge") {
	case "sum":
		var total float64
		for _, f := range fields {
			n, ok := toFloat(req.State[f])
			if !ok {
				return nil, agent.NewFatal(fmt.Sprintf("aggregator: field %q is not numeric", f), nil)
			}
			total += n
		}
		return map[string]any{out: total}, nil
	default:
		combined := make(map[string]any, len(fields))
		present := 0
		for _, f := range fields {
			v, ok := req.State[f]
			if ok && v != nil {
				present++
			}
			combined[f] = v
		}
		combined["confidence"] = float64(present) / float64(len(fields))
		return map[string]any{out: combined}, nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
