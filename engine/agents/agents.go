// Package agents provides the built-in agent kinds: the aggregator, the
// conditional router, the AI completion agent and the checkpoint marker. Node
// configurations are validated against JSON Schemas at compile time.
package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fieldline/fieldline/engine/agent"
	"github.com/fieldline/fieldline/model"
)

// RegisterBuiltins registers every built-in agent kind. The completion agent
// is registered only when a model client is available.
func RegisterBuiltins(reg *agent.Registry, mc model.Client) error {
	builtins := []agent.Agent{
		&Aggregator{},
		&Router{},
		&Checkpoint{},
	}
	if mc != nil {
		builtins = append(builtins, &Completion{client: mc})
	}
	for _, a := range builtins {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// mustSchema compiles an embedded config schema at package init.
func mustSchema(name, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("agents: invalid %s schema: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", doc); err != nil {
		panic(fmt.Sprintf("agents: add %s schema: %v", name, err))
	}
	return c.MustCompile(name + ".json")
}

// validateSchema checks a node config against a compiled schema. The config
// round-trips through JSON so bson/yaml integer types normalize to the number
// representation the validator expects.
func validateSchema(schema *jsonschema.Schema, config map[string]any) error {
	if config == nil {
		config = map[string]any{}
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return schema.Validate(doc)
}

func stringOpt(config map[string]any, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func stringSlice(config map[string]any, key string) []string {
	raw, ok := config[key].([]any)
	if !ok {
		if typed, ok := config[key].([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
