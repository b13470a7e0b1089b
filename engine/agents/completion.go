package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/fieldline/fieldline/engine/agent"
	"github.com/fieldline/fieldline/model"
)

var completionSchema = mustSchema("completion", `{
	"type": "object",
	"properties": {
		"prompt": {"type": "string", "minLength": 1},
		"system": {"type": "string"},
		"model": {"type": "string"},
		"maxTokens": {"type": "integer", "minimum": 1},
		"temperature": {"type": "number", "minimum": 0, "maximum": 2},
		"outputField": {"type": "string", "minLength": 1},
		"format": {"enum": ["text", "json"]}
	},
	"required": ["prompt"],
	"additionalProperties": false
}`)

var promptField = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Completion delegates to the external AI service with a templated prompt.
// Prompt placeholders ({{field}}) are filled from execution state; the
// response is stored as text or parsed as JSON depending on the configured
// format.
type Completion struct {
	client model.Client
}

// NewCompletion builds a completion agent bound to a model client.
func NewCompletion(client model.Client) *Completion {
	return &Completion{client: client}
}

// Name implements agent.Agent.
func (c *Completion) Name() string { return "completion" }

// ValidateConfig implements agent.Agent.
func (c *Completion) ValidateConfig(config map[string]any) error {
	return validateSchema(completionSchema, config)
}

// Inputs implements agent.Agent.
func (c *Completion) Inputs(config map[string]any) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range promptField.FindAllStringSubmatch(stringOpt(config, "prompt", ""), -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Outputs implements agent.Agent.
func (c *Completion) Outputs(config map[string]any) []string {
	return []string{stringOpt(config, "outputField", "completion")}
}

// Execute implements agent.Agent.
func (c *Completion) Execute(ctx context.Context, req agent.Request) (map[string]any, error) {
	prompt, err := renderPrompt(stringOpt(req.Config, "prompt", ""), req.State)
	if err != nil {
		return nil, agent.NewFatal("completion: render prompt", err)
	}
	mreq := &model.Request{
		System: stringOpt(req.Config, "system", ""),
		Prompt: prompt,
		Model:  stringOpt(req.Config, "model", ""),
	}
	if n, ok := toFloat(req.Config["maxTokens"]); ok {
		mreq.MaxTokens = int(n)
	}
	if t, ok := toFloat(req.Config["temperature"]); ok {
		mreq.Temperature = t
	}
	resp, err := c.client.Complete(ctx, mreq)
	if err != nil {
		return nil, agent.NewRetryable("completion: model request failed", err)
	}
	out := stringOpt(req.Config, "outputField", "completion")
	if stringOpt(req.Config, "format", "text") == "json" {
		var parsed any
		if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &parsed); err != nil {
			return nil, agent.NewRetryable("completion: response is not valid JSON", err)
		}
		return map[string]any{out: parsed}, nil
	}
	return map[string]any{out: resp.Text}, nil
}

func renderPrompt(tmpl string, state map[string]any) (string, error) {
	var missing []string
	rendered := promptField.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := promptField.FindStringSubmatch(m)[1]
		v, ok := state[name]
		if !ok {
			missing = append(missing, name)
			return ""
		}
		if s, ok := v.(string); ok {
			return s
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing state fields: %s", strings.Join(missing, ", "))
	}
	return rendered, nil
}
