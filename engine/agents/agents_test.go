package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/fieldline/engine/agent"
	"github.com/fieldline/fieldline/model"
)

func TestAggregatorSum(t *testing.T) {
	a := &Aggregator{}
	cfg := map[string]any{"operation": "sum", "fields": []any{"b", "c"}, "outputField": "total"}
	require.NoError(t, a.ValidateConfig(cfg))
	assert.Equal(t, []string{"b", "c"}, a.Inputs(cfg))
	assert.Equal(t, []string{"total"}, a.Outputs(cfg))

	frag, err := a.Execute(context.Background(), agent.Request{
		State:  map[string]any{"b": 20, "c": float64(15)},
		Config: cfg,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": float64(35)}, frag)
}

func TestAggregatorSumNonNumeric(t *testing.T) {
	a := &Aggregator{}
	_, err := a.Execute(context.Background(), agent.Request{
		State:  map[string]any{"b": "oops"},
		Config: map[string]any{"operation": "sum", "fields": []any{"b"}, "outputField": "total"},
	})
	require.Error(t, err)
	assert.Equal(t, agent.Fatal, agent.KindOf(err))
}

func TestAggregatorMergeConfidence(t *testing.T) {
	a := &Aggregator{}
	frag, err := a.Execute(context.Background(), agent.Request{
		State:  map[string]any{"voice": "crack detected", "image": nil},
		Config: map[string]any{"fields": []any{"voice", "image"}, "outputField": "finding"},
	})
	require.NoError(t, err)
	combined, ok := frag["finding"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "crack detected", combined["voice"])
	assert.Equal(t, 0.5, combined["confidence"])
}

func TestAggregatorConfigRejected(t *testing.T) {
	a := &Aggregator{}
	assert.Error(t, a.ValidateConfig(map[string]any{"outputField": "x"}))
	assert.Error(t, a.ValidateConfig(map[string]any{"fields": []any{}, "outputField": "x"}))
	assert.Error(t, a.ValidateConfig(map[string]any{"fields": []any{"a"}, "outputField": "x", "operation": "avg"}))
}

func TestRouterWritesDecision(t *testing.T) {
	r := &Router{}
	cfg := map[string]any{"expression": `state.score > 5`, "outputField": "high"}
	require.NoError(t, r.ValidateConfig(cfg))
	assert.Equal(t, []string{"score"}, r.Inputs(cfg))
	assert.Equal(t, []string{"high"}, r.Outputs(cfg))

	frag, err := r.Execute(context.Background(), agent.Request{
		State:  map[string]any{"score": float64(7)},
		Config: cfg,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"high": true}, frag)

	frag, err = r.Execute(context.Background(), agent.Request{
		State:  map[string]any{"score": float64(5)},
		Config: cfg,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"high": false}, frag)
}

func TestRouterRejectsInvalidExpression(t *testing.T) {
	r := &Router{}
	assert.Error(t, r.ValidateConfig(map[string]any{"expression": "len(x) > 2"}))
	assert.Error(t, r.ValidateConfig(map[string]any{"expression": ""}))
}

type fakeModel struct {
	resp string
	err  error
	last *model.Request
}

func (f *fakeModel) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &model.Response{Text: f.resp}, nil
}

func TestCompletionRendersTemplate(t *testing.T) {
	fm := &fakeModel{resp: "severity: high"}
	c := NewCompletion(fm)
	cfg := map[string]any{
		"prompt":      "Classify defect: {{finding}}",
		"outputField": "classification",
	}
	require.NoError(t, c.ValidateConfig(cfg))
	assert.Equal(t, []string{"finding"}, c.Inputs(cfg))

	frag, err := c.Execute(context.Background(), agent.Request{
		State:  map[string]any{"finding": "hairline crack"},
		Config: cfg,
	})
	require.NoError(t, err)
	assert.Equal(t, "Classify defect: hairline crack", fm.last.Prompt)
	assert.Equal(t, map[string]any{"classification": "severity: high"}, frag)
}

func TestCompletionJSONFormat(t *testing.T) {
	fm := &fakeModel{resp: `{"severity": "high", "score": 0.9}`}
	c := NewCompletion(fm)
	frag, err := c.Execute(context.Background(), agent.Request{
		State:  map[string]any{"finding": "crack"},
		Config: map[string]any{"prompt": "{{finding}}", "format": "json"},
	})
	require.NoError(t, err)
	parsed, ok := frag["completion"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "high", parsed["severity"])
}

func TestCompletionModelErrorIsRetryable(t *testing.T) {
	fm := &fakeModel{err: errors.New("upstream timeout")}
	c := NewCompletion(fm)
	_, err := c.Execute(context.Background(), agent.Request{
		State:  map[string]any{"finding": "crack"},
		Config: map[string]any{"prompt": "{{finding}}"},
	})
	require.Error(t, err)
	assert.Equal(t, agent.Retryable, agent.KindOf(err))
}

func TestCompletionMissingFieldIsFatal(t *testing.T) {
	c := NewCompletion(&fakeModel{resp: "x"})
	_, err := c.Execute(context.Background(), agent.Request{
		State:  map[string]any{},
		Config: map[string]any{"prompt": "{{finding}}"},
	})
	require.Error(t, err)
	assert.Equal(t, agent.Fatal, agent.KindOf(err))
}

func TestRegisterBuiltins(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, &fakeModel{}))
	assert.Equal(t, []string{"aggregator", "checkpoint", "completion", "router"}, reg.List())

	_, ok := reg.Lookup("checkpoint")
	require.True(t, ok)
}
