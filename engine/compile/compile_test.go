package compile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/fieldline/engine/agent"
	"github.com/fieldline/fieldline/engine/workflow"
)

type fakeAgent struct {
	name    string
	inputs  []string
	outputs []string
	cfgErr  error
}

func (a *fakeAgent) Name() string { return a.name }

func (a *fakeAgent) ValidateConfig(config map[string]any) error { return a.cfgErr }

func (a *fakeAgent) Inputs(config map[string]any) []string { return a.inputs }

func (a *fakeAgent) Outputs(config map[string]any) []string { return a.outputs }
func (a *fakeAgent) Execute(ctx context.Context, req agent.Request) (map[string]any, error) {
	return nil, nil
}

func testRegistry(t *testing.T, kinds ...agent.Agent) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry()
	for _, k := range kinds {
		require.NoError(t, reg.Register(k))
	}
	return reg
}

// codes collects the distinct check codes of a failed compilation.
func codes(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	var report *ValidationReport
	require.True(t, errors.As(err, &report), "want *ValidationReport, got %T", err)
	out := make([]string, len(report.Errors))
	for i, e := range report.Errors {
		out[i] = e.Code
	}
	return out
}

func linearDef() *workflow.Definition {
	return &workflow.Definition{
		ID:      "inspect-line",
		Name:    "Inspect Line",
		Version: 1,
		Agents: []workflow.AgentSpec{
			{ID: "capture", Kind: "source"},
			{ID: "analyze", Kind: "transform"},
			{ID: "report", Kind: "sink"},
		},
		Connections: []workflow.Connection{
			{From: "capture", To: "analyze"},
			{From: "analyze", To: "report"},
		},
		EntryPoints: []string{"capture"},
	}
}

func linearRegistry(t *testing.T) *agent.Registry {
	return testRegistry(t,
		&fakeAgent{name: "source", outputs: []string{"frame"}},
		&fakeAgent{name: "transform", inputs: []string{"frame"}, outputs: []string{"defects"}},
		&fakeAgent{name: "sink", inputs: []string{"defects"}},
	)
}

func TestCompileLinear(t *testing.T) {
	g, err := Compile(linearDef(), linearRegistry(t))
	require.NoError(t, err)

	assert.Equal(t, workflow.Ref{ID: "inspect-line", Version: 1}, g.Workflow)
	assert.Equal(t, []string{"capture"}, g.Entry)
	assert.Equal(t, []string{"capture", "analyze", "report"}, g.Order)

	n := g.Node("analyze")
	require.NotNil(t, n)
	assert.Equal(t, []string{"frame"}, n.Inputs)
	require.Len(t, n.Out, 1)
	assert.Equal(t, "report", n.Out[0].To)
	assert.Equal(t, workflow.OnErrorFail, n.Out[0].OnError)
	require.Len(t, n.In, 1)
	assert.Equal(t, "capture", n.In[0].From)
}

func TestCompileStructuralFailure(t *testing.T) {
	def := linearDef()
	def.EntryPoints = nil
	_, err := Compile(def, linearRegistry(t))
	assert.Equal(t, []string{"structure"}, codes(t, err))
}

func TestCompileUnknownKind(t *testing.T) {
	def := linearDef()
	def.Agents[1].Kind = "nonesuch"
	_, err := Compile(def, linearRegistry(t))
	require.Error(t, err)
	var report *ValidationReport
	require.True(t, errors.As(err, &report))
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "unknown-kind", report.Errors[0].Code)
	assert.Equal(t, "analyze", report.Errors[0].AgentID)
}

func TestCompileInvalidConfig(t *testing.T) {
	reg := testRegistry(t,
		&fakeAgent{name: "source", outputs: []string{"frame"}},
		&fakeAgent{name: "transform", cfgErr: errors.New("threshold out of range")},
		&fakeAgent{name: "sink"},
	)
	_, err := Compile(linearDef(), reg)
	assert.Equal(t, []string{"invalid-config"}, codes(t, err))
}

func TestCompileInvalidCondition(t *testing.T) {
	def := linearDef()
	def.Connections[0].Condition = "frame >"
	_, err := Compile(def, linearRegistry(t))
	assert.Equal(t, []string{"invalid-condition"}, codes(t, err))
}

func TestCompileUnreachable(t *testing.T) {
	def := linearDef()
	def.Agents = append(def.Agents, workflow.AgentSpec{ID: "orphan", Kind: "sink"})
	_, err := Compile(def, linearRegistry(t))
	assert.Contains(t, codes(t, err), "unreachable")
}

func TestCompileCycle(t *testing.T) {
	def := &workflow.Definition{
		ID:      "loop",
		Name:    "Loop",
		Version: 1,
		Agents: []workflow.AgentSpec{
			{ID: "start", Kind: "source"},
			{ID: "a", Kind: "noop"},
			{ID: "b", Kind: "noop"},
			{ID: "c", Kind: "noop"},
		},
		Connections: []workflow.Connection{
			{From: "start", To: "a"},
			{From: "a", To: "b"},
			{From: "b", To: "c"},
			{From: "c", To: "a"},
		},
		EntryPoints: []string{"start"},
	}
	reg := testRegistry(t,
		&fakeAgent{name: "source"},
		&fakeAgent{name: "noop"},
	)
	_, err := Compile(def, reg)
	require.Error(t, err)
	var report *ValidationReport
	require.True(t, errors.As(err, &report))
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "cycle", report.Errors[0].Code)
	assert.Contains(t, report.Errors[0].Message, "a, b, c")
}

func TestCompileUncoveredInput(t *testing.T) {
	t.Run("declared input never produced", func(t *testing.T) {
		reg := testRegistry(t,
			&fakeAgent{name: "source", outputs: []string{"frame"}},
			&fakeAgent{name: "transform", inputs: []string{"calibration"}},
			&fakeAgent{name: "sink"},
		)
		def := linearDef()
		_, err := Compile(def, reg)
		require.Contains(t, codes(t, err), "uncovered-input")
	})

	t.Run("condition reads unproduced field", func(t *testing.T) {
		def := linearDef()
		def.Connections[1].Condition = "confidence > 0.5"
		_, err := Compile(def, linearRegistry(t))
		require.Contains(t, codes(t, err), "uncovered-input")
	})

	t.Run("conditional parents only guarantee the intersection", func(t *testing.T) {
		// join receives "shared" from both conditional parents but "extra"
		// from only one, so reading "extra" is uncovered.
		reg := testRegistry(t,
			&fakeAgent{name: "source", outputs: []string{"frame"}},
			&fakeAgent{name: "left", inputs: []string{"frame"}, outputs: []string{"shared", "extra"}},
			&fakeAgent{name: "right", inputs: []string{"frame"}, outputs: []string{"shared"}},
			&fakeAgent{name: "join", inputs: []string{"shared", "extra"}},
		)
		def := &workflow.Definition{
			ID:      "branchy",
			Name:    "Branchy",
			Version: 1,
			Agents: []workflow.AgentSpec{
				{ID: "start", Kind: "source"},
				{ID: "l", Kind: "left"},
				{ID: "r", Kind: "right"},
				{ID: "end", Kind: "join"},
			},
			Connections: []workflow.Connection{
				{From: "start", To: "l", Condition: "frame == 'a'"},
				{From: "start", To: "r", Condition: "frame != 'a'"},
				{From: "l", To: "end", Condition: "shared == 1"},
				{From: "r", To: "end", Condition: "shared == 2"},
			},
			EntryPoints: []string{"start"},
		}
		_, err := Compile(def, reg)
		require.Error(t, err)
		var report *ValidationReport
		require.True(t, errors.As(err, &report))
		found := false
		for _, e := range report.Errors {
			if e.Code == "uncovered-input" && e.AgentID == "end" {
				found = true
			}
		}
		assert.True(t, found, "want uncovered-input on join node, got %v", report.Errors)
	})
}

func TestCompileAmbiguousBranch(t *testing.T) {
	reg := testRegistry(t,
		&fakeAgent{name: "source", outputs: []string{"frame"}},
		&fakeAgent{name: "sink", inputs: []string{"frame"}},
	)
	def := &workflow.Definition{
		ID:      "fanout",
		Name:    "Fanout",
		Version: 1,
		Agents: []workflow.AgentSpec{
			{ID: "start", Kind: "source"},
			{ID: "a", Kind: "sink"},
			{ID: "b", Kind: "sink"},
		},
		Connections: []workflow.Connection{
			{From: "start", To: "a"},
			{From: "start", To: "b"},
		},
		EntryPoints: []string{"start"},
	}
	_, err := Compile(def, reg)
	assert.Contains(t, codes(t, err), "ambiguous-branch")

	// The same shape is legal once the node declares parallel.
	def.Agents[0].Parallel = true
	_, err = Compile(def, reg)
	require.NoError(t, err)
}

func TestCompileParallelWriteConflict(t *testing.T) {
	reg := testRegistry(t,
		&fakeAgent{name: "source", outputs: []string{"frame"}},
		&fakeAgent{name: "writer", inputs: []string{"frame"}, outputs: []string{"verdict"}},
	)
	def := &workflow.Definition{
		ID:      "conflict",
		Name:    "Conflict",
		Version: 1,
		Agents: []workflow.AgentSpec{
			{ID: "start", Kind: "source", Parallel: true},
			{ID: "a", Kind: "writer"},
			{ID: "b", Kind: "writer"},
		},
		Connections: []workflow.Connection{
			{From: "start", To: "a"},
			{From: "start", To: "b"},
		},
		EntryPoints: []string{"start"},
	}
	_, err := Compile(def, reg)
	require.Error(t, err)
	var report *ValidationReport
	require.True(t, errors.As(err, &report))
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "parallel-write-conflict", report.Errors[0].Code)
	assert.Contains(t, report.Errors[0].Message, "verdict")
}

func TestTopoOrderBreaksTiesByDeclaration(t *testing.T) {
	reg := testRegistry(t,
		&fakeAgent{name: "source", outputs: []string{"frame"}},
		&fakeAgent{name: "w1", inputs: []string{"frame"}, outputs: []string{"x"}},
		&fakeAgent{name: "w2", inputs: []string{"frame"}, outputs: []string{"y"}},
		&fakeAgent{name: "join", inputs: []string{"x", "y"}},
	)
	def := &workflow.Definition{
		ID:      "diamond",
		Name:    "Diamond",
		Version: 1,
		Agents: []workflow.AgentSpec{
			{ID: "start", Kind: "source", Parallel: true},
			{ID: "second", Kind: "w1"},
			{ID: "first", Kind: "w2"},
			{ID: "end", Kind: "join"},
		},
		Connections: []workflow.Connection{
			{From: "start", To: "second"},
			{From: "start", To: "first"},
			{From: "second", To: "end"},
			{From: "first", To: "end"},
		},
		EntryPoints: []string{"start"},
	}
	g, err := Compile(def, reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "second", "first", "end"}, g.Order)
}

func TestFingerprint(t *testing.T) {
	g1, err := Compile(linearDef(), linearRegistry(t))
	require.NoError(t, err)
	g2, err := Compile(linearDef(), linearRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, g1.Fingerprint(), g2.Fingerprint())

	def := linearDef()
	def.Connections[1].Condition = "defects != null"
	g3, err := Compile(def, linearRegistry(t))
	require.NoError(t, err)
	assert.NotEqual(t, g1.Fingerprint(), g3.Fingerprint())
}
