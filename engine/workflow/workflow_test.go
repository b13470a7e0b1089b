package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDef() *Definition {
	return &Definition{
		ID:      "surface-check",
		Name:    "Surface Check",
		Version: 1,
		Agents: []AgentSpec{
			{ID: "capture", Kind: "camera"},
			{ID: "grade", Kind: "classifier"},
		},
		Connections: []Connection{
			{From: "capture", To: "grade"},
		},
		EntryPoints: []string{"capture"},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		require.NoError(t, validDef().Validate())
	})

	cases := []struct {
		name    string
		mutate  func(*Definition)
		wantErr string
	}{
		{"missing id", func(d *Definition) { d.ID = "" }, "id is required"},
		{"missing name", func(d *Definition) { d.Name = "" }, "name is required"},
		{"no agents", func(d *Definition) { d.Agents = nil }, "declares no agents"},
		{"empty agent id", func(d *Definition) { d.Agents[0].ID = "" }, "empty id"},
		{"duplicate agent id", func(d *Definition) { d.Agents[1].ID = "capture" }, "duplicate agent id"},
		{"unknown from", func(d *Definition) { d.Connections[0].From = "ghost" }, "unknown agent"},
		{"unknown to", func(d *Definition) { d.Connections[0].To = "ghost" }, "unknown agent"},
		{"bad onError", func(d *Definition) { d.Connections[0].OnError = "retry" }, "invalid onError"},
		{"no entry points", func(d *Definition) { d.EntryPoints = nil }, "no entry points"},
		{"undeclared entry", func(d *Definition) { d.EntryPoints = []string{"ghost"} }, "not a declared agent"},
		{"entry with inbound", func(d *Definition) { d.EntryPoints = []string{"grade"} }, "inbound connections"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDef()
			tc.mutate(d)
			err := d.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestAccessors(t *testing.T) {
	d := validDef()
	d.Connections = append(d.Connections, Connection{From: "capture", To: "grade", Condition: "retake"})

	spec, ok := d.Agent("grade")
	require.True(t, ok)
	assert.Equal(t, "classifier", spec.Kind)
	_, ok = d.Agent("ghost")
	assert.False(t, ok)

	out := d.Outbound("capture")
	require.Len(t, out, 2)
	assert.Equal(t, "", out[0].Condition)
	assert.Equal(t, "retake", out[1].Condition)

	in := d.Inbound("grade")
	assert.Len(t, in, 2)
	assert.Empty(t, d.Inbound("capture"))
}

const seedYAML = `id: surface-check
name: Surface Check
tenantId: acme
agents:
  - id: capture
    kind: camera
    config:
      resolution: high
  - id: grade
    kind: classifier
connections:
  - from: capture
    to: grade
entryPoints:
  - capture
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "surface.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	def, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "surface-check", def.ID)
	assert.Equal(t, "acme", def.TenantID)
	assert.Equal(t, 1, def.Version)
	assert.Equal(t, StatusActive, def.Status)
	require.Len(t, def.Agents, 2)
	assert.Equal(t, "high", def.Agents[0].Config["resolution"])
}

func TestLoadFileInvalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("id: [not a scalar\n"), 0o600))
	_, err := LoadFile(bad)
	require.Error(t, err)

	incomplete := filepath.Join(dir, "incomplete.yaml")
	require.NoError(t, os.WriteFile(incomplete, []byte("id: x\nname: X\n"), 0o600))
	_, err = LoadFile(incomplete)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares no agents")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	second := []byte("id: zeta\nname: Zeta\nagents:\n  - id: a\n    kind: camera\nentryPoints:\n  - a\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20-zeta.yml"), second, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-surface.yaml"), []byte(seedYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o700))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "surface-check", defs[0].ID)
	assert.Equal(t, "zeta", defs[1].ID)
}

func TestLoadDirMissing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
