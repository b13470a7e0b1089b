package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"unterminated string", "'abc"},
		{"dangling operator", "1 +"},
		{"missing paren", "(1 + 2"},
		{"unknown character", "a ^ b"},
		{"empty path segment", "a..b"},
		{"trailing token", "1 2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.src)
			require.Error(t, err)
		})
	}
}

func TestEval(t *testing.T) {
	state := map[string]any{
		"score":  7.5,
		"count":  3,
		"label":  "pass",
		"ready":  true,
		"empty":  "",
		"nested": map[string]any{"depth": 2},
	}
	cases := []struct {
		src  string
		want bool
	}{
		{"score > 5", true},
		{"score >= 7.5", true},
		{"count < 2", false},
		{"count * 2 + 1 == 7", true},
		{"score - 0.5 == count + 4", true},
		{"label == 'pass'", true},
		{"label != 'fail'", true},
		{"'abc' < 'abd'", true},
		{"label + '!' == 'pass!'", true},
		{"ready && score > 5", true},
		{"!ready || count == 3", true},
		{"empty", false},
		{"empty == ''", true},
		{"nested.depth == 2", true},
		{"nested.missing == null", true},
		{"missing == null", true},
		{"missing", false},
		{"missing == 0", false},
		{"state.score > 5", true},
		{"-count == -3", true},
		{"10 % count == 1", true},
		{"(score > 10 || ready) && count != 0", true},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			e, err := Parse(tc.src)
			require.NoError(t, err)
			got, err := e.Eval(state)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalCompositeEquality(t *testing.T) {
	state := map[string]any{
		"left":   map[string]any{"grade": "A", "scores": []any{"1", "2"}},
		"same":   map[string]any{"grade": "A", "scores": []any{"1", "2"}},
		"other":  map[string]any{"grade": "B"},
		"items":  []any{"x", "y"},
		"items2": []any{"x", "y"},
		"label":  "A",
	}
	cases := []struct {
		src  string
		want bool
	}{
		{"left == same", true},
		{"left != same", false},
		{"left == other", false},
		{"left != other", true},
		{"items == items2", true},
		{"items != items2", false},
		{"left == label", false},
		{"label != left", true},
		{"left == null", false},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			e, err := Parse(tc.src)
			require.NoError(t, err)
			got, err := e.Eval(state)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalErrors(t *testing.T) {
	state := map[string]any{"count": 3, "label": "x"}
	cases := []string{
		"1 / 0",
		"1 % 0",
		"count / (count - 3)",
		"-label",
		"label * 2",
		"count > label",
	}
	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			e, err := Parse(src)
			require.NoError(t, err)
			_, err = e.Eval(state)
			require.Error(t, err)
		})
	}
}

func TestEvalValue(t *testing.T) {
	e, err := Parse("count * 2 + 0.5")
	require.NoError(t, err)
	v, err := e.EvalValue(map[string]any{"count": 4})
	require.NoError(t, err)
	assert.Equal(t, 8.5, v)

	e, err = Parse("prefix + suffix")
	require.NoError(t, err)
	v, err = e.EvalValue(map[string]any{"prefix": "in", "suffix": "spect"})
	require.NoError(t, err)
	assert.Equal(t, "inspect", v)

	e, err = Parse("missing")
	require.NoError(t, err)
	v, err = e.EvalValue(map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestFields(t *testing.T) {
	e, err := Parse("score > threshold && score < limit || state.flag")
	require.NoError(t, err)
	assert.Equal(t, []string{"score", "threshold", "limit", "flag"}, e.Fields())

	e, err = Parse("nested.depth > 1")
	require.NoError(t, err)
	assert.Equal(t, []string{"nested"}, e.Fields())

	e, err = Parse("1 + 2 == 3")
	require.NoError(t, err)
	assert.Empty(t, e.Fields())
}

func TestStringRoundTrip(t *testing.T) {
	src := "score > 5 && label == 'ok'"
	e, err := Parse(src)
	require.NoError(t, err)
	assert.Equal(t, src, e.String())
	again, err := Parse(e.String())
	require.NoError(t, err)
	got, err := again.Eval(map[string]any{"score": 6, "label": "ok"})
	require.NoError(t, err)
	assert.True(t, got)
}
