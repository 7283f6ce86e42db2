package match

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestEqual_Primitives(t *testing.T) {
	tests := []struct {
		name     string
		actual   any
		expected any
		want     bool
	}{
		{"same string", "ok", "ok", true},
		{"different string", "ok", "OK", false},
		{"int vs float", 3, 3.0, true},
		{"int64 vs json number", int64(7), json.Number("7"), true},
		{"bool", true, true, true},
		{"bool mismatch", true, false, false},
		{"numeric string vs number", "200", 200, true},
		{"bool string vs bool", "true", true, true},
		{"nil vs nil", nil, nil, true},
		{"nested map", map[string]any{"n": 1}, map[string]any{"n": 1.0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.actual, tt.expected))
		})
	}
}

func TestStrictEqual(t *testing.T) {
	assert.True(t, StrictEqual(3, 3.0))
	assert.True(t, StrictEqual(int64(7), json.Number("7")))
	assert.True(t, StrictEqual(map[string]any{"n": 1}, map[string]any{"n": 1.0}))
	assert.False(t, StrictEqual("200", 200))
	assert.False(t, StrictEqual(200, "200"))
	assert.False(t, StrictEqual("true", true))
}

func TestCompare_Operators(t *testing.T) {
	tests := []struct {
		op       string
		actual   any
		expected any
		want     bool
	}{
		{schema.OpEquals, 5, 5, true},
		{schema.OpNotEquals, 5, 6, true},
		{schema.OpGreaterThan, 6, 5, true},
		{schema.OpGreaterThan, 5, 5, false},
		{schema.OpLessThan, "3", 10, true},
		{schema.OpGreaterOrEqual, 5.0, 5, true},
		{schema.OpLessOrEqual, 4, 5, true},
		{schema.OpLessThan, "apple", "banana", true},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			got, err := Compare(tt.actual, tt.expected, tt.op)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompare_UnknownOperator(t *testing.T) {
	_, err := Compare(1, 1, "approximately")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfig))
}

func TestCompare_IncomparableValues(t *testing.T) {
	_, err := Compare(map[string]any{}, 1, schema.OpGreaterThan)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCondition))
}

func TestString_Kinds(t *testing.T) {
	tests := []struct {
		kind          string
		actual        string
		expected      string
		caseSensitive bool
		want          bool
	}{
		{schema.MatchEquals, "Done", "Done", true, true},
		{schema.MatchEquals, "Done", "done", true, false},
		{schema.MatchEquals, "Done", "done", false, true},
		{schema.MatchContains, "order shipped", "shipped", true, true},
		{schema.MatchStartsWith, "Bearer abc", "bearer", false, true},
		{schema.MatchEndsWith, "report.pdf", ".PDF", true, false},
		{schema.MatchRegex, "id-0042", `^id-\d+$`, true, true},
		{schema.MatchRegex, "ID-0042", `^id-\d+$`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind+"/"+tt.expected, func(t *testing.T) {
			got, err := String(tt.actual, tt.expected, tt.kind, tt.caseSensitive)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestString_InvalidRegex(t *testing.T) {
	_, err := String("x", "(", schema.MatchRegex, true)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfig))
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy([]any{}))
	assert.True(t, Truthy(true))
	assert.True(t, Truthy(1))
	assert.True(t, Truthy("yes"))
	assert.True(t, Truthy(map[string]any{"a": 1}))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, "200", Stringify(200.0))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": 1}))
	assert.Equal(t, "", Stringify(nil))
}
