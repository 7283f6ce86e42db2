package expressions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

type stubSource struct {
	data map[string]any
	vars map[string]any
}

func (s stubSource) GetAllData() map[string]any      { return s.data }
func (s stubSource) GetAllVariables() map[string]any { return s.vars }

func testSource() stubSource {
	return stubSource{
		data: map[string]any{
			"api": map[string]any{
				"status": 200,
				"body": map[string]any{
					"items": []any{
						map[string]any{"id": "a1", "qty": 2},
						map[string]any{"id": "b2", "qty": 5},
					},
				},
			},
			"login.selectedHandle": "ok",
			"rows":                 []map[string]any{{"email": "ada@example.test"}},
		},
		vars: map[string]any{
			"user":    "ada",
			"retries": 3,
			"enabled": true,
		},
	}
}

func TestInterpolator_StringEmbedsValues(t *testing.T) {
	interp := NewInterpolator()

	out, err := interp.String("user=${{variables.user}} status=${{ data.api.status }}", testSource())
	require.NoError(t, err)
	assert.Equal(t, "user=ada status=200", out)
}

func TestInterpolator_StringWithoutTokens(t *testing.T) {
	out, err := NewInterpolator().String("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestInterpolator_ValueKeepsType(t *testing.T) {
	interp := NewInterpolator()

	v, err := interp.Value("${{variables.retries}}", testSource())
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = interp.Value("${{data.api.body.items}}", testSource())
	require.NoError(t, err)
	assert.Len(t, v, 2)
}

func TestInterpolator_ArrayIndexes(t *testing.T) {
	interp := NewInterpolator()

	v, err := interp.Value("${{data.api.body.items[1].id}}", testSource())
	require.NoError(t, err)
	assert.Equal(t, "b2", v)

	v, err = interp.Value("${{data.api.body.items.0.qty}}", testSource())
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v, err = interp.Value("${{data.rows[0].email}}", testSource())
	require.NoError(t, err)
	assert.Equal(t, "ada@example.test", v)
}

func TestInterpolator_DottedTopLevelKey(t *testing.T) {
	v, err := NewInterpolator().Value("${{data.login.selectedHandle}}", testSource())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestInterpolator_MissingFieldListsAvailable(t *testing.T) {
	_, err := NewInterpolator().Value("${{data.api.headers}}", testSource())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInterpolation))
	assert.Contains(t, err.Error(), "available: [body, status]")
}

func TestInterpolator_UnknownNamespace(t *testing.T) {
	_, err := NewInterpolator().String("${{secrets.token}}", testSource())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown namespace")
}

func TestInterpolator_Malformed(t *testing.T) {
	interp := NewInterpolator()

	_, err := interp.String("${{data.api", testSource())
	assert.ErrorContains(t, err, "unclosed")

	_, err = interp.String("${{ }}", testSource())
	assert.ErrorContains(t, err, "empty variable reference")

	_, err = interp.String("${{data.${{x}}}}", testSource())
	assert.ErrorContains(t, err, "nested interpolation")
}

func TestInterpolator_ResolveJSON(t *testing.T) {
	raw := json.RawMessage(`{
		"url": "https://api.test/users/${{variables.user}}",
		"count": "${{variables.retries}}",
		"flags": ["${{variables.enabled}}", "static"],
		"quoted": "say \"${{variables.user}}\""
	}`)

	out, err := NewInterpolator().ResolveJSON(raw, testSource())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"url": "https://api.test/users/ada",
		"count": 3,
		"flags": [true, "static"],
		"quoted": "say \"ada\""
	}`, string(out))
}

func TestInterpolator_ResolveJSONNoTokens(t *testing.T) {
	raw := json.RawMessage(`{"a": 1}`)
	out, err := NewInterpolator().ResolveJSON(raw, testSource())
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestInterpolator_IntAndText(t *testing.T) {
	interp := NewInterpolator()
	src := testSource()

	n, err := interp.Int("${{variables.retries}}", src, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = interp.Int("", src, 30000)
	require.NoError(t, err)
	assert.Equal(t, 30000, n)

	n, err = interp.Int(schema.IntExpr(250), src, 0)
	require.NoError(t, err)
	assert.Equal(t, 250, n)

	_, err = interp.Int("${{variables.user}}", src, 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfig))

	s, err := interp.Text("", src, schema.DelayFixed)
	require.NoError(t, err)
	assert.Equal(t, schema.DelayFixed, s)

	s, err = interp.Text("${{variables.user}}", src, "")
	require.NoError(t, err)
	assert.Equal(t, "ada", s)
}

func TestSplitPath(t *testing.T) {
	segs, err := splitPath("a.b[0][1].c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "0", "1", "c"}, segs)

	_, err = splitPath("a..b")
	assert.Error(t, err)

	_, err = splitPath("a[0")
	assert.Error(t, err)
}
