package conditions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/internal/target"
	"github.com/rendis/stepflow/internal/target/targettest"
	"github.com/rendis/stepflow/pkg/schema"
)

func newEvaluator() *Evaluator {
	return NewEvaluator(nil, nil, nil)
}

func httpRecord(status int, body any) map[string]any {
	return map[string]any{"status": status, "headers": map[string]any{}, "body": body}
}

func TestEvaluate_StatusPassesAndFails(t *testing.T) {
	e := newEvaluator()
	rc := runctx.New()
	spec := &schema.ConditionSpec{Type: schema.ConditionStatus, ConnectionKey: "api", ExpectedStatus: schema.IntExpr(200)}

	rc.SetData("api", httpRecord(200, nil))
	res, err := e.Evaluate(context.Background(), spec, rc)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	rc.SetData("api", httpRecord(404, nil))
	res, err = e.Evaluate(context.Background(), spec, rc)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, 404, res.Actual)
	assert.Equal(t, 200, res.Expected)
}

func TestEvaluate_StatusMissingKey(t *testing.T) {
	rc := runctx.New()
	rc.SetData("other", httpRecord(200, nil))

	_, err := newEvaluator().Evaluate(context.Background(),
		&schema.ConditionSpec{Type: schema.ConditionStatus, ConnectionKey: "api", ExpectedStatus: "200"}, rc)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.Contains(t, err.Error(), "available: [other]")
}

func TestEvaluate_StatusInterpolatedExpectation(t *testing.T) {
	rc := runctx.New()
	rc.SetVariable("want", 201)
	rc.SetData("api", httpRecord(201, nil))

	res, err := newEvaluator().Evaluate(context.Background(),
		&schema.ConditionSpec{Type: schema.ConditionStatus, ConnectionKey: "api", ExpectedStatus: "${{variables.want}}"}, rc)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestEvaluate_JSONPath(t *testing.T) {
	rc := runctx.New()
	rc.SetData("api", httpRecord(200, map[string]any{
		"order": map[string]any{"state": "Shipped", "lines": []any{map[string]any{"sku": "A-1"}}},
	}))
	off := false

	tests := []struct {
		name string
		spec schema.ConditionSpec
		want bool
	}{
		{"equals", schema.ConditionSpec{Path: "order.state", Expected: "Shipped"}, true},
		{"case insensitive", schema.ConditionSpec{Path: "order.state", Expected: "shipped", CaseSensitive: &off}, true},
		{"case sensitive mismatch", schema.ConditionSpec{Path: "order.state", Expected: "shipped"}, false},
		{"contains", schema.ConditionSpec{Path: "order.state", Expected: "hip", MatchKind: schema.MatchContains}, true},
		{"array index", schema.ConditionSpec{Path: "order.lines[0].sku", Expected: "A-1"}, true},
		{"regex", schema.ConditionSpec{Path: "order.lines[0].sku", Expected: `^A-\d$`, MatchKind: schema.MatchRegex}, true},
		{"missing path", schema.ConditionSpec{Path: "order.total", Expected: "1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := tt.spec
			spec.Type = schema.ConditionJSONPath
			spec.ConnectionKey = "api"
			res, err := newEvaluator().Evaluate(context.Background(), &spec, rc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Passed, res.Message)
		})
	}
}

func TestEvaluate_JSONPathRawBody(t *testing.T) {
	rc := runctx.New()
	rc.SetData("api", httpRecord(200, `{"ok": true}`))

	res, err := newEvaluator().Evaluate(context.Background(),
		&schema.ConditionSpec{Type: schema.ConditionJSONPath, ConnectionKey: "api", Path: "ok", Expected: true}, rc)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestEvaluate_VariableOperators(t *testing.T) {
	rc := runctx.New()
	rc.SetVariable("count", 5)
	rc.SetVariable("name", "ada")
	rc.SetVariable("active", true)

	tests := []struct {
		name  string
		op    string
		vname string
		value any
		want  bool
	}{
		{"number equals", schema.OpEquals, "count", 5, true},
		{"string equals", schema.OpEquals, "name", "ada", true},
		{"bool equals", "", "active", true, true},
		{"bool differs", schema.OpEquals, "active", false, false},
		{"numeric text is not a number", schema.OpEquals, "count", "5", false},
		{"bool text is not a bool", schema.OpEquals, "active", "true", false},
		{"not equals across types", schema.OpNotEquals, "count", "5", true},
		{"greater", schema.OpGreaterThan, "count", 3, true},
		{"less", schema.OpLessThan, "count", 3, false},
		{"greater or equal", schema.OpGreaterOrEqual, "count", 5, true},
		{"less or equal", schema.OpLessOrEqual, "count", 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := &schema.ConditionSpec{Type: schema.ConditionVariable, Name: tt.vname, Operator: tt.op, Value: tt.value}
			res, err := newEvaluator().Evaluate(context.Background(), spec, rc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Passed)
		})
	}
}

func TestEvaluate_ExpressionLocalRuntime(t *testing.T) {
	rc := runctx.New()
	rc.SetVariable("attempts", 3)

	res, err := newEvaluator().Evaluate(context.Background(),
		&schema.ConditionSpec{Type: schema.ConditionExpression, Code: "variables.attempts >= 3"}, rc)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestEvaluate_ExpressionPageRuntime(t *testing.T) {
	rc := runctx.New()
	page := targettest.New("https://app.test")
	page.EvalFunc = func(code string) (any, error) {
		return code == "window.ready === true", nil
	}
	rc.SetTarget(page)

	res, err := newEvaluator().Evaluate(context.Background(),
		&schema.ConditionSpec{Type: schema.ConditionExpression, Code: "window.ready === true"}, rc)
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestEvaluate_UIElement(t *testing.T) {
	rc := runctx.New()
	page := targettest.New("https://app.test")
	page.SetElement("#banner", targettest.Element{State: target.ElementState{Visible: true}})
	page.SetElement("#spinner", targettest.Element{State: target.ElementState{Visible: false}})
	rc.SetTarget(page)

	cases := []struct {
		locator string
		check   string
		want    bool
	}{
		{"#banner", schema.CheckVisible, true},
		{"#banner", schema.CheckHidden, false},
		{"#spinner", schema.CheckHidden, true},
		{"#spinner", schema.CheckExists, true},
		{"#missing", schema.CheckExists, false},
		{"#missing", schema.CheckHidden, true},
	}
	for _, c := range cases {
		res, err := newEvaluator().Evaluate(context.Background(),
			&schema.ConditionSpec{Type: schema.ConditionUIElement, Locator: c.locator, Check: c.check}, rc)
		require.NoError(t, err)
		assert.Equal(t, c.want, res.Passed, "%s %s", c.locator, c.check)
	}
}

func TestEvaluate_UIElementWithTimeout(t *testing.T) {
	rc := runctx.New()
	page := targettest.New("https://app.test")
	rc.SetTarget(page)

	go func() {
		time.Sleep(30 * time.Millisecond)
		page.SetElement("#late", targettest.Element{State: target.ElementState{Visible: true}})
	}()

	res, err := newEvaluator().Evaluate(context.Background(),
		&schema.ConditionSpec{Type: schema.ConditionUIElement, Locator: "#late", Timeout: schema.IntExpr(1000)}, rc)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	res, err = newEvaluator().Evaluate(context.Background(),
		&schema.ConditionSpec{Type: schema.ConditionUIElement, Locator: "#never", Timeout: schema.IntExpr(40)}, rc)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Message, "40ms")
}

func TestEvaluate_UIElementWithoutTarget(t *testing.T) {
	_, err := newEvaluator().Evaluate(context.Background(),
		&schema.ConditionSpec{Type: schema.ConditionUIElement, Locator: "#x"}, runctx.New())
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestEvaluate_ConfigurationErrors(t *testing.T) {
	rc := runctx.New()
	specs := []*schema.ConditionSpec{
		nil,
		{},
		{Type: "weather"},
		{Type: schema.ConditionStatus, ExpectedStatus: "200"},
		{Type: schema.ConditionJSONPath, ConnectionKey: "api"},
		{Type: schema.ConditionExpression},
		{Type: schema.ConditionVariable},
		{Type: schema.ConditionUIElement},
	}
	for _, spec := range specs {
		_, err := newEvaluator().Evaluate(context.Background(), spec, rc)
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeCondition), "got %v", err)
		assert.True(t, schema.IsFatal(err))
	}
}

func TestEvaluate_UnknownOperatorIsConditionError(t *testing.T) {
	rc := runctx.New()
	rc.SetVariable("n", 1)
	_, err := newEvaluator().Evaluate(context.Background(),
		&schema.ConditionSpec{Type: schema.ConditionVariable, Name: "n", Operator: "roughly", Value: 1}, rc)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCondition))
}
