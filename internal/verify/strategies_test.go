package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/internal/target"
	"github.com/rendis/stepflow/internal/target/targettest"
	"github.com/rendis/stepflow/pkg/schema"
)

func builtins(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, nil))
	return r
}

func browserRun() (*runctx.RunContext, *targettest.Page) {
	rc := runctx.New()
	page := targettest.New("https://shop.test/checkout/done")
	page.SetElement("#title", targettest.Element{
		State:      target.ElementState{Visible: true, Enabled: true},
		Text:       "Order Confirmed",
		Attributes: map[string]string{"data-state": "ok"},
		Styles:     map[string]string{"color": "rgb(0, 128, 0)"},
	})
	page.SetElement("#email", targettest.Element{
		State: target.ElementState{Visible: true, Enabled: true, Editable: true},
		Value: "ada@example.test",
	})
	page.SetElement("#terms", targettest.Element{State: target.ElementState{Visible: true, Checked: true}})
	page.SetCookie(target.Cookie{Name: "session", Value: "abc123"})
	page.SetStorage("local", "cart", `{"items":0}`)
	rc.SetTarget(page)
	return rc, page
}

func TestBrowserStrategies(t *testing.T) {
	r := builtins(t)
	rc, _ := browserRun()
	rc.SetVariable("orderTitle", "Order Confirmed")

	tests := []struct {
		typ  string
		cfg  Config
		want bool
	}{
		{"url", Config{"expected": "/checkout/done", "matchKind": "endsWith"}, true},
		{"url", Config{"expected": "https://shop.test/cart"}, false},
		{"text", Config{"locator": "#title", "expected": "${{variables.orderTitle}}"}, true},
		{"text", Config{"locator": "#title", "expected": "confirmed", "matchKind": "contains", "caseSensitive": false}, true},
		{"element-state", Config{"locator": "#title", "state": "visible"}, true},
		{"element-state", Config{"locator": "#terms", "state": "checked"}, true},
		{"element-state", Config{"locator": "#terms", "state": "enabled"}, false},
		{"element-state", Config{"locator": "#ghost", "state": "hidden"}, true},
		{"attribute", Config{"locator": "#title", "attribute": "data-state", "expected": "ok"}, true},
		{"attribute", Config{"locator": "#title", "attribute": "data-state"}, true},
		{"attribute", Config{"locator": "#title", "attribute": "aria-busy"}, false},
		{"form-field", Config{"locator": "#email", "expected": `^\w+@example\.test$`, "matchKind": "regex"}, true},
		{"cookie", Config{"name": "session"}, true},
		{"cookie", Config{"name": "session", "expected": "xyz"}, false},
		{"cookie", Config{"name": "tracking"}, false},
		{"storage", Config{"key": "cart", "expected": `{"items":0}`}, true},
		{"storage", Config{"key": "cart", "area": "session"}, false},
		{"computed-style", Config{"locator": "#title", "property": "color", "expected": "rgb(0, 128, 0)"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			res, err := r.Verify(context.Background(), rc, DomainBrowser, tt.typ, tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Passed, res.Message)
		})
	}
}

func TestBrowserStrategies_NoTarget(t *testing.T) {
	_, err := builtins(t).Verify(context.Background(), runctx.New(), DomainBrowser, "url", Config{"expected": "x"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestBrowserStrategies_UnknownState(t *testing.T) {
	rc, _ := browserRun()
	_, err := builtins(t).Verify(context.Background(), rc, DomainBrowser, "element-state",
		Config{"locator": "#title", "state": "sparkly"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfig))
}

func apiRun() *runctx.RunContext {
	rc := runctx.New()
	rc.SetData("orders", map[string]any{
		"status":  201,
		"headers": map[string]any{"Content-Type": "application/json", "X-Request-Id": []any{"r-1", "r-2"}},
		"body":    map[string]any{"id": 42.0, "state": "created", "lines": []any{map[string]any{"sku": "A-1"}}},
	})
	rc.SetData("health", map[string]any{"status": 200, "headers": map[string]string{}, "body": "service OK"})
	return rc
}

func TestAPIStrategies(t *testing.T) {
	r := builtins(t)
	rc := apiRun()

	tests := []struct {
		name string
		typ  string
		cfg  Config
		want bool
	}{
		{"status equals", "status", Config{"connectionKey": "orders", "expected": 201}, true},
		{"status string", "status", Config{"connectionKey": "orders", "expected": "201"}, true},
		{"status range", "status", Config{"connectionKey": "orders", "expected": 300, "operator": "lessThan"}, true},
		{"status mismatch", "status", Config{"connectionKey": "orders", "expected": 200}, false},
		{"header case-insensitive", "header", Config{"connectionKey": "orders", "header": "content-type", "expected": "application/json"}, true},
		{"header list", "header", Config{"connectionKey": "orders", "header": "x-request-id", "expected": "r-2", "matchKind": "contains"}, true},
		{"header missing", "header", Config{"connectionKey": "orders", "header": "etag"}, false},
		{"body path number", "body-path", Config{"connectionKey": "orders", "path": "id", "expected": 42}, true},
		{"body path index", "body-path", Config{"connectionKey": "orders", "path": "lines[0].sku", "expected": "A-1"}, true},
		{"body path exists", "body-path", Config{"connectionKey": "orders", "path": "state"}, true},
		{"body path missing", "body-path", Config{"connectionKey": "orders", "path": "total"}, false},
		{"body value contains", "body-value", Config{"connectionKey": "health", "expected": "OK"}, true},
		{"body value equals", "body-value", Config{"connectionKey": "health", "expected": "service OK", "matchKind": "equals"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Verify(context.Background(), rc, DomainAPI, tt.typ, tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Passed, res.Message)
		})
	}
}

func TestAPIStrategies_MissingConnectionKey(t *testing.T) {
	_, err := builtins(t).Verify(context.Background(), apiRun(), DomainAPI, "status",
		Config{"connectionKey": "payments", "expected": 200})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.Contains(t, err.Error(), "available: [health, orders]")
}

func TestResolveValue(t *testing.T) {
	rc := runctx.New()
	rc.SetData("want", 200)
	rc.SetData("api", map[string]any{"status": 200, "body": map[string]any{"id": "o-1"}})
	rc.SetVariable("env", "staging")

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nested path keeps type", "${{data.api.status}}", 200},
		{"nested path in text", "id=${{data.api.body.id}}", "id=o-1"},
		{"data reference", "${data.want}", 200},
		{"variables reference", "${variables.env}", "staging"},
		{"domain record reference", "${api.body.id}", "o-1"},
		{"unknown domain stays literal", "${payments.status}", "${payments.status}"},
		{"plain literal", "200", "200"},
		{"non-string literal", 7, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveValue(nil, tt.in, rc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveValue_MissingDataKey(t *testing.T) {
	rc := runctx.New()
	rc.SetData("api", map[string]any{"status": 200})

	_, err := ResolveValue(nil, "${data.want}", rc)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInterpolation))
	assert.Contains(t, err.Error(), "api")
}

func TestAPIStrategies_ReferenceExpected(t *testing.T) {
	r := builtins(t)
	rc := runctx.New()
	rc.SetData("want", 200)
	rc.SetData("api", map[string]any{"status": 200})

	for _, expected := range []string{"${data.want}", "${{data.want}}", "${api.status}"} {
		res, err := r.Verify(context.Background(), rc, DomainAPI, "status",
			Config{"connectionKey": "api", "expected": expected})
		require.NoError(t, err, expected)
		assert.True(t, res.Passed, res.Message)
		assert.Equal(t, 200, res.ExpectedValue, expected)
	}
}

type stubQuerier struct {
	rows  []map[string]any
	err   error
	query string
}

func (q *stubQuerier) QueryRows(_ context.Context, query string, _ []any) ([]map[string]any, error) {
	q.query = query
	return q.rows, q.err
}

func dbRun() *runctx.RunContext {
	rc := runctx.New()
	rc.SetData("users", map[string]any{
		"rows": []map[string]any{
			{"id": int64(1), "email": "ada@example.test", "active": true},
			{"id": int64(2), "email": "grace@example.test", "active": false},
		},
		"rowCount": 2,
	})
	return rc
}

func TestDatabaseStrategies(t *testing.T) {
	r := builtins(t)
	rc := dbRun()

	tests := []struct {
		name string
		typ  string
		cfg  Config
		want bool
	}{
		{"row count", "row-count", Config{"connectionKey": "users", "expected": 2}, true},
		{"row count operator", "row-count", Config{"connectionKey": "users", "expected": 1, "operator": "greaterThan"}, true},
		{"column value", "column-value", Config{"connectionKey": "users", "column": "email", "row": 1, "expected": "grace@example.test"}, true},
		{"column numeric", "column-value", Config{"connectionKey": "users", "column": "id", "expected": 1}, true},
		{"column row out of range", "column-value", Config{"connectionKey": "users", "column": "id", "row": 5, "expected": 1}, false},
		{"row exists", "row-exists", Config{"connectionKey": "users", "where": map[string]any{"email": "ada@example.test", "active": true}}, true},
		{"row absent", "row-exists", Config{"connectionKey": "users", "where": map[string]any{"email": "eve@example.test"}}, false},
		{"row expected absent", "row-exists", Config{"connectionKey": "users", "where": map[string]any{"email": "eve@example.test"}, "expected": false}, true},
		{"query result ordered", "query-result", Config{"connectionKey": "users", "expected": []any{
			map[string]any{"id": 1, "email": "ada@example.test", "active": true},
			map[string]any{"id": 2, "email": "grace@example.test", "active": false},
		}}, true},
		{"query result unordered", "query-result", Config{"connectionKey": "users", "ordered": false, "expected": []any{
			map[string]any{"id": 2, "email": "grace@example.test", "active": false},
			map[string]any{"id": 1, "email": "ada@example.test", "active": true},
		}}, true},
		{"query result wrong order", "query-result", Config{"connectionKey": "users", "expected": []any{
			map[string]any{"id": 2, "email": "grace@example.test", "active": false},
			map[string]any{"id": 1, "email": "ada@example.test", "active": true},
		}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Verify(context.Background(), rc, DomainDatabase, tt.typ, tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Passed, res.Message)
		})
	}
}

func TestDatabaseStrategies_LiveQuery(t *testing.T) {
	rc := runctx.New()
	q := &stubQuerier{rows: []map[string]any{{"n": int64(3)}}}
	rc.SetConnection("primary", q)

	res, err := builtins(t).Verify(context.Background(), rc, DomainDatabase, "column-value", Config{
		"connection": "primary",
		"query":      "SELECT count(*) AS n FROM orders",
		"column":     "n",
		"expected":   3,
	})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, "SELECT count(*) AS n FROM orders", q.query)
}

func TestDatabaseStrategies_LiveQueryErrors(t *testing.T) {
	r := builtins(t)
	rc := runctx.New()

	_, err := r.Verify(context.Background(), rc, DomainDatabase, "row-count",
		Config{"connection": "missing", "query": "SELECT 1", "expected": 1})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	rc.SetConnection("broken", &stubQuerier{err: errors.New("conn reset")})
	_, err = r.Verify(context.Background(), rc, DomainDatabase, "row-count",
		Config{"connection": "broken", "query": "SELECT 1", "expected": 1})
	assert.True(t, schema.HasCode(err, schema.ErrCodeOperation))

	rc.SetConnection("not-sql", "just a string")
	_, err = r.Verify(context.Background(), rc, DomainDatabase, "row-count",
		Config{"connection": "not-sql", "query": "SELECT 1", "expected": 1})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfig))
}

func TestDatabaseStrategies_MissingColumn(t *testing.T) {
	_, err := builtins(t).Verify(context.Background(), dbRun(), DomainDatabase, "column-value",
		Config{"connectionKey": "users", "column": "phone", "expected": "x"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.Contains(t, err.Error(), "available: [active, email, id]")
}
