package verify

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/match"
	"github.com/rendis/stepflow/internal/runctx"
	"github.com/rendis/stepflow/pkg/schema"
)

// Querier is what database verification needs from a connection handle.
type Querier interface {
	QueryRows(ctx context.Context, query string, params []any) ([]map[string]any, error)
}

func databaseStrategies(interp *expressions.Interpolator) map[string]Strategy {
	return map[string]Strategy{
		"row-count":    newStrategy(interp, verifyRowCount, "expected"),
		"column-value": newStrategy(interp, verifyColumnValue, "column", "expected"),
		"row-exists":   newStrategy(interp, verifyRowExists, "where"),
		"query-result": newStrategy(interp, verifyQueryResult, "expected"),
	}
}

// loadRows returns the rows to verify. With a "query" the named connection
// (cfg["connection"]) is queried live; otherwise the rows of the query
// result stored at data[cfg["connectionKey"]] are used.
func loadRows(ctx context.Context, rc *runctx.RunContext, cfg Config) ([]map[string]any, error) {
	if query := cfg.String("query"); query != "" {
		name := cfg.String("connection")
		conn, ok := rc.Connection(name)
		if !ok {
			return nil, schema.NotFoundError("connection", name, rc.ConnectionKeys())
		}
		q, ok := conn.(Querier)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "connection %q cannot run queries (%T)", name, conn)
		}
		params, _ := cfg["params"].([]any)
		rows, err := q.QueryRows(ctx, query, params)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeOperation, "verification query failed: %s", err.Error()).WithCause(err)
		}
		return rows, nil
	}

	key := cfg.String("connectionKey")
	if key == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, `database verification needs "connectionKey" or "query"`)
	}
	v, err := rc.RequireData(key)
	if err != nil {
		return nil, err
	}
	rec, ok := v.(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeOperation, "data %q is not a query result (%T)", key, v)
	}
	return toRows(rec["rows"])
}

func toRows(v any) ([]map[string]any, error) {
	switch rows := v.(type) {
	case nil:
		return nil, nil
	case []map[string]any:
		return rows, nil
	case []any:
		out := make([]map[string]any, 0, len(rows))
		for i, r := range rows {
			m, ok := r.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeOperation, "row %d is not an object (%T)", i, r)
			}
			out = append(out, m)
		}
		return out, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeOperation, "rows have unexpected type %T", v)
}

func verifyRowCount(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	rows, err := loadRows(ctx, rc, cfg)
	if err != nil {
		return nil, err
	}
	op := cfg.String("operator")
	if op == "" {
		op = schema.OpEquals
	}
	passed, err := match.Compare(len(rows), cfg["expected"], op)
	if err != nil {
		return nil, err
	}
	return &Result{
		Passed:        passed,
		Message:       fmt.Sprintf("row count %d %s %s: %t", len(rows), op, match.Stringify(cfg["expected"]), passed),
		ActualValue:   len(rows),
		ExpectedValue: cfg["expected"],
	}, nil
}

func verifyColumnValue(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	rows, err := loadRows(ctx, rc, cfg)
	if err != nil {
		return nil, err
	}
	idx := cfg.Int("row", 0)
	column := cfg.String("column")
	if idx < 0 || idx >= len(rows) {
		return &Result{
			Passed:        false,
			Message:       fmt.Sprintf("row %d out of range (%d rows)", idx, len(rows)),
			ExpectedValue: cfg["expected"],
		}, nil
	}
	val, ok := rows[idx][column]
	if !ok {
		return nil, schema.NotFoundError("column", column, columnNames(rows[idx]))
	}
	return compareResult(fmt.Sprintf("column %s row %d", column, idx), val, cfg)
}

func verifyRowExists(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	rows, err := loadRows(ctx, rc, cfg)
	if err != nil {
		return nil, err
	}
	where, ok := cfg["where"].(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeConfig, `"where" must be an object of column values`)
	}
	want := cfg.Bool("expected", true)

	found := false
	for _, row := range rows {
		if rowMatches(row, where) {
			found = true
			break
		}
	}
	return &Result{
		Passed:        found == want,
		Message:       fmt.Sprintf("row matching %s exists: %t", match.Stringify(where), found),
		ActualValue:   found,
		ExpectedValue: want,
	}, nil
}

func verifyQueryResult(ctx context.Context, rc *runctx.RunContext, cfg Config) (*Result, error) {
	rows, err := loadRows(ctx, rc, cfg)
	if err != nil {
		return nil, err
	}
	expected, err := toRows(cfg["expected"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, `"expected" must be a list of rows: %s`, err.Error())
	}

	var passed bool
	if cfg.Bool("ordered", true) {
		passed = len(rows) == len(expected)
		for i := 0; passed && i < len(rows); i++ {
			passed = rowMatches(rows[i], expected[i]) && len(rows[i]) == len(expected[i])
		}
	} else {
		passed = sameRowsUnordered(rows, expected)
	}
	return &Result{
		Passed:        passed,
		Message:       describe("query result", rows, expected, passed),
		ActualValue:   rows,
		ExpectedValue: expected,
	}, nil
}

func rowMatches(row, where map[string]any) bool {
	for col, want := range where {
		got, ok := row[col]
		if !ok || !match.Equal(got, want) {
			return false
		}
	}
	return true
}

func sameRowsUnordered(rows, expected []map[string]any) bool {
	if len(rows) != len(expected) {
		return false
	}
	used := make([]bool, len(rows))
	for _, want := range expected {
		hit := false
		for i, row := range rows {
			if !used[i] && reflect.DeepEqual(match.Normalize(row), match.Normalize(want)) {
				used[i] = true
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

func columnNames(row map[string]any) []string {
	names := make([]string, 0, len(row))
	for k := range row {
		names = append(names, k)
	}
	return names
}
