package expressions

import "context"

// Engine evaluates expressions against run state.
// Three implementations: Expr (local conditions and waits), CEL (switch
// cases), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Source is the run state an expression may read.
type Source interface {
	GetAllData() map[string]any
	GetAllVariables() map[string]any
}

// Env builds the evaluation environment shared by every engine: the data
// and variables maps under their own names.
func Env(src Source) map[string]any {
	if src == nil {
		return map[string]any{"data": map[string]any{}, "variables": map[string]any{}}
	}
	return map[string]any{
		"data":      src.GetAllData(),
		"variables": src.GetAllVariables(),
	}
}
