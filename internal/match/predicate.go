package match

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// EvalPredicate evaluates a path-based criteria expression with two bound
// variables: `previous` and `current`, the resource state before and after
// the change. The expression must produce a boolean.
func EvalPredicate(expression string, previous, current map[string]any) (bool, error) {
	env := map[string]any{
		"previous": orEmpty(previous),
		"current":  orEmpty(current),
	}
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile criteria expression: %w", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate criteria expression: %w", err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("criteria expression produced %T, want bool", out)
	}
	return result, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
