package expressions

import "context"

// Engine evaluates an expression against a data object.
// CEL backs step conditions; Expr and GoJQ back the expr and jq tools.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
