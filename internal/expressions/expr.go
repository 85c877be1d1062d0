package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang programs. The data value is bound to the
// variable "data"; when data is an object its keys are also top-level
// variables, so both `data.items` and `items` work.
type ExprEngine struct {
	cache *programCache[*vm.Program]
}

// NewExprEngine creates an expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	prg, err := e.cache.get(expression, compileExpr)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, exprEnv(data))
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

// Programs are compiled without a typed environment so that one compiled
// program serves every data shape.
func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError("expr", expression, err)
	}
	return prg, nil
}

func exprEnv(data any) map[string]any {
	env := map[string]any{}
	if m, ok := data.(map[string]any); ok {
		for k, v := range m {
			env[k] = v
		}
	}
	env["data"] = data
	return env
}

var _ Engine = (*ExprEngine)(nil)
