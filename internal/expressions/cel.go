package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
)

// CELEngine evaluates CEL expressions with a single dynamic variable "data".
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(cel.Variable("data", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("cel")
	}
	prg, err := e.cache.get(expression, e.compile)
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = map[string]any{}
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{"data": data})
	if err != nil {
		return nil, evalError("cel", expression, err)
	}
	return celNative(out)
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("cel", expression, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError("cel", expression, err)
	}
	return prg, nil
}

// celNative converts a CEL value into plain Go values that encoding/json can
// marshal. Lists and maps come back from CEL as ref.Val wrappers.
func celNative(v ref.Val) (any, error) {
	switch val := v.Value().(type) {
	case []ref.Val:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := celNative(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[ref.Val]ref.Val:
		out := make(map[string]any, len(val))
		for k, item := range val {
			n, err := celNative(item)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k.Value())] = n
		}
		return out, nil
	default:
		return val, nil
	}
}

var _ Engine = (*CELEngine)(nil)
