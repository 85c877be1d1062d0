package expressions

import (
	"context"
	"testing"

	"github.com/rendis/galaxy/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpr_Evaluate(t *testing.T) {
	e := NewExprEngine()
	data := decodeJSON(t, `{"text":"hello world","scores":[0.2,0.9,0.5],"meta":{"lang":"en"}}`)

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"top-level key", "text", "hello world"},
		{"via data", "data.meta.lang", "en"},
		{"string op", `upper(text)`, "HELLO WORLD"},
		{"filter count", "count(scores, # > 0.4)", 2},
		{"max", "max(scores)", 0.9},
		{"nil coalesce", `data.missing ?? "fallback"`, "fallback"},
		{"comparison", `meta.lang == "en" && len(scores) == 3`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestExpr_NonObjectData(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), "len(data)", decodeJSON(t, `[1,2,3]`))
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = e.Evaluate(context.Background(), "data", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestExpr_SameProgramDifferentShapes(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, "data.x", map[string]any{"x": "str"})
	require.NoError(t, err)
	assert.Equal(t, "str", out)

	out, err = e.Evaluate(ctx, "data.x", map[string]any{"x": 2.5})
	require.NoError(t, err)
	assert.Equal(t, 2.5, out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	requireCode(t, err, schema.ErrCodeValidation)

	_, err = e.Evaluate(ctx, "1 +", nil)
	requireCode(t, err, schema.ErrCodeValidation)

	_, err = e.Evaluate(ctx, `text / 2`, map[string]any{"text": "x"})
	requireCode(t, err, schema.ErrCodeExpression)
}
