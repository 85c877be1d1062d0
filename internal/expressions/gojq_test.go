package expressions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rendis/galaxy/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeJSON(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, schema.CodeOf(err))
}

func TestGoJQ_Select(t *testing.T) {
	e := NewGoJQEngine()
	data := decodeJSON(t, `{"text":"a cat","meta":{"tokens":12}}`)

	tests := []struct {
		expr string
		want any
	}{
		{".text", "a cat"},
		{".meta.tokens", 12.0},
		{".missing", nil},
		{".text | ascii_upcase", "A CAT"},
		{"{caption: .text}", map[string]any{"caption": "a cat"}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	data := decodeJSON(t, `{"images":[{"mimeType":"image/png"},{"mimeType":"image/jpeg"}]}`)

	out, err := e.Evaluate(context.Background(), ".images[].mimeType", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"image/png", "image/jpeg"}, out)

	all, err := e.EvaluateAll(context.Background(), ".images[0].mimeType", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"image/png"}, all)

	none, err := e.Evaluate(context.Background(), "empty", data)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestGoJQ_ArrayInput(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), "map(. * 2) | add", decodeJSON(t, `[1,2,3]`))
	require.NoError(t, err)
	assert.Equal(t, 12.0, out)
}

func TestGoJQ_NormalizesGoNumbers(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".n + 1", map[string]any{"n": int64(41)})
	require.NoError(t, err)
	assert.Equal(t, 42.0, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	requireCode(t, err, schema.ErrCodeValidation)

	_, err = e.Evaluate(ctx, ".[", nil)
	requireCode(t, err, schema.ErrCodeValidation)

	_, err = e.Evaluate(ctx, ".text + 1", decodeJSON(t, `{"text":"x"}`))
	requireCode(t, err, schema.ErrCodeExpression)
}

func TestGoJQ_ConcurrentCache(t *testing.T) {
	e := NewGoJQEngine()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), ".v", map[string]any{"v": "x"})
			assert.NoError(t, err)
			assert.Equal(t, "x", out)
		}()
	}
	wg.Wait()
	assert.Len(t, e.cache.progs, 1)
}
