package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/galaxy/internal/engine"
	"github.com/rendis/galaxy/pkg/schema"
)

const demoGraph = `{
	"nodes": [
		{"id": "p1", "type": "prompt", "input": {"text": "hi"}},
		{"id": "l1", "type": "llm", "input": {
			"prompt": {"$from": "p1", "$path": ".text"},
			"config": {"model": "m", "temperature": 0.1, "providers": ["replicate"]}
		}}
	],
	"edges": [{"from": "p1", "to": "l1"}]
}`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRunPlan(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runPlan([]string{writeFile(t, demoGraph)}, &out))
	assert.JSONEq(t, `{"order":["p1","l1"],"levels":[["p1"],["l1"]]}`, out.String())

	out.Reset()
	require.NoError(t, runPlan([]string{"-format", "mermaid", writeFile(t, `{"name":"demo","graph":`+demoGraph+`}`)}, &out))
	assert.Contains(t, out.String(), "p1 --> l1")
}

func TestRunPlan_Errors(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, runPlan(nil, &out))
	assert.Error(t, runPlan([]string{"-format", "svg", writeFile(t, demoGraph)}, &out))

	err := runPlan([]string{writeFile(t, `{"nodes":[{"id":"a","type":"prompt","input":{"text":"x"}}],"edges":[{"from":"a","to":"a"}]}`)}, &out)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeSelfLoop, schema.CodeOf(err))
}

func TestRunOnce_Mock(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	var out bytes.Buffer
	require.NoError(t, runOnce([]string{"-mock", "-diagram", writeFile(t, demoGraph)}, &out))

	dec := json.NewDecoder(&out)
	var res engine.RunResult
	require.NoError(t, dec.Decode(&res))
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, []string{"p1", "l1"}, res.ExecutionOrder)
	assert.JSONEq(t, `{"text":"mock LLM output (replicate)","providerUsed":"replicate"}`, string(res.Context["l1"]))
	assert.Contains(t, out.String(), "[OK]")
}

func TestRunOnce_FailedRunIsAnError(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	var out bytes.Buffer
	err := runOnce([]string{writeFile(t, demoGraph)}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FAILED")
	assert.Contains(t, out.String(), `"status": "FAILED"`)
}
