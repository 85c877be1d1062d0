package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/galaxy/internal/engine"
	"github.com/rendis/galaxy/internal/secrets"
	"github.com/rendis/galaxy/internal/store"
	"github.com/rendis/galaxy/pkg/schema"
)

func newTestApp(t *testing.T, opts Options) *App {
	t.Helper()
	a, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a
}

func saveDemo(t *testing.T, a *App) string {
	t.Helper()
	wf, err := a.Service.SaveWorkflow(context.Background(), &store.Workflow{
		Name: "demo",
		Graph: schema.WorkflowGraph{
			Nodes: []schema.NodeSpec{
				{ID: "p1", Type: "prompt", Input: json.RawMessage(`{"text":"hi"}`)},
				{ID: "l1", Type: "llm", Input: json.RawMessage(
					`{"prompt":{"$from":"p1","$path":".text"},"config":{"model":"m","temperature":0,"providers":["fal","replicate"]}}`)},
			},
			Edges: []schema.EdgeSpec{{From: "p1", To: "l1"}},
		},
	})
	require.NoError(t, err)
	return wf.ID
}

func TestNew_MemoryWithMockProviders(t *testing.T) {
	a := newTestApp(t, Options{MockProviders: true})
	assert.IsType(t, &store.MemoryStore{}, a.Store)
	assert.Equal(t, []string{"fal", "replicate", "wavespeed"}, a.Providers.IDs())

	res, err := a.Service.RunSync(context.Background(), saveDemo(t, a), engine.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.JSONEq(t, `{"text":"mock LLM output (fal)","providerUsed":"fal"}`, string(res.Context["l1"]))

	events, err := a.Service.RunEvents(context.Background(), res.RunID, 0)
	require.NoError(t, err)
	assert.Equal(t, schema.EventRunCompleted, events[len(events)-1].Type)
}

func TestNew_LibSQLStorePersistsAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "galaxy.db")

	a, err := New(context.Background(), Options{DBPath: dbPath, MockProviders: true})
	require.NoError(t, err)
	assert.IsType(t, &store.LibSQLStore{}, a.Store)
	wfID := saveDemo(t, a)
	res, err := a.Service.RunSync(context.Background(), wfID, engine.TriggerManual)
	require.NoError(t, err)
	require.NoError(t, a.Close(context.Background()))

	b := newTestApp(t, Options{DBPath: dbPath})
	details, err := b.Service.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, details.Run.Status)
	assert.Len(t, details.Nodes, 2)

	timeline, err := b.Service.Timeline(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusCompleted, timeline["l1"].Status)
}

func TestNew_NoProvidersWithoutEndpoints(t *testing.T) {
	a := newTestApp(t, Options{})
	assert.Empty(t, a.Providers.IDs())

	res, err := a.Service.RunSync(context.Background(), saveDemo(t, a), engine.TriggerManual)
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	assert.Contains(t, res.Error, "all providers failed")
}

func TestNew_ProviderEndpoints(t *testing.T) {
	a := newTestApp(t, Options{
		ProviderEndpoints: map[string]string{"replicate": "http://127.0.0.1:1/submit"},
		CallbackBaseURL:   "http://localhost:4300",
	})
	assert.Equal(t, []string{"replicate"}, a.Providers.IDs())
}

func TestNew_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		code string
	}{
		{"unknown provider", Options{ProviderEndpoints: map[string]string{"openai": "http://x/submit"}}, schema.ErrCodeConfig},
		{"bad endpoint", Options{ProviderEndpoints: map[string]string{"fal": "not a url"}}, schema.ErrCodeConfig},
		{"short vault key", Options{VaultKey: []byte("short")}, schema.ErrCodeVault},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(context.Background(), tc.opts)
			require.Error(t, err)
			assert.Equal(t, tc.code, schema.CodeOf(err))
		})
	}
}

func TestNew_VaultAuthorizesProviders(t *testing.T) {
	type submission struct {
		auth  string
		token string
	}
	subs := make(chan submission, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		subs <- submission{auth: r.Header.Get("Authorization"), token: body.Token}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer backend.Close()

	a := newTestApp(t, Options{
		ProviderEndpoints: map[string]string{"fal": backend.URL},
		VaultKey:          bytes.Repeat([]byte{7}, secrets.KeySize),
	})
	require.NotNil(t, a.Vault)
	ctx := context.Background()
	require.NoError(t, a.Vault.Store(ctx, secrets.ProviderKey("fal"), []byte("fal-key")))

	run, err := a.Service.StartRun(ctx, saveDemo(t, a), engine.TriggerManual)
	require.NoError(t, err)

	var sub submission
	select {
	case sub = <-subs:
	case <-time.After(5 * time.Second):
		t.Fatal("provider never received the submission")
	}
	assert.Equal(t, "Bearer fal-key", sub.auth)
	require.NoError(t, a.Service.ResumeNode(ctx, sub.token, json.RawMessage(`{"text":"done"}`)))

	res, err := a.Service.Wait(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
}
