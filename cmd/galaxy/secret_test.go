package main

import (
	"bytes"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/galaxy/internal/secrets"
)

func setupSecretEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GALAXY_DB_PATH", filepath.Join(t.TempDir(), "galaxy.db"))
	t.Setenv("GALAXY_VAULT_KEY", base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{3}, secrets.KeySize)))
}

func TestRunSecret_Lifecycle(t *testing.T) {
	setupSecretEnv(t)

	var out bytes.Buffer
	require.NoError(t, runSecret([]string{"set", "fal"}, strings.NewReader("fal-key\n"), &out))
	assert.Equal(t, "stored key for fal\n", out.String())

	out.Reset()
	require.NoError(t, runSecret([]string{"list"}, nil, &out))
	assert.Equal(t, "fal\n", out.String())

	out.Reset()
	require.NoError(t, runSecret([]string{"delete", "fal"}, nil, &out))
	assert.Equal(t, "deleted key for fal\n", out.String())

	out.Reset()
	require.NoError(t, runSecret([]string{"list"}, nil, &out))
	assert.Empty(t, out.String())
}

func TestRunSecret_Errors(t *testing.T) {
	setupSecretEnv(t)
	var out bytes.Buffer

	assert.Error(t, runSecret(nil, nil, &out))
	assert.Error(t, runSecret([]string{"set", "openai"}, strings.NewReader("k"), &out))
	assert.Error(t, runSecret([]string{"set", "fal"}, strings.NewReader("\n"), &out))
	assert.Error(t, runSecret([]string{"rotate"}, nil, &out))
	assert.Error(t, runSecret([]string{"delete", "fal"}, nil, &out))

	t.Setenv("GALAXY_VAULT_KEY", "")
	t.Setenv("HOME", t.TempDir())
	err := runSecret([]string{"list"}, nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault_key")
}
