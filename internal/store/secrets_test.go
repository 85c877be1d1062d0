package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/galaxy/pkg/schema"
)

func TestSecrets(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ss, ok := s.(SecretStore)
		require.True(t, ok)
		ctx := context.Background()

		require.NoError(t, ss.StoreSecret(ctx, "provider/fal", []byte{1, 2, 3}))
		require.NoError(t, ss.StoreSecret(ctx, "provider/fal", []byte{4, 5}))
		require.NoError(t, ss.StoreSecret(ctx, "provider/another", []byte{9}))

		got, err := ss.GetSecret(ctx, "provider/fal")
		require.NoError(t, err)
		assert.Equal(t, []byte{4, 5}, got)

		keys, err := ss.ListSecrets(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"provider/another", "provider/fal"}, keys)

		require.NoError(t, ss.DeleteSecret(ctx, "provider/fal"))
		_, err = ss.GetSecret(ctx, "provider/fal")
		assertCode(t, err, schema.ErrCodeNotFound)
		assertCode(t, ss.DeleteSecret(ctx, "provider/fal"), schema.ErrCodeNotFound)
	})
}
