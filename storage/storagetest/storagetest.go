// Package storagetest provides a conformance suite for storage.Store
// implementations.
package storagetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/flagz-go/storage"
)

// Run exercises the get/save/delete contract against s. Keys are prefixed
// with the test name so suites can share a backend.
func Run(t *testing.T, s storage.Store) {
	t.Helper()

	t.Run("get missing", func(t *testing.T) {
		ctx := context.Background()
		value, found, err := s.Get(ctx, key(t, "missing"))
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, value)
	})

	t.Run("save and get", func(t *testing.T) {
		ctx := context.Background()
		k := key(t, storage.KeyFlags)
		require.NoError(t, s.Save(ctx, k, []byte(`[{"name":"a"}]`)))

		value, found, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, `[{"name":"a"}]`, string(value))
	})

	t.Run("overwrite", func(t *testing.T) {
		ctx := context.Background()
		k := key(t, storage.KeyETag)
		require.NoError(t, s.Save(ctx, k, []byte(`"v1"`)))
		require.NoError(t, s.Save(ctx, k, []byte(`"v2"`)))

		value, found, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, `"v2"`, string(value))
	})

	t.Run("empty value", func(t *testing.T) {
		ctx := context.Background()
		k := key(t, "empty")
		require.NoError(t, s.Save(ctx, k, []byte{}))

		value, found, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Empty(t, value)
	})

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		k := key(t, storage.KeySessionID)
		require.NoError(t, s.Save(ctx, k, []byte("s-1")))
		require.NoError(t, s.Delete(ctx, k))
		require.NoError(t, s.Delete(ctx, k))

		_, found, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("concurrent keys", func(t *testing.T) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				k := key(t, string(rune('a'+i)))
				assert.NoError(t, s.Save(ctx, k, []byte{byte(i)}))
			}()
		}
		wg.Wait()

		for i := range 8 {
			value, found, err := s.Get(ctx, key(t, string(rune('a'+i))))
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, []byte{byte(i)}, value)
		}
	})
}

func key(t *testing.T, name string) string {
	return storage.Key(t.Name(), name)
}
