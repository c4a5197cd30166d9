package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/flagz-go/storage/sqlitestore"
	"github.com/matt-riley/flagz-go/storage/storagetest"
)

func TestStoreInMemory(t *testing.T) {
	s, err := sqlitestore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	storagetest.Run(t, s)
}

func TestStoreFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flagz.db")
	ctx := context.Background()

	s, err := sqlitestore.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "flagz:flags", []byte(`[]`)))
	require.NoError(t, s.Close())

	reopened, err := sqlitestore.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	value, found, err := reopened.Get(ctx, "flagz:flags")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "[]", string(value))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := sqlitestore.Open(context.Background(), "")
	require.Error(t, err)
}
