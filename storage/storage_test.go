package storage_test

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/objectserver/storage"
	"github.com/wkalt/objectserver/storage/minioutil"
)

func TestStorageProviders(t *testing.T) {
	ctx := context.Background()

	mc, bucket, clear := minioutil.NewServer(t)
	defer clear()

	tmpdir, err := os.MkdirTemp("", "objectserver-dirstore")
	require.NoError(t, err)
	defer os.RemoveAll(tmpdir)

	dirstore, err := storage.NewDirectoryStore(tmpdir)
	require.NoError(t, err)

	cases := []struct {
		assertion string
		store     storage.Provider
	}{
		{
			"s3 store",
			storage.NewS3Store(mc, bucket),
		},
		{
			"memory store",
			storage.NewMemStore(),
		},
		{
			"directory store",
			dirstore,
		},
	}

	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			t.Run("put and get", func(t *testing.T) {
				require.NoError(t, c.store.Put(ctx, "test", bytes.NewReader([]byte("hello"))))
				data, err := storage.ReadAll(ctx, c.store, "test")
				require.NoError(t, err)
				require.Equal(t, []byte("hello"), data)
			})
			t.Run("put overwrites", func(t *testing.T) {
				require.NoError(t, c.store.Put(ctx, "test", bytes.NewReader([]byte("goodbye"))))
				data, err := storage.ReadAll(ctx, c.store, "test")
				require.NoError(t, err)
				require.Equal(t, []byte("goodbye"), data)
			})
			t.Run("delete", func(t *testing.T) {
				require.NoError(t, c.store.Put(ctx, "test3", bytes.NewReader([]byte("hello"))))
				require.NoError(t, c.store.Delete(ctx, "test3"))
				_, err := c.store.Get(ctx, "test3")
				require.ErrorIs(t, err, storage.ErrObjectNotFound)
			})
			t.Run("get object that does not exist returns error", func(t *testing.T) {
				_, err := c.store.Get(ctx, "test4")
				require.ErrorIs(t, err, storage.ErrObjectNotFound)
			})
			t.Run("deleting object that does not exist returns no error", func(t *testing.T) {
				err := c.store.Delete(ctx, "test100")
				require.NoError(t, err)
			})
			t.Run("list under a prefix", func(t *testing.T) {
				for _, key := range []string{"objects/01/1", "objects/02/2", "objects/01/3", "roots/a"} {
					require.NoError(t, c.store.Put(ctx, key, bytes.NewReader([]byte(key))))
				}
				keys, err := c.store.List(ctx, "objects/")
				require.NoError(t, err)
				require.Equal(t, []string{"objects/01/1", "objects/01/3", "objects/02/2"}, keys)
			})
			t.Run("list of empty prefix", func(t *testing.T) {
				keys, err := c.store.List(ctx, "nothing/")
				require.NoError(t, err)
				require.Empty(t, keys)
			})
		})
	}
}
