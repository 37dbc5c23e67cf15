package objectstore_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/objectserver/managedobject"
	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/objectstore"
	"github.com/wkalt/objectserver/storage"
)

func newObject(id objectid.ID, version uint64, refs ...objectid.ID) *managedobject.ManagedObject {
	obj := managedobject.New(id)
	obj.ApplyChanges(managedobject.ChangeSet{
		TransactionID: "setup",
		Version:       version,
		Fields:        map[string][]byte{"value": []byte(id.String())},
		References:    objectid.NewSet(refs...),
	})
	return obj
}

func commitSaves(ctx context.Context, t *testing.T, store objectstore.Store, objs ...*managedobject.ManagedObject) {
	t.Helper()
	tx, err := store.NewTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, store.SaveAllObjects(ctx, tx, objs))
	require.NoError(t, tx.Commit(ctx))
}

func TestSQLStoreSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store, teardown := objectstore.TestSQLStore(ctx, t)
	defer teardown()

	t.Run("load of unknown object", func(t *testing.T) {
		_, err := store.LoadByID(ctx, 1)
		require.ErrorIs(t, err, objectstore.ErrObjectNotFound)
	})
	t.Run("saves are invisible until commit", func(t *testing.T) {
		tx, err := store.NewTransaction(ctx)
		require.NoError(t, err)
		require.NoError(t, store.SaveAllObjects(ctx, tx, []*managedobject.ManagedObject{newObject(1, 1)}))
		ok, err := store.ContainsObject(ctx, 1)
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, tx.Commit(ctx))
		ok, err = store.ContainsObject(ctx, 1)
		require.NoError(t, err)
		require.True(t, ok)
	})
	t.Run("round trip", func(t *testing.T) {
		obj := newObject(2, 5, 1, 3)
		commitSaves(ctx, t, store, obj)
		loaded, err := store.LoadByID(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, obj.Version(), loaded.Version())
		require.Equal(t, obj.References().Slice(), loaded.References().Slice())
		require.Equal(t, obj.Fields(), loaded.Fields())
		require.False(t, loaded.IsNew())
		require.False(t, loaded.IsDirty())
	})
	t.Run("save captures state at call time", func(t *testing.T) {
		obj := newObject(3, 1)
		tx, err := store.NewTransaction(ctx)
		require.NoError(t, err)
		require.NoError(t, store.SaveAllObjects(ctx, tx, []*managedobject.ManagedObject{obj}))
		obj.ApplyChanges(managedobject.ChangeSet{TransactionID: "later", Version: 2})
		require.NoError(t, tx.Commit(ctx))
		loaded, err := store.LoadByID(ctx, 3)
		require.NoError(t, err)
		require.Equal(t, uint64(1), loaded.Version())
	})
	t.Run("overwrite", func(t *testing.T) {
		commitSaves(ctx, t, store, newObject(4, 1))
		commitSaves(ctx, t, store, newObject(4, 2, 9))
		loaded, err := store.LoadByID(ctx, 4)
		require.NoError(t, err)
		require.Equal(t, uint64(2), loaded.Version())
		require.Equal(t, []objectid.ID{9}, loaded.References().Slice())
	})
	t.Run("ids with the high bit set", func(t *testing.T) {
		id := objectid.ID(1<<63 + 5)
		commitSaves(ctx, t, store, newObject(id, 1))
		loaded, err := store.LoadByID(ctx, id)
		require.NoError(t, err)
		require.Equal(t, id, loaded.ID())
		ids, err := store.AllObjectIDs(ctx)
		require.NoError(t, err)
		require.True(t, ids.Contains(id))
	})
}

func TestSQLStoreDelete(t *testing.T) {
	ctx := context.Background()
	store, teardown := objectstore.TestSQLStore(ctx, t)
	defer teardown()
	commitSaves(ctx, t, store, newObject(1, 1), newObject(2, 1), newObject(3, 1))

	tx, err := store.NewTransaction(ctx)
	require.NoError(t, err)
	n, err := store.DeleteAllObjectsByID(ctx, tx, objectid.NewSet(1, 2, 99))
	require.NoError(t, err)
	require.Equal(t, 2, n, "only persisted objects are counted")
	require.NoError(t, tx.Commit(ctx))

	_, err = store.LoadByID(ctx, 1)
	require.ErrorIs(t, err, objectstore.ErrObjectNotFound)
	count, err := store.ObjectCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	deleted, err := store.IsDeleted(ctx, 1)
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = store.IsDeleted(ctx, 3)
	require.NoError(t, err)
	require.False(t, deleted)

	t.Run("delete then save in one transaction keeps the object", func(t *testing.T) {
		tx, err := store.NewTransaction(ctx)
		require.NoError(t, err)
		_, err = store.DeleteAllObjectsByID(ctx, tx, objectid.NewSet(3))
		require.NoError(t, err)
		require.NoError(t, store.SaveAllObjects(ctx, tx, []*managedobject.ManagedObject{newObject(3, 2)}))
		require.NoError(t, tx.Commit(ctx))
		ok, err := store.ContainsObject(ctx, 3)
		require.NoError(t, err)
		require.True(t, ok)
	})
	t.Run("deleted objects cannot be saved again", func(t *testing.T) {
		tx, err := store.NewTransaction(ctx)
		require.NoError(t, err)
		require.NoError(t, store.SaveAllObjects(ctx, tx, []*managedobject.ManagedObject{newObject(1, 2), newObject(5, 1)}))
		require.ErrorIs(t, tx.Commit(ctx), objectstore.ErrObjectDeleted)
		for _, id := range []objectid.ID{1, 5} {
			ok, err := store.ContainsObject(ctx, id)
			require.NoError(t, err)
			require.False(t, ok)
		}
		_, err = store.LoadByID(ctx, 1)
		require.ErrorIs(t, err, objectstore.ErrObjectNotFound)
	})
}

func TestSQLStoreTransactions(t *testing.T) {
	ctx := context.Background()
	store, teardown := objectstore.TestSQLStore(ctx, t)
	defer teardown()

	t.Run("rollback discards work", func(t *testing.T) {
		tx, err := store.NewTransaction(ctx)
		require.NoError(t, err)
		require.NoError(t, store.SaveAllObjects(ctx, tx, []*managedobject.ManagedObject{newObject(1, 1)}))
		tx.Rollback()
		require.ErrorIs(t, tx.Commit(ctx), objectstore.ErrTransactionClosed)
		ok, err := store.ContainsObject(ctx, 1)
		require.NoError(t, err)
		require.False(t, ok)
	})
	t.Run("committed transaction cannot be reused", func(t *testing.T) {
		tx, err := store.NewTransaction(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))
		err = store.SaveAllObjects(ctx, tx, []*managedobject.ManagedObject{newObject(1, 1)})
		require.ErrorIs(t, err, objectstore.ErrTransactionClosed)
	})
	t.Run("transactions have distinct ids", func(t *testing.T) {
		a, err := store.NewTransaction(ctx)
		require.NoError(t, err)
		b, err := store.NewTransaction(ctx)
		require.NoError(t, err)
		require.NotEqual(t, a.ID(), b.ID())
	})
	t.Run("foreign transaction is rejected", func(t *testing.T) {
		err := store.SaveAllObjects(ctx, objectstore.NullTransaction{}, nil)
		require.Error(t, err)
	})
}

func TestSQLStoreRoots(t *testing.T) {
	ctx := context.Background()
	store, teardown := objectstore.TestSQLStore(ctx, t)
	defer teardown()

	_, err := store.RootID(ctx, "missing")
	require.ErrorIs(t, err, objectstore.RootNotFoundError{})

	tx, err := store.NewTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, store.AddRoot(ctx, tx, "a", 1))
	require.NoError(t, store.AddRoot(ctx, tx, "b", 2))
	require.NoError(t, tx.Commit(ctx))

	id, err := store.RootID(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, objectid.ID(1), id)

	tx, err = store.NewTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, store.AddRoot(ctx, tx, "a", 3))
	require.NoError(t, tx.Commit(ctx))

	roots, err := store.Roots(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]objectid.ID{"a": 3, "b": 2}, roots)
}

func TestSQLStoreReindex(t *testing.T) {
	ctx := context.Background()
	provider := storage.NewMemStore()
	store, _, teardown := objectstore.TestSQLStoreWithProvider(ctx, t, provider)
	commitSaves(ctx, t, store, newObject(1, 1), newObject(2, 1), newObject(3, 1))
	tx, err := store.NewTransaction(ctx)
	require.NoError(t, err)
	_, err = store.DeleteAllObjectsByID(ctx, tx, objectid.NewSet(3))
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	teardown()

	// a fresh index over the same payloads adopts the live objects
	rebuilt, _, teardown := objectstore.TestSQLStoreWithProvider(ctx, t, provider)
	defer teardown()
	n, err := rebuilt.Reindex(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	ids, err := rebuilt.AllObjectIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []objectid.ID{1, 2}, ids.Slice())

	n, err = rebuilt.Reindex(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

type failingProvider struct {
	storage.Provider
	err error
}

func (p failingProvider) Put(context.Context, string, io.Reader) error {
	return p.err
}

func TestSQLStoreCommitFailure(t *testing.T) {
	ctx := context.Background()
	injected := errors.New("disk full")
	store, _, teardown := objectstore.TestSQLStoreWithProvider(ctx, t, failingProvider{storage.NewMemStore(), injected})
	defer teardown()

	tx, err := store.NewTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, store.SaveAllObjects(ctx, tx, []*managedobject.ManagedObject{newObject(1, 1)}))
	require.ErrorIs(t, tx.Commit(ctx), injected)
	ok, err := store.ContainsObject(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok, "index is untouched when payload writes fail")
}
