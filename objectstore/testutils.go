package objectstore

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/stretchr/testify/require"
	"github.com/wkalt/objectserver/storage"
)

// TestSQLStore returns a store over a private in-memory database and a memory
// provider. The returned function closes the database.
func TestSQLStore(ctx context.Context, tb testing.TB) (*SQLStore, func()) {
	tb.Helper()
	store, _, teardown := TestSQLStoreWithProvider(ctx, tb, storage.NewMemStore())
	return store, teardown
}

// TestSQLStoreWithProvider is TestSQLStore over the supplied provider. It also
// returns the database handle.
func TestSQLStoreWithProvider(
	ctx context.Context, tb testing.TB, provider storage.Provider,
) (*SQLStore, *sql.DB, func()) {
	tb.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(tb, err)
	// A single connection keeps the shared-cache database alive and avoids
	// table lock errors between pooled connections.
	db.SetMaxOpenConns(1)
	store, err := NewSQLStore(ctx, db, provider)
	require.NoError(tb, err)
	return store, db, func() {
		db.Close()
	}
}
