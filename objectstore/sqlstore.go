package objectstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/wkalt/objectserver/managedobject"
	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/storage"
	"github.com/wkalt/objectserver/util/log"
	"golang.org/x/sync/errgroup"
)

/*
SQLStore keeps object payloads in a storage provider and an index of persisted
objects, named roots and committed transactions in SQLite. The index is the
source of truth for existence: a payload without an index row is not an object.

A commit first writes all saved payloads in parallel, then applies every index
change in a single SQL transaction, then removes the payloads of deleted
objects. Deleted IDs are recorded as tombstones, since an ID is never reused.
A crash between the steps leaves either orphaned payloads, which Reindex
adopts, or stale payloads of tombstoned objects, which Reindex ignores.

IDs are stored as their two's complement int64, since SQLite integers are
signed.
*/

////////////////////////////////////////////////////////////////////////////////

const commitConcurrency = 16

// SQLStore is a Store backed by SQLite and a storage provider.
type SQLStore struct {
	db       *sql.DB
	provider storage.Provider

	// commits are serialized.
	mtx *sync.Mutex
}

// NewSQLStore returns a store using db for the index and provider for payloads.
func NewSQLStore(ctx context.Context, db *sql.DB, provider storage.Provider) (*SQLStore, error) {
	s := &SQLStore{
		db:       db,
		provider: provider,
		mtx:      &sync.Mutex{},
	}
	if err := s.initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initialize(ctx context.Context) error {
	var maxApplied int64
	err := s.db.QueryRowContext(ctx, "select max(version) from schema_migrations").Scan(&maxApplied)
	if err == nil && maxApplied == 1 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
	create table if not exists objects (
		id integer primary key,
		version bigint not null,
		storage_key text not null
	);

	create table if not exists roots (
		name text primary key,
		object_id integer not null
	);

	create table if not exists tombstones (
		id integer primary key
	);

	create table if not exists transactions (
		id text primary key,
		saved integer not null,
		deleted integer not null,
		committed_at text not null default current_timestamp
	);

	create table if not exists schema_migrations (
		version bigint not null,
		timestamp text not null default current_timestamp
	);

	insert into schema_migrations(version) values (1);
	`); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// NewTransaction starts a transaction.
func (s *SQLStore) NewTransaction(_ context.Context) (Transaction, error) {
	return &sqlTransaction{
		id:      uuid.New().String(),
		store:   s,
		saves:   make(map[objectid.ID]pendingSave),
		deletes: objectid.NewSet(),
		roots:   make(map[string]objectid.ID),
		mtx:     &sync.Mutex{},
	}, nil
}

// LoadByID loads the persisted state of an object.
func (s *SQLStore) LoadByID(ctx context.Context, id objectid.ID) (*managedobject.ManagedObject, error) {
	var key string
	err := s.db.QueryRowContext(ctx, "select storage_key from objects where id = $1", int64(id)).Scan(&key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to read object index: %w", err)
	}
	data, err := storage.ReadAll(ctx, s.provider, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("payload %s for object %s is missing: %w", key, id, err)
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	state, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode object %s: %w", id, err)
	}
	if state.ID != id {
		return nil, fmt.Errorf("payload %s holds object %s, expected %s", key, state.ID, id)
	}
	return managedobject.Restore(state), nil
}

// SaveAllObjects stages the current state of objs in tx.
func (s *SQLStore) SaveAllObjects(_ context.Context, tx Transaction, objs []*managedobject.ManagedObject) error {
	t, err := s.transaction(tx)
	if err != nil {
		return err
	}
	return t.save(objs)
}

// DeleteAllObjectsByID stages a deletion of ids in tx.
func (s *SQLStore) DeleteAllObjectsByID(ctx context.Context, tx Transaction, ids *objectid.Set) (int, error) {
	t, err := s.transaction(tx)
	if err != nil {
		return 0, err
	}
	count := 0
	var scanErr error
	ids.Each(func(id objectid.ID) bool {
		ok, err := s.ContainsObject(ctx, id)
		if err != nil {
			scanErr = err
			return false
		}
		if ok {
			count++
		}
		return true
	})
	if scanErr != nil {
		return 0, scanErr
	}
	if err := t.delete(ids); err != nil {
		return 0, err
	}
	return count, nil
}

// ContainsObject reports whether an object is persisted.
func (s *SQLStore) ContainsObject(ctx context.Context, id objectid.ID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "select count(*) from objects where id = $1", int64(id)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to read object index: %w", err)
	}
	return n > 0, nil
}

// IsDeleted reports whether an object was deleted by a committed
// transaction.
func (s *SQLStore) IsDeleted(ctx context.Context, id objectid.ID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "select count(*) from tombstones where id = $1", int64(id)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to read tombstones: %w", err)
	}
	return n > 0, nil
}

// AllObjectIDs returns the IDs of all persisted objects.
func (s *SQLStore) AllObjectIDs(ctx context.Context) (*objectid.Set, error) {
	rows, err := s.db.QueryContext(ctx, "select id from objects")
	if err != nil {
		return nil, fmt.Errorf("failed to read object index: %w", err)
	}
	defer rows.Close()
	ids := objectid.NewSet()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan object id: %w", err)
		}
		ids.Add(objectid.ID(uint64(id)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read object index: %w", err)
	}
	return ids, nil
}

// ObjectCount returns the number of persisted objects.
func (s *SQLStore) ObjectCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "select count(*) from objects").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count objects: %w", err)
	}
	return n, nil
}

// AddRoot stages a binding of name to id in tx.
func (s *SQLStore) AddRoot(_ context.Context, tx Transaction, name string, id objectid.ID) error {
	t, err := s.transaction(tx)
	if err != nil {
		return err
	}
	return t.addRoot(name, id)
}

// RootID returns the object bound to a root name.
func (s *SQLStore) RootID(ctx context.Context, name string) (objectid.ID, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "select object_id from roots where name = $1", name).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return objectid.Null, RootNotFoundError{name}
		}
		return objectid.Null, fmt.Errorf("failed to read roots: %w", err)
	}
	return objectid.ID(uint64(id)), nil
}

// Roots returns every root binding.
func (s *SQLStore) Roots(ctx context.Context) (map[string]objectid.ID, error) {
	rows, err := s.db.QueryContext(ctx, "select name, object_id from roots")
	if err != nil {
		return nil, fmt.Errorf("failed to read roots: %w", err)
	}
	defer rows.Close()
	roots := make(map[string]objectid.ID)
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("failed to scan root: %w", err)
		}
		roots[name] = objectid.ID(uint64(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read roots: %w", err)
	}
	return roots, nil
}

// Reindex adds index rows for any payload in the provider the index does not
// list. It returns the number of objects adopted.
func (s *SQLStore) Reindex(ctx context.Context) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	keys, err := s.provider.List(ctx, payloadPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list payloads: %w", err)
	}
	adopted := 0
	for _, key := range keys {
		id, err := parsePayloadKey(key)
		if err != nil {
			log.Warnw(ctx, "Skipping unrecognized payload", "key", key, "error", err)
			continue
		}
		ok, err := s.ContainsObject(ctx, id)
		if err != nil {
			return adopted, err
		}
		if ok {
			continue
		}
		deleted, err := s.IsDeleted(ctx, id)
		if err != nil {
			return adopted, err
		}
		if deleted {
			continue
		}
		data, err := storage.ReadAll(ctx, s.provider, key)
		if err != nil {
			return adopted, fmt.Errorf("failed to read payload: %w", err)
		}
		state, err := Decode(data)
		if err != nil {
			log.Warnw(ctx, "Skipping undecodable payload", "key", key, "error", err)
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			"insert into objects (id, version, storage_key) values ($1, $2, $3)",
			int64(id), int64(state.Version), key,
		); err != nil {
			return adopted, fmt.Errorf("failed to index object %s: %w", id, err)
		}
		adopted++
	}
	return adopted, nil
}

func (s *SQLStore) String() string {
	return fmt.Sprintf("sql(%s)", s.provider)
}

func (s *SQLStore) transaction(tx Transaction) (*sqlTransaction, error) {
	t, ok := tx.(*sqlTransaction)
	if !ok || t.store != s {
		return nil, fmt.Errorf("transaction %T does not belong to this store", tx)
	}
	return t, nil
}

func (s *SQLStore) commit(ctx context.Context, t *sqlTransaction) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for id := range t.saves {
		deleted, err := s.IsDeleted(ctx, id)
		if err != nil {
			return err
		}
		if deleted {
			return fmt.Errorf("cannot save object %s: %w", id, ErrObjectDeleted)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(commitConcurrency)
	for id, save := range t.saves {
		key := payloadKey(id)
		data := save.data
		g.Go(func() error {
			if err := s.provider.Put(gctx, key, bytes.NewReader(data)); err != nil {
				return fmt.Errorf("failed to write payload %s: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sqltx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = sqltx.Rollback() }()
	for id, save := range t.saves {
		if _, err := sqltx.ExecContext(ctx, `
		insert into objects (id, version, storage_key) values ($1, $2, $3)
		on conflict (id) do update set version = excluded.version, storage_key = excluded.storage_key`,
			int64(id), int64(save.version), payloadKey(id),
		); err != nil {
			return fmt.Errorf("failed to index object %s: %w", id, err)
		}
	}
	var deleteErr error
	t.deletes.Each(func(id objectid.ID) bool {
		if _, err := sqltx.ExecContext(ctx, "delete from objects where id = $1", int64(id)); err != nil {
			deleteErr = fmt.Errorf("failed to delete object %s: %w", id, err)
			return false
		}
		if _, err := sqltx.ExecContext(ctx, "insert or ignore into tombstones (id) values ($1)", int64(id)); err != nil {
			deleteErr = fmt.Errorf("failed to record tombstone for %s: %w", id, err)
			return false
		}
		return true
	})
	if deleteErr != nil {
		return deleteErr
	}
	for name, id := range t.roots {
		if _, err := sqltx.ExecContext(ctx, `
		insert into roots (name, object_id) values ($1, $2)
		on conflict (name) do update set object_id = excluded.object_id`,
			name, int64(id),
		); err != nil {
			return fmt.Errorf("failed to bind root %s: %w", name, err)
		}
	}
	if _, err := sqltx.ExecContext(ctx,
		"insert into transactions (id, saved, deleted) values ($1, $2, $3)",
		t.id, len(t.saves), t.deletes.Len(),
	); err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	if err := sqltx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	var errs []error
	t.deletes.Each(func(id objectid.ID) bool {
		if err := s.provider.Delete(ctx, payloadKey(id)); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	if len(errs) > 0 {
		// The index no longer lists these objects, so the transaction is
		// committed. Leftover payloads are only wasted space.
		log.Warnw(ctx, "Failed to remove deleted payloads", "tx", t.id, "error", errors.Join(errs...))
	}
	return nil
}
