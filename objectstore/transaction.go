package objectstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/wkalt/objectserver/managedobject"
	"github.com/wkalt/objectserver/objectid"
)

// pendingSave is an encoded object waiting for commit.
type pendingSave struct {
	version uint64
	data    []byte
}

type sqlTransaction struct {
	id    string
	store *SQLStore

	mtx     *sync.Mutex
	saves   map[objectid.ID]pendingSave
	deletes *objectid.Set
	roots   map[string]objectid.ID
	closed  bool
}

func (t *sqlTransaction) ID() string {
	return t.id
}

// save encodes objects at the time of the call. A later save of the same
// object in the transaction replaces the earlier one; saving cancels a staged
// delete.
func (t *sqlTransaction) save(objs []*managedobject.ManagedObject) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.closed {
		return ErrTransactionClosed
	}
	for _, obj := range objs {
		state := obj.Snapshot()
		t.saves[state.ID] = pendingSave{
			version: state.Version,
			data:    Encode(state),
		}
		t.deletes.Remove(state.ID)
	}
	return nil
}

// delete stages deletions. Deleting cancels a staged save.
func (t *sqlTransaction) delete(ids *objectid.Set) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.closed {
		return ErrTransactionClosed
	}
	ids.Each(func(id objectid.ID) bool {
		delete(t.saves, id)
		t.deletes.Add(id)
		return true
	})
	return nil
}

func (t *sqlTransaction) addRoot(name string, id objectid.ID) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.closed {
		return ErrTransactionClosed
	}
	t.roots[name] = id
	return nil
}

// Commit makes the transaction's work durable. A failed commit closes the
// transaction; the caller retries with a new one.
func (t *sqlTransaction) Commit(ctx context.Context) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.closed {
		return ErrTransactionClosed
	}
	t.closed = true
	if err := t.store.commit(ctx, t); err != nil {
		return fmt.Errorf("failed to commit transaction %s: %w", t.id, err)
	}
	return nil
}

// Rollback discards the transaction's work.
func (t *sqlTransaction) Rollback() {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.closed = true
	t.saves = map[objectid.ID]pendingSave{}
	t.deletes = objectid.NewSet()
	t.roots = map[string]objectid.ID{}
}

func (t *sqlTransaction) String() string {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return fmt.Sprintf("tx(%s saves=%d deletes=%d roots=%d)", t.id, len(t.saves), t.deletes.Len(), len(t.roots))
}
