package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/wkalt/objectserver/managedobject"
	"github.com/wkalt/objectserver/objectid"
)

/*
The object store is the persistent home of every shared object. The object
manager treats it as a black box: it loads single objects by ID, and saves or
deletes batches of objects inside a transaction whose commit makes the batch
durable.
*/

////////////////////////////////////////////////////////////////////////////////

// ErrObjectNotFound is returned by LoadByID for an ID with no persisted state.
var ErrObjectNotFound = errors.New("object not found")

// ErrObjectDeleted is returned when a commit saves an object that an earlier
// transaction deleted.
var ErrObjectDeleted = errors.New("object was deleted")

// ErrTransactionClosed is returned when a committed or rolled back transaction
// is used again.
var ErrTransactionClosed = errors.New("transaction closed")

// RootNotFoundError is returned when a named root is not bound.
type RootNotFoundError struct {
	Name string
}

func (e RootNotFoundError) Error() string {
	return fmt.Sprintf("root %q not found", e.Name)
}

func (e RootNotFoundError) Is(target error) bool {
	_, ok := target.(RootNotFoundError)
	return ok
}

// Transaction is a persistence transaction. Work done through the store with a
// transaction becomes visible and durable on Commit.
type Transaction interface {
	ID() string
	Commit(ctx context.Context) error
	Rollback()
}

// Store is the persistent store consumed by the object manager.
type Store interface {
	NewTransaction(ctx context.Context) (Transaction, error)

	// LoadByID returns ErrObjectNotFound if the object has no persisted state.
	LoadByID(ctx context.Context, id objectid.ID) (*managedobject.ManagedObject, error)
	SaveAllObjects(ctx context.Context, tx Transaction, objs []*managedobject.ManagedObject) error
	// DeleteAllObjectsByID returns the number of ids that were persisted.
	DeleteAllObjectsByID(ctx context.Context, tx Transaction, ids *objectid.Set) (int, error)

	ContainsObject(ctx context.Context, id objectid.ID) (bool, error)
	AllObjectIDs(ctx context.Context) (*objectid.Set, error)
	ObjectCount(ctx context.Context) (int, error)

	AddRoot(ctx context.Context, tx Transaction, name string, id objectid.ID) error
	RootID(ctx context.Context, name string) (objectid.ID, error)
	Roots(ctx context.Context) (map[string]objectid.ID, error)
}

// NullTransaction is a transaction with nothing to commit. It is used where a
// release is not linked to any persisted mutation.
type NullTransaction struct{}

func (NullTransaction) ID() string                   { return "null" }
func (NullTransaction) Commit(context.Context) error { return nil }
func (NullTransaction) Rollback()                    {}
