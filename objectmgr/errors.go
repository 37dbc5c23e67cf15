package objectmgr

import (
	"errors"
	"fmt"

	"github.com/wkalt/objectserver/objectid"
)

// ErrGCInProgress is returned when a garbage collection cycle is already
// running.
var ErrGCInProgress = errors.New("garbage collection in progress")

// ErrNotPaused is returned by garbage collection operations that require the
// manager to be paused.
var ErrNotPaused = errors.New("object manager is not paused for garbage collection")

// ShutdownError is returned by any operation after Stop.
type ShutdownError struct {
	Op string
}

func (e ShutdownError) Error() string {
	return fmt.Sprintf("object manager is shut down: %s rejected", e.Op)
}

func (e ShutdownError) Is(target error) bool {
	_, ok := target.(ShutdownError)
	return ok
}

// NoSuchObjectError is returned by single-object inspection for an ID with no
// resident or persisted state.
type NoSuchObjectError struct {
	ID objectid.ID
}

func (e NoSuchObjectError) Error() string {
	return fmt.Sprintf("no such object: %s", e.ID)
}

func (e NoSuchObjectError) Is(target error) bool {
	_, ok := target.(NoSuchObjectError)
	return ok
}

// StoreError wraps a persistent store failure during a fault or flush.
type StoreError struct {
	Op  string
	ID  objectid.ID
	Err error
}

func (e StoreError) Error() string {
	return fmt.Sprintf("store %s of object %s failed: %v", e.Op, e.ID, e.Err)
}

func (e StoreError) Unwrap() error {
	return e.Err
}

func (e StoreError) Is(target error) bool {
	_, ok := target.(StoreError)
	return ok
}

// ObjectExistsError is returned when creating an object whose ID is already
// resident, being loaded, or was deleted by garbage collection.
type ObjectExistsError struct {
	ID      objectid.ID
	Deleted bool
}

func (e ObjectExistsError) Error() string {
	if e.Deleted {
		return fmt.Sprintf("object %s was deleted and its id may not be reused", e.ID)
	}
	return fmt.Sprintf("object %s already exists", e.ID)
}

func (e ObjectExistsError) Is(target error) bool {
	_, ok := target.(ObjectExistsError)
	return ok
}
