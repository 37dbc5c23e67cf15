package managedobject

import (
	"fmt"
	"sync"

	"github.com/wkalt/objectserver/objectid"
	"golang.org/x/exp/maps"
)

/*
A ManagedObject is the in-memory handle for one shared object. It carries the
object's identity, its outgoing references, its field state and version, and
the bookkeeping the object manager needs: whether the object has ever been
persisted (new), whether it has unpersisted changes (dirty), and how many
holders currently have it checked out.

The object manager owns every resident ManagedObject. Holders receive a pointer
for the duration of a checkout and must release it exactly once.

Each object guards its own state with a mutex, so that holders applying changes
do not contend on the coordinator lock.
*/

////////////////////////////////////////////////////////////////////////////////

// ManagedObject is an in-memory shared object.
type ManagedObject struct {
	mtx sync.Mutex

	id         objectid.ID
	version    uint64
	refs       *objectid.Set
	fields     map[string][]byte
	isNew      bool
	isDirty    bool
	checkouts  int
	lastTx     string
	generation uint64
}

// State is a point-in-time copy of an object's persistent state.
type State struct {
	ID         objectid.ID
	Version    uint64
	References *objectid.Set
	Fields     map[string][]byte
	// Generation identifies the change count at the time of the copy. A flush
	// that completes passes it back to MarkClean.
	Generation uint64
}

// New returns an empty object that has never been persisted.
func New(id objectid.ID) *ManagedObject {
	return &ManagedObject{
		id:      id,
		refs:    objectid.NewSet(),
		fields:  make(map[string][]byte),
		isNew:   true,
		isDirty: true,
	}
}

// Restore builds a clean object from persisted state.
func Restore(state State) *ManagedObject {
	refs := state.References
	if refs == nil {
		refs = objectid.NewSet()
	}
	fields := state.Fields
	if fields == nil {
		fields = make(map[string][]byte)
	}
	return &ManagedObject{
		id:      state.ID,
		version: state.Version,
		refs:    refs.Clone(),
		fields:  maps.Clone(fields),
	}
}

// ID returns the object's identifier.
func (o *ManagedObject) ID() objectid.ID {
	return o.id
}

// Version returns the version of the last applied change.
func (o *ManagedObject) Version() uint64 {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.version
}

// IsNew reports whether the object has never been persisted.
func (o *ManagedObject) IsNew() bool {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.isNew
}

// IsDirty reports whether the object has changes that are not persisted.
func (o *ManagedObject) IsDirty() bool {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.isDirty
}

// References returns a copy of the object's outgoing references.
func (o *ManagedObject) References() *objectid.Set {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.refs.Clone()
}

// Field returns the value of a field.
func (o *ManagedObject) Field(name string) ([]byte, bool) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	v, ok := o.fields[name]
	return v, ok
}

// Fields returns a copy of the object's fields.
func (o *ManagedObject) Fields() map[string][]byte {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return maps.Clone(o.fields)
}

// Generation returns the object's change counter.
func (o *ManagedObject) Generation() uint64 {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.generation
}

// CheckoutCount returns the number of current holders.
func (o *ManagedObject) CheckoutCount() int {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.checkouts
}

// IsCheckedOut reports whether the object has any holder.
func (o *ManagedObject) IsCheckedOut() bool {
	return o.CheckoutCount() > 0
}

// Checkout adds a holder.
func (o *ManagedObject) Checkout() {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.checkouts++
}

// Release removes a holder. Releasing an object with no holders is a
// programming error and panics.
func (o *ManagedObject) Release() {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if o.checkouts <= 0 {
		panic(fmt.Sprintf("managedobject: release of object %s with checkout count %d", o.id, o.checkouts))
	}
	o.checkouts--
}

// Snapshot returns a copy of the object's persistent state.
func (o *ManagedObject) Snapshot() State {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return State{
		ID:         o.id,
		Version:    o.version,
		References: o.refs.Clone(),
		Fields:     maps.Clone(o.fields),
		Generation: o.generation,
	}
}

// MarkClean records that the state captured at generation has been persisted.
// The dirty flag is cleared only if no change was applied since; the new flag
// is always cleared. It reports whether the object is now clean.
func (o *ManagedObject) MarkClean(generation uint64) bool {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.isNew = false
	if o.generation != generation {
		return false
	}
	o.isDirty = false
	return true
}

// MarkDirty forces the object to be written on the next flush.
func (o *ManagedObject) MarkDirty() {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.isDirty = true
	o.generation++
}

func (o *ManagedObject) String() string {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return fmt.Sprintf("object(%s v%d refs=%s checkouts=%d new=%t dirty=%t)",
		o.id, o.version, o.refs, o.checkouts, o.isNew, o.isDirty)
}
