package managedobject

import (
	"github.com/wkalt/objectserver/objectid"
	"golang.org/x/exp/maps"
)

/*
Changes arrive from the transaction layer already decoded into a ChangeSet.
Application is idempotent per transaction and version: a change set whose
version does not advance the object is ignored, so redelivered transactions are
harmless. References are replaced wholesale by the change set's reference set.
*/

////////////////////////////////////////////////////////////////////////////////

// ChangeSet is a decoded set of changes to one object.
type ChangeSet struct {
	TransactionID string
	Version       uint64
	// Fields maps field names to new values. A nil value deletes the field.
	Fields map[string][]byte
	// References is the object's complete set of outgoing references after
	// the change. A nil set leaves the references unchanged.
	References *objectid.Set
}

// ApplyChanges applies a change set and reports whether the object changed.
func (o *ManagedObject) ApplyChanges(cs ChangeSet) bool {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if cs.Version <= o.version {
		return false
	}
	for name, value := range cs.Fields {
		if value == nil {
			delete(o.fields, name)
			continue
		}
		o.fields[name] = append([]byte{}, value...)
	}
	if cs.References != nil {
		refs := cs.References.Clone()
		refs.Remove(objectid.Null)
		o.refs = refs
	}
	o.version = cs.Version
	o.lastTx = cs.TransactionID
	o.isDirty = true
	o.generation++
	return true
}

// Revision is a saved copy of an object's mutable state. The transaction
// layer takes one before applying changes and reverts to it if the changes
// fail to persist.
type Revision struct {
	version uint64
	refs    *objectid.Set
	fields  map[string][]byte
	lastTx  string
	isDirty bool
}

// Revision captures the object's current state.
func (o *ManagedObject) Revision() Revision {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return Revision{
		version: o.version,
		refs:    o.refs.Clone(),
		fields:  maps.Clone(o.fields),
		lastTx:  o.lastTx,
		isDirty: o.isDirty,
	}
}

// Revert restores a revision. The generation still advances, so a write of
// the discarded state cannot mark the object clean.
func (o *ManagedObject) Revert(r Revision) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.version = r.version
	o.refs = r.refs.Clone()
	o.fields = maps.Clone(r.fields)
	o.lastTx = r.lastTx
	o.isDirty = r.isDirty
	o.generation++
}

// LastTransaction returns the ID of the transaction that last changed the
// object.
func (o *ManagedObject) LastTransaction() string {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.lastTx
}

// Facade is a read-only view of an object for inspection.
type Facade struct {
	ID              objectid.ID       `json:"id"`
	Version         uint64            `json:"version"`
	References      []objectid.ID     `json:"references"`
	Fields          map[string][]byte `json:"fields"`
	IsNew           bool              `json:"isNew"`
	IsDirty         bool              `json:"isDirty"`
	CheckoutCount   int               `json:"checkoutCount"`
	LastTransaction string            `json:"lastTransaction,omitempty"`
}

// Facade returns an inspection view of the object.
func (o *ManagedObject) Facade() Facade {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return Facade{
		ID:              o.id,
		Version:         o.version,
		References:      o.refs.Slice(),
		Fields:          maps.Clone(o.fields),
		IsNew:           o.isNew,
		IsDirty:         o.isDirty,
		CheckoutCount:   o.checkouts,
		LastTransaction: o.lastTx,
	}
}
