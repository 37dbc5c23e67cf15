package txobjmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/wkalt/objectserver/managedobject"
	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/objectmgr"
	"github.com/wkalt/objectserver/objectstore"
	"github.com/wkalt/objectserver/util/log"
)

/*
Package txobjmgr applies client transactions to managed objects. A transaction
checks out every object it touches in one lookup, applies a change set to each,
and commits them through a persistence transaction before releasing them, so
that the changes are durable before anyone else can check the objects out. A
failed commit reverts the objects before they are released.

The package also records recall requests from the object manager. Objects are
only held for the duration of an apply, so a recall is satisfied when the
apply holding the object finishes.
*/

////////////////////////////////////////////////////////////////////////////////

// ObjectManager is the subset of the object manager used to apply
// transactions.
type ObjectManager interface {
	LookupObjectsFor(ctx context.Context, requester string, lc *objectmgr.LookupContext) (bool, error)
	Cancel(ctx context.Context, lc *objectmgr.LookupContext, err error)
	SaveAndCommit(ctx context.Context, tx objectstore.Transaction, objs []*managedobject.ManagedObject) error
	ReleaseAll(ctx context.Context, tx objectstore.Transaction, objs []*managedobject.ManagedObject) error
	NewTransaction(ctx context.Context) (objectstore.Transaction, error)
	CreateRoot(ctx context.Context, name string, id objectid.ID) error
}

// Change is a change to one object.
type Change struct {
	ID      objectid.ID `json:"id"`
	Version uint64      `json:"version"`
	// New creates the object instead of loading it.
	New bool `json:"new,omitempty"`
	// Fields maps field names to values. A null value deletes the field.
	Fields map[string]*string `json:"fields,omitempty"`
	// References replaces the outgoing references when present.
	References *objectid.Set `json:"references,omitempty"`
}

// Transaction is a batch of changes applied atomically with respect to
// checkouts.
type Transaction struct {
	ID      string                 `json:"id"`
	Changes []Change               `json:"changes"`
	Roots   map[string]objectid.ID `json:"roots,omitempty"`
}

// Receipt reports the outcome of an apply.
type Receipt struct {
	TransactionID string        `json:"transactionId"`
	Applied       []objectid.ID `json:"applied"`
	Skipped       []objectid.ID `json:"skipped"`
	Created       []objectid.ID `json:"created"`
}

// MissingObjectsError is returned when a transaction changes objects that do
// not exist.
type MissingObjectsError struct {
	IDs *objectid.Set
}

func (e MissingObjectsError) Error() string {
	return fmt.Sprintf("transaction references missing objects %s", e.IDs)
}

func (e MissingObjectsError) Is(target error) bool {
	_, ok := target.(MissingObjectsError)
	return ok
}

// Manager applies transactions.
type Manager struct {
	om      ObjectManager
	recalls *RecallLog

	mtx  *sync.Mutex
	held map[string]*objectid.Set
}

// NewManager returns a manager applying transactions through om. Recalls
// recorded in recalls are cleared as applies release their objects.
func NewManager(om ObjectManager, recalls *RecallLog) *Manager {
	if recalls == nil {
		recalls = NewRecallLog()
	}
	return &Manager{
		om:      om,
		recalls: recalls,
		mtx:     &sync.Mutex{},
		held:    make(map[string]*objectid.Set),
	}
}

// Apply applies a transaction. Changes whose version does not advance an
// object are skipped, so redelivery is harmless. If any changed object is
// missing or fails to load, nothing is applied. If the changes fail to
// commit, the objects are reverted before they are released.
func (m *Manager) Apply(ctx context.Context, tx Transaction) (Receipt, error) {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	ctx = log.AddTags(ctx, "tx", tx.ID)
	ids := objectid.NewSet()
	newIDs := objectid.NewSet()
	for _, change := range tx.Changes {
		if change.ID.IsNull() {
			return Receipt{}, errors.New("change to null object id")
		}
		if !ids.Add(change.ID) {
			return Receipt{}, fmt.Errorf("duplicate change to object %s", change.ID)
		}
		if change.New {
			newIDs.Add(change.ID)
		}
	}

	objs, created, err := m.checkout(ctx, tx.ID, ids.Difference(newIDs), newIDs)
	if err != nil {
		return Receipt{}, err
	}
	receipt := Receipt{
		TransactionID: tx.ID,
		Applied:       []objectid.ID{},
		Skipped:       []objectid.ID{},
		Created:       created.Slice(),
	}
	held := make([]*managedobject.ManagedObject, 0, len(objs))
	revisions := make([]managedobject.Revision, 0, len(objs))
	for _, change := range tx.Changes {
		obj := objs[change.ID]
		held = append(held, obj)
		revisions = append(revisions, obj.Revision())
		if obj.ApplyChanges(changeSet(tx.ID, change)) {
			receipt.Applied = append(receipt.Applied, change.ID)
		} else {
			receipt.Skipped = append(receipt.Skipped, change.ID)
		}
	}
	revert := func() {
		for i, obj := range held {
			obj.Revert(revisions[i])
		}
	}

	ptx, err := m.om.NewTransaction(ctx)
	if err != nil {
		revert()
		return Receipt{}, errors.Join(err, m.release(ctx, tx.ID, ids, held))
	}
	if err := m.om.SaveAndCommit(ctx, ptx, held); err != nil {
		log.Errorw(ctx, "Failed to commit transaction, reverting", "objects", len(held), "error", err)
		revert()
		return Receipt{}, errors.Join(
			fmt.Errorf("failed to commit transaction %s: %w", tx.ID, err),
			m.release(ctx, tx.ID, ids, held),
		)
	}
	if err := m.release(ctx, tx.ID, ids, held); err != nil {
		return Receipt{}, err
	}
	for name, id := range tx.Roots {
		if err := m.om.CreateRoot(ctx, name, id); err != nil {
			return receipt, err
		}
	}
	log.Debugw(ctx, "Applied transaction",
		"applied", len(receipt.Applied), "skipped", len(receipt.Skipped), "created", len(receipt.Created))
	return receipt, nil
}

// checkout checks out every object the transaction touches, returning them
// with the IDs the lookup created.
func (m *Manager) checkout(
	ctx context.Context, txid string, ids *objectid.Set, newIDs *objectid.Set,
) (map[objectid.ID]*managedobject.ManagedObject, *objectid.Set, error) {
	lc := objectmgr.NewLookupContext(ids, newIDs)
	if _, err := m.om.LookupObjectsFor(ctx, "tx:"+txid, lc); err != nil {
		return nil, nil, fmt.Errorf("failed to look up objects: %w", err)
	}
	if err := lc.Wait(ctx); err != nil {
		m.om.Cancel(ctx, lc, err)
		return nil, nil, err
	}
	results := lc.Results()
	if len(results.Errors) > 0 || !results.Missing.IsEmpty() {
		releaseErr := m.om.ReleaseAll(ctx, nil, results.ObjectList())
		if err := results.Err(); err != nil {
			return nil, nil, errors.Join(err, releaseErr)
		}
		return nil, nil, errors.Join(MissingObjectsError{IDs: results.Missing}, releaseErr)
	}
	m.mtx.Lock()
	m.held[txid] = lc.RequestedIDs()
	m.mtx.Unlock()
	return results.Objects, lc.CreatedIDs(), nil
}

func (m *Manager) release(
	ctx context.Context, txid string, ids *objectid.Set, objs []*managedobject.ManagedObject,
) error {
	err := m.om.ReleaseAll(ctx, objectstore.NullTransaction{}, objs)
	m.mtx.Lock()
	delete(m.held, txid)
	m.mtx.Unlock()
	if n := m.recalls.satisfy(ids); n > 0 {
		log.Infow(ctx, "Released recalled objects", "count", n)
	}
	return err
}

// Held returns the IDs checked out by in-flight applies.
func (m *Manager) Held() *objectid.Set {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	ids := objectid.NewSet()
	for _, held := range m.held {
		ids.AddAll(held)
	}
	return ids
}

func changeSet(txid string, change Change) managedobject.ChangeSet {
	var fields map[string][]byte
	if change.Fields != nil {
		fields = make(map[string][]byte, len(change.Fields))
		for name, value := range change.Fields {
			if value == nil {
				fields[name] = nil
				continue
			}
			fields[name] = []byte(*value)
		}
	}
	return managedobject.ChangeSet{
		TransactionID: txid,
		Version:       change.Version,
		Fields:        fields,
		References:    change.References,
	}
}
