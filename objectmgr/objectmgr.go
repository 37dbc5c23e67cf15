package objectmgr

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/wkalt/objectserver/eviction"
	"github.com/wkalt/objectserver/managedobject"
	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/objectstore"
	"github.com/wkalt/objectserver/util/log"
)

/*
The object manager is the server's cache of shared objects. It presents a
lookup API that completes synchronously for resident objects and
asynchronously for objects that must be loaded, while bounding memory through
eviction, and coordinates with the distributed garbage collector so that no
object is deleted while anyone holds it.

All residency state lives behind one coordinator lock: the table of resident
objects, the set of IDs being loaded, the set being flushed, and the IDs known
to be missing or deleted. Store I/O never happens under the lock. Fault and
flush workers perform it and reapply their results under the lock afterward.

An object moves through these states:

	absent -> faulting -> resident (free <-> checked out)
	resident free -> flushing -> absent, or back to resident if checked out
	resident free -> deleted (garbage collection, terminal)

Checkouts are counted, not exclusive. A flushing object may still be checked
out; the flush then completes but the object stays resident.
*/

////////////////////////////////////////////////////////////////////////////////

const (
	defaultQueueSize     = 1000
	defaultMaxCommitSize = 1000
)

type pendingFault struct {
	waiters []*LookupContext
	// prefetched faults were started without a requester. The eventual
	// lookups are counted as hits since the prefetch counted the miss.
	prefetched bool
}

func (pf *pendingFault) addWaiter(lc *LookupContext) {
	for _, w := range pf.waiters {
		if w == lc {
			return
		}
	}
	pf.waiters = append(pf.waiters, lc)
}

func (pf *pendingFault) removeWaiter(lc *LookupContext) {
	pf.waiters = slices.DeleteFunc(pf.waiters, func(w *LookupContext) bool {
		return w == lc
	})
}

// ObjectManager is the main interface to the objectmgr package.
type ObjectManager struct {
	store objectstore.Store
	conf  config

	mtx      *sync.Mutex
	objects  map[objectid.ID]*managedobject.ManagedObject
	faults   map[objectid.ID]*pendingFault
	flushing *objectid.Set
	missing  *objectid.Set
	deleted  *objectid.Set
	parked   []*LookupContext
	gc       gcState
	stopped  bool
	// changed is closed and replaced whenever checkout, fault or flush state
	// changes.
	changed chan struct{}

	faultq  chan objectid.ID
	flushq  chan *flushTask
	quit    chan struct{}
	workers *sync.WaitGroup

	stopOnce *sync.Once
	stopErr  error
}

// Status summarizes the manager's state.
type Status struct {
	Resident   int    `json:"resident"`
	CheckedOut int    `json:"checkedOut"`
	Faulting   int    `json:"faulting"`
	Flushing   int    `json:"flushing"`
	Missing    int    `json:"missing"`
	Deleted    int    `json:"deleted"`
	Parked     int    `json:"parked"`
	GCPhase    string `json:"gcPhase"`
	Policy     string `json:"policy"`
	Stopped    bool   `json:"stopped"`
}

// NewObjectManager returns a new ObjectManager with running fault and flush
// workers.
func NewObjectManager(ctx context.Context, store objectstore.Store, opts ...Option) (*ObjectManager, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	conf := config{
		faultWorkers:  1,
		flushWorkers:  1,
		queueSize:     defaultQueueSize,
		maxCommitSize: defaultMaxCommitSize,
	}
	for _, opt := range opts {
		opt(&conf)
	}
	if conf.policy == nil {
		conf.policy = eviction.NewLRUPolicy()
	}
	if conf.stats == nil {
		conf.stats = NullStats{}
	}
	if conf.recaller == nil {
		conf.recaller = logRecaller{}
	}
	conf.faultWorkers = max(conf.faultWorkers, 1)
	conf.flushWorkers = max(conf.flushWorkers, 1)
	conf.maxCommitSize = max(conf.maxCommitSize, 1)
	conf.queueSize = max(conf.queueSize, 0)

	om := &ObjectManager{
		store:    store,
		conf:     conf,
		mtx:      &sync.Mutex{},
		objects:  make(map[objectid.ID]*managedobject.ManagedObject),
		faults:   make(map[objectid.ID]*pendingFault),
		flushing: objectid.NewSet(),
		missing:  objectid.NewSet(),
		deleted:  objectid.NewSet(),
		gc:       gcState{phase: PhaseIdle, recalled: objectid.NewSet()},
		changed:  make(chan struct{}),
		faultq:   make(chan objectid.ID, conf.queueSize),
		flushq:   make(chan *flushTask, conf.queueSize),
		quit:     make(chan struct{}),
		workers:  &sync.WaitGroup{},
		stopOnce: &sync.Once{},
	}
	om.spawnWorkers(context.WithoutCancel(ctx))
	return om, nil
}

// CreateObject inserts an object directly into the cache without loading it.
// The object is resident and free afterward.
func (om *ObjectManager) CreateObject(_ context.Context, obj *managedobject.ManagedObject) error {
	om.mtx.Lock()
	defer om.mtx.Unlock()
	if om.stopped {
		return ShutdownError{Op: "create"}
	}
	if err := om.checkCreatable(obj.ID()); err != nil {
		return err
	}
	om.admitNew(obj)
	return nil
}

// CreateNewObjects creates empty objects for ids. Either all are created or
// none are.
func (om *ObjectManager) CreateNewObjects(_ context.Context, ids *objectid.Set) error {
	om.mtx.Lock()
	defer om.mtx.Unlock()
	if om.stopped {
		return ShutdownError{Op: "create"}
	}
	return om.createNewLocked(ids)
}

func (om *ObjectManager) createNewLocked(ids *objectid.Set) error {
	if ids == nil {
		return nil
	}
	var err error
	ids.Each(func(id objectid.ID) bool {
		err = om.checkCreatable(id)
		return err == nil
	})
	if err != nil {
		return err
	}
	ids.Each(func(id objectid.ID) bool {
		om.admitNew(managedobject.New(id))
		return true
	})
	return nil
}

func (om *ObjectManager) checkCreatable(id objectid.ID) error {
	if id.IsNull() {
		return fmt.Errorf("cannot create object with null id")
	}
	if om.deleted.Contains(id) {
		return ObjectExistsError{ID: id, Deleted: true}
	}
	if _, ok := om.objects[id]; ok {
		return ObjectExistsError{ID: id}
	}
	if _, ok := om.faults[id]; ok {
		return ObjectExistsError{ID: id}
	}
	return nil
}

func (om *ObjectManager) admitNew(obj *managedobject.ManagedObject) {
	id := obj.ID()
	om.objects[id] = obj
	om.missing.Remove(id)
	om.conf.policy.Add(id)
	om.conf.stats.OnObjectCreated()
}

// LookupObjectsFor submits a lookup. Resident objects are checked out
// immediately and the rest are loaded asynchronously. It reports whether the
// lookup was fully satisfied before returning.
func (om *ObjectManager) LookupObjectsFor(ctx context.Context, requester string, lc *LookupContext) (bool, error) {
	return om.submit(ctx, requester, lc, 0)
}

// LookupObjectsAndSubObjectsFor is LookupObjectsFor, also resolving outgoing
// references up to maxDepth hops. A negative maxDepth follows references
// without bound.
func (om *ObjectManager) LookupObjectsAndSubObjectsFor(
	ctx context.Context, requester string, lc *LookupContext, maxDepth int,
) (bool, error) {
	return om.submit(ctx, requester, lc, maxDepth)
}

// Lookup looks up ids and blocks until the lookup completes. If ctx ends
// first, or the lookup is abandoned at shutdown, the lookup is cancelled and
// nothing stays checked out.
func (om *ObjectManager) Lookup(ctx context.Context, ids ...objectid.ID) (*LookupContext, error) {
	lc := NewLookupContext(objectid.NewSet(ids...), nil)
	if _, err := om.LookupObjectsFor(ctx, "", lc); err != nil {
		return nil, err
	}
	if err := lc.Wait(ctx); err != nil {
		om.Cancel(ctx, lc, err)
		return nil, err
	}
	return lc, nil
}

// Cancel abandons a submitted lookup whose caller has stopped waiting for it.
// The context completes with err if it had not completed, it is dropped from
// pending loads and garbage collection parking, and every object checked out
// on its behalf is released and removed from its results. The caller must
// not release those objects itself.
func (om *ObjectManager) Cancel(ctx context.Context, lc *LookupContext, err error) {
	om.mtx.Lock()
	lc.abandon(err)
	for _, pf := range om.faults {
		pf.removeWaiter(lc)
	}
	om.parked = slices.DeleteFunc(om.parked, func(p *LookupContext) bool {
		return p == lc
	})
	objs := lc.takeObjects()
	for _, obj := range objs {
		obj.Release()
	}
	om.signal()
	om.mtx.Unlock()
	lc.notify()
	log.Debugw(ctx, "Cancelled lookup", "requester", lc.Requester(), "released", len(objs), "error", err)
}

// GetObjectByID checks out a single object, blocking until it is loaded. The
// caller must release it.
func (om *ObjectManager) GetObjectByID(ctx context.Context, id objectid.ID) (*managedobject.ManagedObject, error) {
	lc, err := om.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	results := lc.Results()
	if err, ok := results.Errors[id]; ok {
		return nil, err
	}
	if results.Missing.Contains(id) {
		return nil, NoSuchObjectError{ID: id}
	}
	return results.Objects[id], nil
}

func (om *ObjectManager) submit(ctx context.Context, requester string, lc *LookupContext, maxDepth int) (bool, error) {
	if lc == nil {
		return false, errors.New("nil lookup context")
	}
	om.mtx.Lock()
	if om.stopped {
		om.mtx.Unlock()
		return false, ShutdownError{Op: "lookup"}
	}
	if err := lc.bind(requester, maxDepth); err != nil {
		om.mtx.Unlock()
		return false, err
	}
	res := newLookupResults()
	faults := om.resolve(lc, lc.RequestedIDs().Slice(), res)
	completed := lc.merge(res)
	om.mtx.Unlock()

	om.enqueueFaults(ctx, faults)
	if completed {
		lc.notify()
	}
	return completed, nil
}

// resolve processes ids for lc, serving resident objects into res and
// registering lc as a waiter on loads. Objects served to a lookup that follows
// references add their references to the work list. It returns the IDs whose
// loads must be enqueued. Called with om.mtx held.
func (om *ObjectManager) resolve(lc *LookupContext, ids []objectid.ID, res *LookupResults) []objectid.ID {
	work := append([]objectid.ID{}, ids...)
	var faults []objectid.ID
	for len(work) > 0 {
		id := work[0]
		work = work[1:]
		if resultHas(res, id) || lc.resolved(id) {
			continue
		}
		if om.gcBlocks(id) {
			if lc.park(id) {
				om.parked = append(om.parked, lc)
			}
			continue
		}
		if lc.isNew(id) {
			if err := om.checkCreatable(id); err == nil {
				om.admitNew(managedobject.New(id))
				lc.markCreated(id)
			} else if om.deleted.Contains(id) {
				om.request(lc, id)
				om.count(lc, id, false)
				res.Errors[id] = err
				continue
			}
		}
		om.request(lc, id)
		if obj, ok := om.objects[id]; ok {
			om.count(lc, id, true)
			work = append(work, om.serve(lc, obj, res)...)
			continue
		}
		if om.deleted.Contains(id) || om.missing.Contains(id) {
			om.count(lc, id, false)
			res.Missing.Add(id)
			continue
		}
		if pf, ok := om.faults[id]; ok {
			om.count(lc, id, pf.prefetched)
			pf.addWaiter(lc)
			continue
		}
		om.count(lc, id, false)
		om.faults[id] = &pendingFault{waiters: []*LookupContext{lc}}
		faults = append(faults, id)
	}
	return faults
}

func resultHas(res *LookupResults, id objectid.ID) bool {
	if _, ok := res.Objects[id]; ok {
		return true
	}
	if _, ok := res.Errors[id]; ok {
		return true
	}
	return res.Missing.Contains(id)
}

// serve checks out obj on behalf of lc and returns references to follow.
func (om *ObjectManager) serve(lc *LookupContext, obj *managedobject.ManagedObject, res *LookupResults) []objectid.ID {
	id := obj.ID()
	obj.Checkout()
	om.conf.policy.Accessed(id)
	res.Objects[id] = obj
	return lc.expand(obj.References(), lc.depthOf(id))
}

func (om *ObjectManager) request(lc *LookupContext, id objectid.ID) {
	if lc.markRequested(id) {
		om.conf.stats.OnLookupRequest()
	}
}

func (om *ObjectManager) count(lc *LookupContext, id objectid.ID, hit bool) {
	if !lc.markCounted(id) {
		return
	}
	if hit {
		om.conf.stats.OnCacheHit()
	} else {
		om.conf.stats.OnCacheMiss()
	}
}

// PreFetchObjectsAndCreate creates newIDs and starts loading any of ids that
// are not resident, without checking anything out. Every prefetched ID is
// counted as a request and a cache miss.
func (om *ObjectManager) PreFetchObjectsAndCreate(ctx context.Context, ids *objectid.Set, newIDs *objectid.Set) error {
	om.mtx.Lock()
	if om.stopped {
		om.mtx.Unlock()
		return ShutdownError{Op: "prefetch"}
	}
	if err := om.createNewLocked(newIDs); err != nil {
		om.mtx.Unlock()
		return err
	}
	var faults []objectid.ID
	if ids != nil {
		ids.Each(func(id objectid.ID) bool {
			if newIDs != nil && newIDs.Contains(id) {
				return true
			}
			om.conf.stats.OnLookupRequest()
			om.conf.stats.OnCacheMiss()
			if _, ok := om.objects[id]; ok {
				return true
			}
			if _, ok := om.faults[id]; ok {
				return true
			}
			if om.missing.Contains(id) || om.deleted.Contains(id) || om.gcBlocks(id) {
				return true
			}
			om.faults[id] = &pendingFault{prefetched: true}
			faults = append(faults, id)
			return true
		})
	}
	om.mtx.Unlock()
	om.enqueueFaults(ctx, faults)
	return nil
}

// Release releases one checkout of obj. See ReleaseAll.
func (om *ObjectManager) Release(ctx context.Context, tx objectstore.Transaction, obj *managedobject.ManagedObject) error {
	return om.ReleaseAll(ctx, tx, []*managedobject.ManagedObject{obj})
}

// ReleaseAll releases one checkout of each object. If tx is a real
// transaction, dirty objects are saved into it and it is committed first, so
// that the release is linked to the commit of the holder's mutations. A failed
// commit still releases the objects, which stay dirty.
func (om *ObjectManager) ReleaseAll(
	ctx context.Context, tx objectstore.Transaction, objs []*managedobject.ManagedObject,
) error {
	if err := om.checkRunning("release"); err != nil {
		return err
	}
	var commitErr error
	if tx != nil {
		if _, ok := tx.(objectstore.NullTransaction); !ok {
			commitErr = om.SaveAndCommit(ctx, tx, objs)
		}
	}
	om.releaseLocked(objs)
	return commitErr
}

// SaveAndCommit saves the dirty objects among objs into tx and commits it,
// marking them clean on success. The objects must be checked out by the
// caller, who still releases them afterward.
func (om *ObjectManager) SaveAndCommit(
	ctx context.Context, tx objectstore.Transaction, objs []*managedobject.ManagedObject,
) error {
	dirty := []*managedobject.ManagedObject{}
	gens := []uint64{}
	for _, obj := range objs {
		if obj.IsDirty() {
			gens = append(gens, obj.Generation())
			dirty = append(dirty, obj)
		}
	}
	if len(dirty) > 0 {
		if err := om.store.SaveAllObjects(ctx, tx, dirty); err != nil {
			tx.Rollback()
			return StoreError{Op: "save", ID: dirty[0].ID(), Err: err}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		id := objectid.Null
		if len(dirty) > 0 {
			id = dirty[0].ID()
		}
		return StoreError{Op: "commit", ID: id, Err: err}
	}
	for i, obj := range dirty {
		obj.MarkClean(gens[i])
	}
	if len(dirty) > 0 {
		om.conf.stats.OnFlushCompleted(len(dirty))
	}
	return nil
}

func (om *ObjectManager) releaseLocked(objs []*managedobject.ManagedObject) {
	om.mtx.Lock()
	defer om.mtx.Unlock()
	for _, obj := range objs {
		if om.objects[obj.ID()] != obj {
			panic(fmt.Sprintf("objectmgr: release of unmanaged object %s", obj.ID()))
		}
	}
	for _, obj := range objs {
		obj.Release()
	}
	om.signal()
}

// IsReferenced reports whether an object is checked out.
func (om *ObjectManager) IsReferenced(id objectid.ID) bool {
	om.mtx.Lock()
	defer om.mtx.Unlock()
	obj, ok := om.objects[id]
	return ok && obj.IsCheckedOut()
}

// CheckedOutCount returns the number of checked-out objects.
func (om *ObjectManager) CheckedOutCount() int {
	om.mtx.Lock()
	defer om.mtx.Unlock()
	n := 0
	for _, obj := range om.objects {
		if obj.IsCheckedOut() {
			n++
		}
	}
	return n
}

// CachedObjectCount returns the number of resident objects.
func (om *ObjectManager) CachedObjectCount() int {
	om.mtx.Lock()
	defer om.mtx.Unlock()
	return len(om.objects)
}

// ObjectIDsInCache returns the IDs of resident objects.
func (om *ObjectManager) ObjectIDsInCache() *objectid.Set {
	om.mtx.Lock()
	defer om.mtx.Unlock()
	ids := objectid.NewSet()
	for id := range om.objects {
		ids.Add(id)
	}
	return ids
}

// AllObjectIDs returns every live object ID, persisted or resident.
func (om *ObjectManager) AllObjectIDs(ctx context.Context) (*objectid.Set, error) {
	persisted, err := om.store.AllObjectIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list persisted objects: %w", err)
	}
	om.mtx.Lock()
	defer om.mtx.Unlock()
	for id := range om.objects {
		persisted.Add(id)
	}
	persisted.RemoveAll(om.deleted)
	return persisted, nil
}

// Status returns a summary of the manager's state.
func (om *ObjectManager) Status() Status {
	om.mtx.Lock()
	defer om.mtx.Unlock()
	checkedOut := 0
	for _, obj := range om.objects {
		if obj.IsCheckedOut() {
			checkedOut++
		}
	}
	return Status{
		Resident:   len(om.objects),
		CheckedOut: checkedOut,
		Faulting:   len(om.faults),
		Flushing:   om.flushing.Len(),
		Missing:    om.missing.Len(),
		Deleted:    om.deleted.Len(),
		Parked:     len(om.parked),
		GCPhase:    om.gc.phase.String(),
		Policy:     om.conf.policy.String(),
		Stopped:    om.stopped,
	}
}

// LookupFacade returns an inspection view of an object without checking it
// out or admitting it to the cache.
func (om *ObjectManager) LookupFacade(ctx context.Context, id objectid.ID) (managedobject.Facade, error) {
	om.mtx.Lock()
	if om.stopped {
		om.mtx.Unlock()
		return managedobject.Facade{}, ShutdownError{Op: "facade"}
	}
	if om.deleted.Contains(id) {
		om.mtx.Unlock()
		return managedobject.Facade{}, NoSuchObjectError{ID: id}
	}
	if obj, ok := om.objects[id]; ok {
		om.mtx.Unlock()
		return obj.Facade(), nil
	}
	om.mtx.Unlock()
	obj, err := om.load(ctx, id)
	if err != nil {
		return managedobject.Facade{}, err
	}
	return obj.Facade(), nil
}

// ObjectReferencesFrom returns the outgoing references of an object without
// checking it out.
func (om *ObjectManager) ObjectReferencesFrom(ctx context.Context, id objectid.ID) (*objectid.Set, error) {
	facade, err := om.LookupFacade(ctx, id)
	if err != nil {
		return nil, err
	}
	return objectid.NewSet(facade.References...), nil
}

// load reads an object from the store without admitting it.
func (om *ObjectManager) load(ctx context.Context, id objectid.ID) (*managedobject.ManagedObject, error) {
	obj, err := om.store.LoadByID(ctx, id)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, NoSuchObjectError{ID: id}
		}
		return nil, StoreError{Op: "load", ID: id, Err: err}
	}
	return obj, nil
}

// NewTransaction starts a store transaction.
func (om *ObjectManager) NewTransaction(ctx context.Context) (objectstore.Transaction, error) {
	if err := om.checkRunning("transaction"); err != nil {
		return nil, err
	}
	tx, err := om.store.NewTransaction(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CreateRoot binds a root name to an object.
func (om *ObjectManager) CreateRoot(ctx context.Context, name string, id objectid.ID) error {
	tx, err := om.NewTransaction(ctx)
	if err != nil {
		return err
	}
	if err := om.store.AddRoot(ctx, tx, name, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to add root %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit root %s: %w", name, err)
	}
	return nil
}

// LookupRootID returns the object bound to a root name. An unbound name
// returns objectid.Null and a RootNotFoundError.
func (om *ObjectManager) LookupRootID(ctx context.Context, name string) (objectid.ID, error) {
	if err := om.checkRunning("root lookup"); err != nil {
		return objectid.Null, err
	}
	id, err := om.store.RootID(ctx, name)
	if err != nil {
		return objectid.Null, fmt.Errorf("failed to look up root %s: %w", name, err)
	}
	return id, nil
}

// Roots returns every root binding.
func (om *ObjectManager) Roots(ctx context.Context) (map[string]objectid.ID, error) {
	if err := om.checkRunning("roots"); err != nil {
		return nil, err
	}
	roots, err := om.store.Roots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read roots: %w", err)
	}
	return roots, nil
}

// Stop shuts the manager down. New operations are refused with a
// ShutdownError, in-flight loads and flushes complete, dirty free objects are
// checkpointed, and lookups parked behind garbage collection complete with a
// ShutdownError. Stop is idempotent.
func (om *ObjectManager) Stop(ctx context.Context) error {
	om.stopOnce.Do(func() {
		om.stopErr = om.shutdown(ctx)
	})
	return om.stopErr
}

func (om *ObjectManager) shutdown(ctx context.Context) error {
	om.mtx.Lock()
	om.stopped = true
	om.signal()
	om.mtx.Unlock()
	log.Infof(ctx, "Stopping object manager")

	if err := om.Drain(ctx); err != nil {
		return fmt.Errorf("failed to drain pipelines: %w", err)
	}
	written, err := om.checkpoint(ctx)
	if err != nil {
		log.Errorw(ctx, "Checkpoint at shutdown failed", "error", err)
	}

	om.mtx.Lock()
	parked := om.parked
	om.parked = nil
	om.gc = gcState{phase: PhaseIdle, recalled: objectid.NewSet()}
	for _, lc := range parked {
		lc.abandon(ShutdownError{Op: "lookup"})
	}
	om.signal()
	om.mtx.Unlock()
	for _, lc := range parked {
		lc.notify()
	}

	close(om.quit)
	om.workers.Wait()
	log.Infow(ctx, "Object manager stopped", "checkpointed", written, "abandoned", len(parked))
	if err != nil {
		return fmt.Errorf("failed to checkpoint: %w", err)
	}
	return nil
}

// Drain blocks until no loads or flushes are in flight.
func (om *ObjectManager) Drain(ctx context.Context) error {
	for {
		om.mtx.Lock()
		idle := len(om.faults) == 0 && om.flushing.IsEmpty()
		ch := om.changed
		om.mtx.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (om *ObjectManager) checkRunning(op string) error {
	om.mtx.Lock()
	defer om.mtx.Unlock()
	if om.stopped {
		return ShutdownError{Op: op}
	}
	return nil
}

// signal wakes everything waiting on a state change. Called with om.mtx held.
func (om *ObjectManager) signal() {
	close(om.changed)
	om.changed = make(chan struct{})
}
