package objectmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wkalt/objectserver/managedobject"
	"github.com/wkalt/objectserver/objectid"
)

/*
A LookupContext is one batched request for objects. The object manager fills it
incrementally: resident objects are served when the lookup is submitted, and
objects that must be faulted in are added as their loads complete. Every ID
ends up in exactly one of three places: the object map (checked out on behalf
of the requester), the missing set, or the error map.

Completion is monotonic. Once every requested ID is resolved, or the manager
shuts down, the context completes and never reverts. Lookups that follow
references may grow the requested set, but only before the context completes.
*/

////////////////////////////////////////////////////////////////////////////////

// LookupResults is a partial or final result of a lookup.
type LookupResults struct {
	Objects map[objectid.ID]*managedobject.ManagedObject
	Missing *objectid.Set
	Errors  map[objectid.ID]error
}

func newLookupResults() *LookupResults {
	return &LookupResults{
		Objects: make(map[objectid.ID]*managedobject.ManagedObject),
		Missing: objectid.NewSet(),
		Errors:  make(map[objectid.ID]error),
	}
}

func (r *LookupResults) empty() bool {
	return len(r.Objects) == 0 && r.Missing.IsEmpty() && len(r.Errors) == 0
}

// ObjectList returns the found objects in ID order.
func (r *LookupResults) ObjectList() []*managedobject.ManagedObject {
	ids := objectid.NewSet()
	for id := range r.Objects {
		ids.Add(id)
	}
	objs := make([]*managedobject.ManagedObject, 0, len(r.Objects))
	ids.Each(func(id objectid.ID) bool {
		objs = append(objs, r.Objects[id])
		return true
	})
	return objs
}

// Err returns the per-ID errors joined, or nil.
func (r *LookupResults) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	ids := objectid.NewSet()
	for id := range r.Errors {
		ids.Add(id)
	}
	errs := make([]error, 0, len(r.Errors))
	ids.Each(func(id objectid.ID) bool {
		errs = append(errs, r.Errors[id])
		return true
	})
	return errors.Join(errs...)
}

// LookupContext is a pending request for a batch of objects.
type LookupContext struct {
	mtx *sync.Mutex

	requester string
	requested *objectid.Set
	newIDs    *objectid.Set
	// depth of each requested ID from the original request.
	depth    map[objectid.ID]int
	maxDepth int
	bound    bool

	results *LookupResults
	// created holds new IDs this context actually created.
	created *objectid.Set
	// requests holds IDs already reported as requests, and counted IDs
	// already reported as hits or misses.
	requests *objectid.Set
	counted  *objectid.Set
	// parked holds IDs waiting for a garbage collection cycle to end.
	parked *objectid.Set

	shutdownErr error
	complete    bool
	notified    bool
	done        chan struct{}
	onComplete  []func(*LookupContext)
}

// NewLookupContext returns a context requesting ids. IDs in newIDs are created
// fresh instead of being loaded; they are added to the requested set.
func NewLookupContext(ids *objectid.Set, newIDs *objectid.Set) *LookupContext {
	if ids == nil {
		ids = objectid.NewSet()
	}
	if newIDs == nil {
		newIDs = objectid.NewSet()
	}
	return &LookupContext{
		mtx:       &sync.Mutex{},
		requested: ids.Union(newIDs),
		newIDs:    newIDs.Clone(),
		depth:     make(map[objectid.ID]int),
		results:   newLookupResults(),
		created:   objectid.NewSet(),
		requests:  objectid.NewSet(),
		counted:   objectid.NewSet(),
		parked:    objectid.NewSet(),
		done:      make(chan struct{}),
	}
}

// OnComplete registers a function to call when the context completes. If the
// context has already completed it is called immediately. Callbacks run
// without any manager lock held.
func (lc *LookupContext) OnComplete(f func(*LookupContext)) {
	lc.mtx.Lock()
	if !lc.notified {
		lc.onComplete = append(lc.onComplete, f)
		lc.mtx.Unlock()
		return
	}
	lc.mtx.Unlock()
	f(lc)
}

// SetResults merges a partial result into the context, completing it if every
// requested ID is now resolved.
func (lc *LookupContext) SetResults(results LookupResults) {
	if lc.merge(&results) {
		lc.notify()
	}
}

// Done returns a channel closed at completion.
func (lc *LookupContext) Done() <-chan struct{} {
	return lc.done
}

// Wait blocks until the context completes or ctx is done.
func (lc *LookupContext) Wait(ctx context.Context) error {
	select {
	case <-lc.done:
		return lc.shutdownError()
	case <-ctx.Done():
		return fmt.Errorf("lookup interrupted: %w", ctx.Err())
	}
}

// IsComplete reports whether the context has completed.
func (lc *LookupContext) IsComplete() bool {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	return lc.complete
}

// Results returns a copy of the results so far.
func (lc *LookupContext) Results() LookupResults {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	out := newLookupResults()
	for id, obj := range lc.results.Objects {
		out.Objects[id] = obj
	}
	out.Missing.AddAll(lc.results.Missing)
	for id, err := range lc.results.Errors {
		out.Errors[id] = err
	}
	return *out
}

// RequestedIDs returns the requested IDs, including any found by following
// references.
func (lc *LookupContext) RequestedIDs() *objectid.Set {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	return lc.requested.Clone()
}

// NewIDs returns the IDs being created by this request.
func (lc *LookupContext) NewIDs() *objectid.Set {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	return lc.newIDs.Clone()
}

// CreatedIDs returns the new IDs that this request created. A new ID that
// already existed is served as a lookup instead and is not included.
func (lc *LookupContext) CreatedIDs() *objectid.Set {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	return lc.created.Clone()
}

// Requester returns the identity supplied with the lookup.
func (lc *LookupContext) Requester() string {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	return lc.requester
}

func (lc *LookupContext) String() string {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	return fmt.Sprintf("lookup(%s requested=%d found=%d missing=%d errors=%d complete=%t)",
		lc.requester, lc.requested.Len(), len(lc.results.Objects), lc.results.Missing.Len(),
		len(lc.results.Errors), lc.complete)
}

func (lc *LookupContext) shutdownError() error {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	return lc.shutdownErr
}

// bind attaches the context to a submission. A context may only be submitted
// once.
func (lc *LookupContext) bind(requester string, maxDepth int) error {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	if lc.bound {
		return errors.New("lookup context already submitted")
	}
	lc.bound = true
	lc.requester = requester
	lc.maxDepth = maxDepth
	lc.requested.Each(func(id objectid.ID) bool {
		lc.depth[id] = 0
		return true
	})
	return nil
}

// expand adds the references of an object found at depth d to the requested
// set, returning the IDs that were not already requested.
func (lc *LookupContext) expand(refs *objectid.Set, d int) []objectid.ID {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	if lc.complete || (lc.maxDepth >= 0 && d >= lc.maxDepth) {
		return nil
	}
	added := []objectid.ID{}
	refs.Each(func(id objectid.ID) bool {
		if id.IsNull() {
			return true
		}
		if lc.requested.Add(id) {
			lc.depth[id] = d + 1
			added = append(added, id)
		}
		return true
	})
	return added
}

func (lc *LookupContext) depthOf(id objectid.ID) int {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	return lc.depth[id]
}

func (lc *LookupContext) isNew(id objectid.ID) bool {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	return lc.newIDs.Contains(id)
}

// resolved reports whether an ID already has an outcome.
func (lc *LookupContext) resolved(id objectid.ID) bool {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	return lc.resolvedLocked(id)
}

func (lc *LookupContext) resolvedLocked(id objectid.ID) bool {
	if _, ok := lc.results.Objects[id]; ok {
		return true
	}
	if _, ok := lc.results.Errors[id]; ok {
		return true
	}
	return lc.results.Missing.Contains(id)
}

func (lc *LookupContext) markCreated(id objectid.ID) {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	lc.created.Add(id)
	lc.requests.Add(id)
	lc.counted.Add(id)
}

// markRequested reports whether the ID had not yet been counted as a request.
func (lc *LookupContext) markRequested(id objectid.ID) bool {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	return lc.requests.Add(id)
}

// markCounted reports whether the ID had not yet been counted.
func (lc *LookupContext) markCounted(id objectid.ID) bool {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	return lc.counted.Add(id)
}

// park records IDs held back by garbage collection. It reports whether the
// context was not already parked.
func (lc *LookupContext) park(id objectid.ID) bool {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	wasEmpty := lc.parked.IsEmpty()
	lc.parked.Add(id)
	return wasEmpty
}

func (lc *LookupContext) takeParked() []objectid.ID {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	ids := lc.parked.Slice()
	lc.parked = objectid.NewSet()
	return ids
}

// merge folds results into the context under its lock. It reports whether
// this merge completed the context; the caller must then call notify without
// holding the manager lock.
func (lc *LookupContext) merge(results *LookupResults) bool {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	if lc.complete {
		return false
	}
	for id, obj := range results.Objects {
		lc.results.Objects[id] = obj
	}
	lc.results.Missing.AddAll(results.Missing)
	for id, err := range results.Errors {
		lc.results.Errors[id] = err
	}
	done := true
	lc.requested.Each(func(id objectid.ID) bool {
		if !lc.resolvedLocked(id) {
			done = false
			return false
		}
		return true
	})
	if done {
		lc.complete = true
	}
	return done
}

// takeObjects removes and returns the objects checked out for the context.
func (lc *LookupContext) takeObjects() []*managedobject.ManagedObject {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	objs := make([]*managedobject.ManagedObject, 0, len(lc.results.Objects))
	for id, obj := range lc.results.Objects {
		objs = append(objs, obj)
		delete(lc.results.Objects, id)
	}
	return objs
}

// abandon completes the context with err regardless of outstanding IDs.
func (lc *LookupContext) abandon(err error) bool {
	lc.mtx.Lock()
	defer lc.mtx.Unlock()
	if lc.complete {
		return false
	}
	lc.shutdownErr = err
	lc.complete = true
	return true
}

func (lc *LookupContext) notify() {
	lc.mtx.Lock()
	if !lc.complete || lc.notified {
		lc.mtx.Unlock()
		return
	}
	lc.notified = true
	callbacks := lc.onComplete
	lc.onComplete = nil
	close(lc.done)
	lc.mtx.Unlock()
	for _, f := range callbacks {
		f(lc)
	}
}
