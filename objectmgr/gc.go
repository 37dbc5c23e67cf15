package objectmgr

import (
	"context"
	"fmt"

	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/util/log"
)

/*
Garbage collection runs as a handshake between the collector and the manager:

	Idle -> PauseRequested -> Paused -> Deleting -> Idle

A pause names the IDs the collector intends to inspect, or every ID. The
manager reaches Paused once none of them is checked out, being loaded, or being
written; while waiting it asks the recaller to release held targets. While
Paused or Deleting, lookups that touch a paused ID are parked and resume when
the cycle ends. Lookups during PauseRequested proceed normally, which may delay
readiness but never starves the collector of a consistent view once paused.
*/

////////////////////////////////////////////////////////////////////////////////

// Phase is a garbage collection phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePauseRequested
	PhasePaused
	PhaseDeleting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePauseRequested:
		return "pause requested"
	case PhasePaused:
		return "paused"
	case PhaseDeleting:
		return "deleting"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type gcState struct {
	phase Phase
	// targets is nil when every object is paused.
	targets *objectid.Set
	// recalled holds targets already passed to the recaller this cycle.
	recalled *objectid.Set
}

// gcBlocks reports whether a lookup of id must wait for the current cycle.
// Called with om.mtx held.
func (om *ObjectManager) gcBlocks(id objectid.ID) bool {
	if om.gc.phase != PhasePaused && om.gc.phase != PhaseDeleting {
		return false
	}
	return om.gc.targets == nil || om.gc.targets.Contains(id)
}

// GCPhase returns the current garbage collection phase.
func (om *ObjectManager) GCPhase() Phase {
	om.mtx.Lock()
	defer om.mtx.Unlock()
	return om.gc.phase
}

// RequestGCPause begins a collection cycle over targets.
func (om *ObjectManager) RequestGCPause(ctx context.Context, targets *objectid.Set) error {
	if targets == nil {
		targets = objectid.NewSet()
	}
	return om.requestPause(ctx, targets.Clone())
}

// RequestGCPauseAll begins a collection cycle over every object.
func (om *ObjectManager) RequestGCPauseAll(ctx context.Context) error {
	return om.requestPause(ctx, nil)
}

func (om *ObjectManager) requestPause(ctx context.Context, targets *objectid.Set) error {
	om.mtx.Lock()
	defer om.mtx.Unlock()
	if om.stopped {
		return ShutdownError{Op: "gc pause"}
	}
	if om.gc.phase != PhaseIdle {
		return ErrGCInProgress
	}
	om.gc = gcState{phase: PhasePauseRequested, targets: targets, recalled: objectid.NewSet()}
	if targets == nil {
		log.Infof(ctx, "Garbage collection pause requested for all objects")
	} else {
		log.Infow(ctx, "Garbage collection pause requested", "targets", targets.Len())
	}
	om.signal()
	return nil
}

// WaitUntilReadyToGC blocks until the manager is paused: no requested object
// is checked out, being loaded, or being written. Targets that are held are
// recalled once per cycle.
func (om *ObjectManager) WaitUntilReadyToGC(ctx context.Context) error {
	for {
		om.mtx.Lock()
		if om.stopped {
			om.mtx.Unlock()
			return ShutdownError{Op: "gc wait"}
		}
		switch om.gc.phase {
		case PhasePaused:
			om.mtx.Unlock()
			return nil
		case PhaseIdle, PhaseDeleting:
			om.mtx.Unlock()
			return ErrNotPaused
		}
		held, busy := om.gcBlockers()
		if held.IsEmpty() && !busy {
			om.gc.phase = PhasePaused
			om.signal()
			om.mtx.Unlock()
			log.Infof(ctx, "Object manager paused for garbage collection")
			return nil
		}
		recall := held.Difference(om.gc.recalled)
		om.gc.recalled.AddAll(recall)
		ch := om.changed
		om.mtx.Unlock()

		if !recall.IsEmpty() {
			om.conf.recaller.Recall(ctx, recall)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("interrupted waiting for gc pause: %w", ctx.Err())
		}
	}
}

// gcBlockers returns paused targets that are checked out, and whether any
// target is being loaded or written. Called with om.mtx held.
func (om *ObjectManager) gcBlockers() (*objectid.Set, bool) {
	held := objectid.NewSet()
	if om.gc.targets == nil {
		for id, obj := range om.objects {
			if obj.IsCheckedOut() {
				held.Add(id)
			}
		}
		return held, len(om.faults) > 0 || !om.flushing.IsEmpty()
	}
	busy := false
	om.gc.targets.Each(func(id objectid.ID) bool {
		if obj, ok := om.objects[id]; ok && obj.IsCheckedOut() {
			held.Add(id)
		}
		if _, ok := om.faults[id]; ok {
			busy = true
		}
		if om.flushing.Contains(id) {
			busy = true
		}
		return true
	})
	return held, busy
}

// InspectReferences returns the outgoing references of an object for the
// collector's mark phase. It requires the manager to be paused, and never
// admits the object to the cache.
func (om *ObjectManager) InspectReferences(ctx context.Context, id objectid.ID) (*objectid.Set, error) {
	om.mtx.Lock()
	if om.gc.phase != PhasePaused {
		om.mtx.Unlock()
		return nil, ErrNotPaused
	}
	if om.deleted.Contains(id) {
		om.mtx.Unlock()
		return nil, NoSuchObjectError{ID: id}
	}
	if obj, ok := om.objects[id]; ok {
		om.mtx.Unlock()
		return obj.References(), nil
	}
	om.mtx.Unlock()
	obj, err := om.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return obj.References(), nil
}

// DeleteGarbage deletes garbage from memory and from the store, ends the
// cycle, and resumes parked lookups. It returns the number of persisted
// objects deleted. The manager must be paused; deleting an ID outside the
// paused targets, or one that is checked out or being written, is a
// programming error.
func (om *ObjectManager) DeleteGarbage(ctx context.Context, garbage *objectid.Set) (int, error) {
	if garbage == nil {
		garbage = objectid.NewSet()
	}
	om.mtx.Lock()
	if om.stopped {
		om.mtx.Unlock()
		return 0, ShutdownError{Op: "delete garbage"}
	}
	if om.gc.phase != PhasePaused {
		om.mtx.Unlock()
		return 0, ErrNotPaused
	}
	if om.gc.targets != nil {
		if outside := garbage.Difference(om.gc.targets); !outside.IsEmpty() {
			om.mtx.Unlock()
			panic(fmt.Sprintf("objectmgr: garbage %s outside paused targets", outside))
		}
	}
	garbage.Each(func(id objectid.ID) bool {
		if obj, ok := om.objects[id]; ok && obj.IsCheckedOut() {
			om.mtx.Unlock()
			panic(fmt.Sprintf("objectmgr: garbage object %s is checked out", id))
		}
		if om.flushing.Contains(id) {
			om.mtx.Unlock()
			panic(fmt.Sprintf("objectmgr: garbage object %s is flushing", id))
		}
		return true
	})
	om.gc.phase = PhaseDeleting
	garbage.Each(func(id objectid.ID) bool {
		if _, ok := om.objects[id]; ok {
			delete(om.objects, id)
			om.conf.policy.Remove(id)
		}
		om.missing.Remove(id)
		return true
	})
	om.deleted.AddAll(garbage)
	om.mtx.Unlock()

	deleted, err := om.deletePersisted(ctx, garbage)
	if err != nil {
		log.Errorw(ctx, "Failed to delete garbage from store", "count", garbage.Len(), "error", err)
	} else {
		log.Infow(ctx, "Deleted garbage", "count", garbage.Len(), "persisted", deleted)
	}
	om.endCycle(ctx)
	return deleted, err
}

func (om *ObjectManager) deletePersisted(ctx context.Context, garbage *objectid.Set) (int, error) {
	if garbage.IsEmpty() {
		return 0, nil
	}
	tx, err := om.store.NewTransaction(ctx)
	if err != nil {
		return 0, StoreError{Op: "delete", ID: garbage.Slice()[0], Err: err}
	}
	n, err := om.store.DeleteAllObjectsByID(ctx, tx, garbage)
	if err != nil {
		tx.Rollback()
		return 0, StoreError{Op: "delete", ID: garbage.Slice()[0], Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, StoreError{Op: "delete", ID: garbage.Slice()[0], Err: err}
	}
	return n, nil
}

// CancelGCPause ends a cycle without deleting anything. It fails once deletion
// has begun.
func (om *ObjectManager) CancelGCPause(ctx context.Context) error {
	om.mtx.Lock()
	switch om.gc.phase {
	case PhaseIdle:
		om.mtx.Unlock()
		return nil
	case PhaseDeleting:
		om.mtx.Unlock()
		return ErrGCInProgress
	}
	om.mtx.Unlock()
	log.Infof(ctx, "Garbage collection pause cancelled")
	om.endCycle(ctx)
	return nil
}

// endCycle returns the manager to Idle and resubmits parked lookups.
func (om *ObjectManager) endCycle(ctx context.Context) {
	om.mtx.Lock()
	om.gc = gcState{phase: PhaseIdle, recalled: objectid.NewSet()}
	parked := om.parked
	om.parked = nil
	var faults []objectid.ID
	var completed []*LookupContext
	for _, lc := range parked {
		ids := lc.takeParked()
		if lc.IsComplete() {
			continue
		}
		if om.stopped {
			if lc.abandon(ShutdownError{Op: "lookup"}) {
				completed = append(completed, lc)
			}
			continue
		}
		res := newLookupResults()
		faults = append(faults, om.resolve(lc, ids, res)...)
		if lc.merge(res) {
			completed = append(completed, lc)
		}
	}
	om.signal()
	om.mtx.Unlock()

	om.enqueueFaults(ctx, faults)
	for _, lc := range completed {
		lc.notify()
	}
}
