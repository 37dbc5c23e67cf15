package objectmgr

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/wkalt/objectserver/managedobject"
	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/objectstore"
	"github.com/wkalt/objectserver/util/log"
)

/*
The fault pipeline loads objects from the store and the flush pipeline writes
objects to it. Both run on worker goroutines fed by channels. A worker performs
its I/O without the coordinator lock, then takes the lock to apply the outcome:
a loaded object becomes resident and its waiters are served, and a flushed
object is marked clean and, if it was flushed for eviction and nobody checked
it out meanwhile, removed from the cache.
*/

////////////////////////////////////////////////////////////////////////////////

type flushTask struct {
	objs  []*managedobject.ManagedObject
	evict bool
	done  chan flushResult
}

type flushResult struct {
	written int
	evicted []objectid.ID
	err     error
}

func (om *ObjectManager) spawnWorkers(ctx context.Context) {
	for i := 0; i < om.conf.faultWorkers; i++ {
		om.workers.Add(1)
		go om.faultWorker(log.AddTags(ctx, "component", "fault worker", "worker", i))
	}
	for i := 0; i < om.conf.flushWorkers; i++ {
		om.workers.Add(1)
		go om.flushWorker(log.AddTags(ctx, "component", "flush worker", "worker", i))
	}
}

func (om *ObjectManager) faultWorker(ctx context.Context) {
	defer om.workers.Done()
	for {
		select {
		case id := <-om.faultq:
			obj, err := om.store.LoadByID(ctx, id)
			if err == nil && obj.ID() != id {
				err = fmt.Errorf("store returned object %s", obj.ID())
			}
			om.completeFault(ctx, id, obj, err, true)
		case <-om.quit:
			return
		}
	}
}

func (om *ObjectManager) flushWorker(ctx context.Context) {
	defer om.workers.Done()
	for {
		select {
		case task := <-om.flushq:
			om.runFlush(ctx, task)
		case <-om.quit:
			return
		}
	}
}

// enqueueFaults hands IDs to the fault workers. The IDs must already be
// registered as pending.
func (om *ObjectManager) enqueueFaults(ctx context.Context, ids []objectid.ID) {
	for _, id := range ids {
		select {
		case om.faultq <- id:
		case <-om.quit:
			om.completeFault(ctx, id, nil, ShutdownError{Op: "fault"}, false)
		}
	}
}

// completeFault applies the outcome of a load. fromWorker is set when called
// on a fault worker, in which case follow-on loads are enqueued from a new
// goroutine so a worker never blocks sending to its own queue.
func (om *ObjectManager) completeFault(
	ctx context.Context, id objectid.ID, obj *managedobject.ManagedObject, err error, fromWorker bool,
) {
	om.mtx.Lock()
	pf, ok := om.faults[id]
	if !ok {
		om.mtx.Unlock()
		panic(fmt.Sprintf("objectmgr: completed fault for %s with no pending fault", id))
	}
	delete(om.faults, id)

	var faults []objectid.ID
	var completed []*LookupContext
	finish := func(lc *LookupContext, res *LookupResults) {
		if lc.merge(res) {
			completed = append(completed, lc)
		}
	}
	switch {
	case err == nil:
		om.objects[id] = obj
		om.conf.policy.Add(id)
		om.conf.stats.OnFaultCompleted(1)
		for _, lc := range pf.waiters {
			// A cancelled or abandoned context would never release.
			if lc.IsComplete() {
				continue
			}
			res := newLookupResults()
			work := om.serve(lc, obj, res)
			faults = append(faults, om.resolve(lc, work, res)...)
			finish(lc, res)
		}
	case errors.Is(err, objectstore.ErrObjectNotFound):
		om.missing.Add(id)
		for _, lc := range pf.waiters {
			res := newLookupResults()
			res.Missing.Add(id)
			finish(lc, res)
		}
	case errors.Is(err, ShutdownError{}):
		for _, lc := range pf.waiters {
			res := newLookupResults()
			res.Errors[id] = err
			finish(lc, res)
		}
	default:
		log.Errorw(ctx, "Failed to load object", "id", id, "error", err)
		serr := StoreError{Op: "load", ID: id, Err: err}
		for _, lc := range pf.waiters {
			res := newLookupResults()
			res.Errors[id] = serr
			finish(lc, res)
		}
	}
	om.signal()
	om.mtx.Unlock()

	if len(faults) > 0 {
		if fromWorker {
			go om.enqueueFaults(ctx, faults)
		} else {
			om.enqueueFaults(ctx, faults)
		}
	}
	for _, lc := range completed {
		lc.notify()
	}
}

// startFlush marks objs flushing and hands them to the flush workers in
// batches. Called with om.mtx held; the returned function sends the batches
// and must be called after the lock is released.
func (om *ObjectManager) startFlush(
	ctx context.Context, objs []*managedobject.ManagedObject, evict bool,
) (send func() []chan flushResult) {
	for _, obj := range objs {
		if !om.flushing.Add(obj.ID()) {
			panic(fmt.Sprintf("objectmgr: object %s is already flushing", obj.ID()))
		}
	}
	tasks := []*flushTask{}
	for i := 0; i < len(objs); i += om.conf.maxCommitSize {
		end := min(i+om.conf.maxCommitSize, len(objs))
		tasks = append(tasks, &flushTask{
			objs:  objs[i:end],
			evict: evict,
			done:  make(chan flushResult, 1),
		})
	}
	return func() []chan flushResult {
		results := make([]chan flushResult, 0, len(tasks))
		for _, task := range tasks {
			select {
			case om.flushq <- task:
			case <-om.quit:
				om.completeFlush(ctx, task, nil, ShutdownError{Op: "flush"})
			}
			results = append(results, task.done)
		}
		return results
	}
}

func (om *ObjectManager) runFlush(ctx context.Context, task *flushTask) {
	gens := make([]uint64, len(task.objs))
	for i, obj := range task.objs {
		gens[i] = obj.Generation()
	}
	err := om.commitObjects(ctx, task.objs)
	if err != nil {
		log.Errorw(ctx, "Failed to flush objects", "count", len(task.objs), "error", err)
	}
	om.completeFlush(ctx, task, gens, err)
}

func (om *ObjectManager) commitObjects(ctx context.Context, objs []*managedobject.ManagedObject) error {
	tx, err := om.store.NewTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	if err := om.store.SaveAllObjects(ctx, tx, objs); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to save objects: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// completeFlush applies a flush outcome. Objects that were checked out or
// modified while being written stay resident.
func (om *ObjectManager) completeFlush(_ context.Context, task *flushTask, gens []uint64, err error) {
	om.mtx.Lock()
	result := flushResult{}
	for i, obj := range task.objs {
		id := obj.ID()
		if !om.flushing.Remove(id) {
			om.mtx.Unlock()
			panic(fmt.Sprintf("objectmgr: completed flush for %s which was not flushing", id))
		}
		if err != nil {
			continue
		}
		obj.MarkClean(gens[i])
		result.written++
		if task.evict && !obj.IsCheckedOut() && !obj.IsDirty() && om.objects[id] == obj {
			delete(om.objects, id)
			om.conf.policy.Remove(id)
			result.evicted = append(result.evicted, id)
		}
	}
	if err != nil && len(task.objs) > 0 {
		result.err = StoreError{Op: "flush", ID: task.objs[0].ID(), Err: err}
	}
	if result.written > 0 {
		om.conf.stats.OnFlushCompleted(result.written)
	}
	om.signal()
	om.mtx.Unlock()
	task.done <- result
}

func awaitFlushes(ctx context.Context, chans []chan flushResult) (flushResult, error) {
	total := flushResult{}
	errs := []error{}
	for _, ch := range chans {
		select {
		case res := <-ch:
			total.written += res.written
			total.evicted = append(total.evicted, res.evicted...)
			if res.err != nil {
				errs = append(errs, res.err)
			}
		case <-ctx.Done():
			return total, fmt.Errorf("interrupted waiting for flush: %w", ctx.Err())
		}
	}
	return total, errors.Join(errs...)
}

// EvictCache runs one eviction pass. The count to evict comes from cs, and
// victims are chosen by the eviction policy among resident objects that are
// free and not being written. Clean victims are dropped immediately and dirty
// ones are flushed first. It returns the evicted IDs in ascending order. While
// garbage collection holds the manager paused, the pass is skipped.
func (om *ObjectManager) EvictCache(ctx context.Context, cs CacheStats) ([]objectid.ID, error) {
	om.mtx.Lock()
	if om.stopped {
		om.mtx.Unlock()
		return nil, ShutdownError{Op: "evict"}
	}
	if om.gc.phase == PhasePaused || om.gc.phase == PhaseDeleting {
		om.mtx.Unlock()
		log.Debugf(ctx, "Skipping eviction during garbage collection")
		return nil, nil
	}
	resident := len(om.objects)
	n := cs.ObjectCountToEvict(resident)
	if n <= 0 {
		om.mtx.Unlock()
		cs.ObjectsEvicted(nil)
		return []objectid.ID{}, nil
	}
	free := om.freeIDs()
	candidates := om.conf.policy.SelectEvictionCandidates(free, resident, resident-n)
	evicted := []objectid.ID{}
	dirty := []*managedobject.ManagedObject{}
	for _, id := range candidates {
		obj, ok := om.objects[id]
		if !ok || obj.IsCheckedOut() {
			continue
		}
		if obj.IsDirty() {
			dirty = append(dirty, obj)
			continue
		}
		delete(om.objects, id)
		om.conf.policy.Remove(id)
		evicted = append(evicted, id)
	}
	send := om.startFlush(ctx, dirty, true)
	om.mtx.Unlock()

	result, err := awaitFlushes(ctx, send())
	evicted = append(evicted, result.evicted...)
	slices.Sort(evicted)
	log.Debugw(ctx, "Eviction pass complete",
		"requested", n, "evicted", len(evicted), "flushed", result.written)
	cs.ObjectsEvicted(evicted)
	return evicted, err
}

// freeIDs returns resident objects that may be evicted or flushed. Called with
// om.mtx held.
func (om *ObjectManager) freeIDs() *objectid.Set {
	free := objectid.NewSet()
	for id, obj := range om.objects {
		if !obj.IsCheckedOut() && !om.flushing.Contains(id) {
			free.Add(id)
		}
	}
	return free
}

// Checkpoint writes every dirty, free resident object to the store without
// evicting it, returning the number written. Objects held by a garbage
// collection pause are skipped until the cycle ends.
func (om *ObjectManager) Checkpoint(ctx context.Context) (int, error) {
	if err := om.checkRunning("checkpoint"); err != nil {
		return 0, err
	}
	return om.checkpoint(ctx)
}

func (om *ObjectManager) checkpoint(ctx context.Context) (int, error) {
	om.mtx.Lock()
	dirty := []*managedobject.ManagedObject{}
	om.freeIDs().Each(func(id objectid.ID) bool {
		// Once stopped, no deletion can begin, so paused objects are safe to
		// write.
		if !om.stopped && om.gcBlocks(id) {
			return true
		}
		if obj := om.objects[id]; obj.IsDirty() {
			dirty = append(dirty, obj)
		}
		return true
	})
	send := om.startFlush(ctx, dirty, false)
	om.mtx.Unlock()
	result, err := awaitFlushes(ctx, send())
	return result.written, err
}
