package txobjmgr

import (
	"context"
	"sync"

	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/util/log"
)

// RecallLog records recall requests from the object manager. It implements
// objectmgr.Recaller.
type RecallLog struct {
	mtx     *sync.Mutex
	pending *objectid.Set
	total   int
}

// NewRecallLog returns an empty recall log.
func NewRecallLog() *RecallLog {
	return &RecallLog{
		mtx:     &sync.Mutex{},
		pending: objectid.NewSet(),
	}
}

// Recall records a request to release ids.
func (r *RecallLog) Recall(ctx context.Context, ids *objectid.Set) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.pending.AddAll(ids)
	r.total += ids.Len()
	log.Infow(ctx, "Recall requested", "count", ids.Len(), "pending", r.pending.Len())
}

// Pending returns recalled IDs not yet released by an apply.
func (r *RecallLog) Pending() *objectid.Set {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.pending.Clone()
}

// Total returns the number of IDs ever recalled.
func (r *RecallLog) Total() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.total
}

// satisfy clears released IDs, returning how many were pending.
func (r *RecallLog) satisfy(ids *objectid.Set) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	n := r.pending.Intersect(ids).Len()
	r.pending.RemoveAll(ids)
	return n
}
