package objectmgr

import (
	"context"
	"sync/atomic"

	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/util/log"
)

/*
Stats listeners observe the manager. They are informational only and are
called with the coordinator lock held, so implementations must not call back
into the manager.
*/

////////////////////////////////////////////////////////////////////////////////

// StatsListener observes cache and pipeline activity.
type StatsListener interface {
	// OnLookupRequest is called once per ID a lookup or prefetch asks for,
	// excluding IDs it creates.
	OnLookupRequest()
	OnCacheHit()
	OnCacheMiss()
	OnObjectCreated()
	OnFaultCompleted(count int)
	OnFlushCompleted(count int)
}

// NullStats discards all events.
type NullStats struct{}

func (NullStats) OnLookupRequest()     {}
func (NullStats) OnCacheHit()          {}
func (NullStats) OnCacheMiss()         {}
func (NullStats) OnObjectCreated()     {}
func (NullStats) OnFaultCompleted(int) {}
func (NullStats) OnFlushCompleted(int) {}

// CountingStats counts events.
type CountingStats struct {
	requests atomic.Int64
	hits     atomic.Int64
	misses   atomic.Int64
	created  atomic.Int64
	faulted  atomic.Int64
	flushed  atomic.Int64
}

// NewCountingStats returns a zeroed counter.
func NewCountingStats() *CountingStats {
	return &CountingStats{}
}

func (s *CountingStats) OnLookupRequest()       { s.requests.Add(1) }
func (s *CountingStats) OnCacheHit()            { s.hits.Add(1) }
func (s *CountingStats) OnCacheMiss()           { s.misses.Add(1) }
func (s *CountingStats) OnObjectCreated()       { s.created.Add(1) }
func (s *CountingStats) OnFaultCompleted(n int) { s.faulted.Add(int64(n)) }
func (s *CountingStats) OnFlushCompleted(n int) { s.flushed.Add(int64(n)) }

// Hits returns the number of lookups served from memory.
func (s *CountingStats) Hits() int64 { return s.hits.Load() }

// Misses returns the number of lookups that required a load.
func (s *CountingStats) Misses() int64 { return s.misses.Load() }

// TotalRequests returns the number of object requests. Once every lookup has
// resolved it equals hits plus misses.
func (s *CountingStats) TotalRequests() int64 { return s.requests.Load() }

// Created returns the number of objects created.
func (s *CountingStats) Created() int64 { return s.created.Load() }

// Faulted returns the number of objects loaded from the store.
func (s *CountingStats) Faulted() int64 { return s.faulted.Load() }

// Flushed returns the number of objects written to the store.
func (s *CountingStats) Flushed() int64 { return s.flushed.Load() }

// HitRatio returns hits over total requests, or zero with no requests.
func (s *CountingStats) HitRatio() float64 {
	total := s.TotalRequests()
	if total == 0 {
		return 0
	}
	return float64(s.Hits()) / float64(total)
}

// Snapshot returns the counters as a value.
func (s *CountingStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:          s.Hits(),
		Misses:        s.Misses(),
		TotalRequests: s.TotalRequests(),
		Created:       s.Created(),
		Faulted:       s.Faulted(),
		Flushed:       s.Flushed(),
		HitRatio:      s.HitRatio(),
	}
}

// StatsSnapshot is a point-in-time copy of CountingStats.
type StatsSnapshot struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	TotalRequests int64   `json:"totalRequests"`
	Created       int64   `json:"created"`
	Faulted       int64   `json:"faulted"`
	Flushed       int64   `json:"flushed"`
	HitRatio      float64 `json:"hitRatio"`
}

// CacheStats drives an eviction pass. It decides how many objects to evict
// given the current resident count, and is told which objects were evicted.
type CacheStats interface {
	ObjectCountToEvict(residentCount int) int
	ObjectsEvicted(ids []objectid.ID)
}

type keepResident struct {
	n int
}

// KeepResident returns CacheStats that evict down to n resident objects.
func KeepResident(n int) CacheStats {
	return keepResident{n: n}
}

func (k keepResident) ObjectCountToEvict(residentCount int) int {
	return max(residentCount-k.n, 0)
}

func (keepResident) ObjectsEvicted([]objectid.ID) {}

// Recaller is asked to release checked-out objects so that garbage collection
// can proceed. A recall is a request; holders release on their own schedule.
type Recaller interface {
	Recall(ctx context.Context, ids *objectid.Set)
}

type logRecaller struct{}

func (logRecaller) Recall(ctx context.Context, ids *objectid.Set) {
	log.Debugw(ctx, "Recall requested with no recaller configured", "ids", ids.String())
}
