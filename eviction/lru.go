package eviction

import (
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/wkalt/objectserver/objectid"
)

/*
The LRU policy tracks recency with a simplelru list. The list is sized so that
it never drops entries on its own: residency is bounded by the object manager,
not by the policy.
*/

////////////////////////////////////////////////////////////////////////////////

// LRUPolicy evicts the least recently accessed free objects first.
type LRUPolicy struct {
	mtx *sync.Mutex
	lru *simplelru.LRU[objectid.ID, struct{}]
}

// NewLRUPolicy returns a new LRU policy.
func NewLRUPolicy() *LRUPolicy {
	lru, err := simplelru.NewLRU[objectid.ID, struct{}](math.MaxInt32, nil)
	if err != nil {
		panic(err) // only on nonpositive size
	}
	return &LRUPolicy{
		mtx: &sync.Mutex{},
		lru: lru,
	}
}

// Add records a newly resident object as most recently used.
func (p *LRUPolicy) Add(id objectid.ID) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.lru.Add(id, struct{}{})
}

// Accessed moves an object to the most recently used position.
func (p *LRUPolicy) Accessed(id objectid.ID) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if _, ok := p.lru.Get(id); !ok {
		p.lru.Add(id, struct{}{})
	}
}

// Remove forgets an object.
func (p *LRUPolicy) Remove(id objectid.ID) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.lru.Remove(id)
}

// SelectEvictionCandidates proposes free objects oldest first.
func (p *LRUPolicy) SelectEvictionCandidates(free *objectid.Set, residentCount int, target int) []objectid.ID {
	n := evictionCount(free, residentCount, target)
	p.mtx.Lock()
	keys := p.lru.Keys()
	p.mtx.Unlock()
	return selectOrdered(keys, free, n)
}

// Len returns the number of tracked objects.
func (p *LRUPolicy) Len() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.lru.Len()
}

func (p *LRUPolicy) String() string {
	return "lru"
}
