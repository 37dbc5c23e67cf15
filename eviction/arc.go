package eviction

import (
	"fmt"

	arc "github.com/hashicorp/golang-lru/arc/v2"
	"github.com/wkalt/objectserver/objectid"
)

/*
The ARC policy uses an adaptive replacement cache as its ordering. Objects seen
once are proposed before objects seen repeatedly, oldest first within each
list. The cache is bounded, so under heavy churn some resident objects may fall
out of it; those are proposed last, in ascending ID order.
*/

////////////////////////////////////////////////////////////////////////////////

// ARCPolicy is an adaptive replacement eviction policy.
type ARCPolicy struct {
	cache *arc.ARCCache[objectid.ID, struct{}]
	size  int
}

// NewARCPolicy returns an ARC policy tracking up to size objects.
func NewARCPolicy(size int) (*ARCPolicy, error) {
	cache, err := arc.NewARC[objectid.ID, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create arc cache: %w", err)
	}
	return &ARCPolicy{cache: cache, size: size}, nil
}

// Add records a newly resident object.
func (p *ARCPolicy) Add(id objectid.ID) {
	p.cache.Add(id, struct{}{})
}

// Accessed promotes an object toward the frequent list.
func (p *ARCPolicy) Accessed(id objectid.ID) {
	if _, ok := p.cache.Get(id); !ok {
		p.cache.Add(id, struct{}{})
	}
}

// Remove forgets an object.
func (p *ARCPolicy) Remove(id objectid.ID) {
	p.cache.Remove(id)
}

// SelectEvictionCandidates proposes free objects, recent list first.
func (p *ARCPolicy) SelectEvictionCandidates(free *objectid.Set, residentCount int, target int) []objectid.ID {
	n := evictionCount(free, residentCount, target)
	return selectOrdered(p.cache.Keys(), free, n)
}

func (p *ARCPolicy) String() string {
	return fmt.Sprintf("arc(%d)", p.size)
}
