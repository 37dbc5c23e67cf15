package eviction

import (
	"fmt"

	"github.com/wkalt/objectserver/objectid"
)

/*
Eviction policies decide which resident objects should leave memory. A policy
only observes access events and proposes victims; the object manager owns the
resident set and applies the proposal. Policies never propose an object that is
not in the free set they are handed, so checked-out objects are never selected.

Policies carry their own lock and may be called from any goroutine.
*/

////////////////////////////////////////////////////////////////////////////////

// Policy is an eviction policy.
type Policy interface {
	// Add records that an object became resident.
	Add(id objectid.ID)
	// Accessed records a successful checkout.
	Accessed(id objectid.ID)
	// Remove forgets an object that left memory.
	Remove(id objectid.ID)
	// SelectEvictionCandidates returns at most residentCount-target members
	// of free, least recently accessed first.
	SelectEvictionCandidates(free *objectid.Set, residentCount int, target int) []objectid.ID
	String() string
}

// ByName constructs a policy from its configuration name. Size bounds the
// bookkeeping of policies that need one.
func ByName(name string, size int) (Policy, error) {
	switch name {
	case "null", "none":
		return NewNullPolicy(), nil
	case "lru", "":
		return NewLRUPolicy(), nil
	case "arc":
		return NewARCPolicy(size)
	default:
		return nil, fmt.Errorf("unrecognized eviction policy %q", name)
	}
}

func evictionCount(free *objectid.Set, residentCount int, target int) int {
	if target < 0 {
		target = 0
	}
	n := residentCount - target
	if n <= 0 || free == nil {
		return 0
	}
	return min(n, free.Len())
}

// selectOrdered walks ordered keys, then any free IDs the ordering did not
// cover in ascending order, taking members of free until n are chosen.
func selectOrdered(ordered []objectid.ID, free *objectid.Set, n int) []objectid.ID {
	result := make([]objectid.ID, 0, n)
	if n == 0 {
		return result
	}
	chosen := objectid.NewSet()
	for _, id := range ordered {
		if len(result) == n {
			return result
		}
		if free.Contains(id) && chosen.Add(id) {
			result = append(result, id)
		}
	}
	free.Each(func(id objectid.ID) bool {
		if len(result) == n {
			return false
		}
		if chosen.Add(id) {
			result = append(result, id)
		}
		return true
	})
	return result
}
