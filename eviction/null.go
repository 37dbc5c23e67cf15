package eviction

import "github.com/wkalt/objectserver/objectid"

// NullPolicy never evicts. It is used when the whole graph fits in memory or
// persistence is disabled.
type NullPolicy struct{}

// NewNullPolicy returns a policy that never proposes victims.
func NewNullPolicy() *NullPolicy {
	return &NullPolicy{}
}

func (NullPolicy) Add(objectid.ID)      {}
func (NullPolicy) Accessed(objectid.ID) {}
func (NullPolicy) Remove(objectid.ID)   {}

func (NullPolicy) SelectEvictionCandidates(*objectid.Set, int, int) []objectid.ID {
	return nil
}

func (NullPolicy) String() string {
	return "null"
}
