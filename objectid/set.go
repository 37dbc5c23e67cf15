package objectid

import (
	"strings"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/goccy/go-json"
)

/*
Set is an ordered set of object IDs, stored as a 64-bit roaring bitmap. Object
IDs are allocated densely by the cluster so runs compress well, and the set
operations the coordinator and the garbage collector need (union, difference,
membership) are cheap on the bitmap representation.

A Set is not safe for concurrent use.
*/

////////////////////////////////////////////////////////////////////////////////

// Set is an ordered set of IDs.
type Set struct {
	bm *roaring64.Bitmap
}

// NewSet returns a set containing the supplied IDs.
func NewSet(ids ...ID) *Set {
	s := &Set{bm: roaring64.New()}
	for _, id := range ids {
		s.bm.Add(uint64(id))
	}
	return s
}

// Range returns the set [begin, end).
func Range(begin, end ID) *Set {
	s := NewSet()
	if end > begin {
		s.bm.AddRange(uint64(begin), uint64(end))
	}
	return s
}

// Add inserts an ID. It reports whether the ID was newly added.
func (s *Set) Add(id ID) bool {
	return s.bm.CheckedAdd(uint64(id))
}

// AddAll inserts every ID of other.
func (s *Set) AddAll(other *Set) {
	if other == nil {
		return
	}
	s.bm.Or(other.bm)
}

// Remove deletes an ID. It reports whether the ID was present.
func (s *Set) Remove(id ID) bool {
	return s.bm.CheckedRemove(uint64(id))
}

// RemoveAll deletes every ID of other.
func (s *Set) RemoveAll(other *Set) {
	if other == nil {
		return
	}
	s.bm.AndNot(other.bm)
}

// Contains reports whether the ID is in the set.
func (s *Set) Contains(id ID) bool {
	return s.bm.Contains(uint64(id))
}

// Len returns the number of IDs in the set.
func (s *Set) Len() int {
	return int(s.bm.GetCardinality())
}

// IsEmpty reports whether the set has no members.
func (s *Set) IsEmpty() bool {
	return s.bm.IsEmpty()
}

// Slice returns the members in ascending order.
func (s *Set) Slice() []ID {
	ids := make([]ID, 0, s.Len())
	s.Each(func(id ID) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Each calls f for every member in ascending order until f returns false.
func (s *Set) Each(f func(ID) bool) {
	it := s.bm.Iterator()
	for it.HasNext() {
		if !f(ID(it.Next())) {
			return
		}
	}
}

// Clone returns a copy of the set.
func (s *Set) Clone() *Set {
	return &Set{bm: s.bm.Clone()}
}

// Union returns a new set holding the members of both sets.
func (s *Set) Union(other *Set) *Set {
	out := s.Clone()
	out.AddAll(other)
	return out
}

// Intersect returns a new set holding the members common to both sets.
func (s *Set) Intersect(other *Set) *Set {
	out := s.Clone()
	if other == nil {
		return NewSet()
	}
	out.bm.And(other.bm)
	return out
}

// Difference returns a new set holding the members of s not in other.
func (s *Set) Difference(other *Set) *Set {
	out := s.Clone()
	out.RemoveAll(other)
	return out
}

// Intersects reports whether the sets share any member.
func (s *Set) Intersects(other *Set) bool {
	if other == nil {
		return false
	}
	return s.bm.Intersects(other.bm)
}

// Equal reports whether both sets have the same members.
func (s *Set) Equal(other *Set) bool {
	if other == nil {
		return s.IsEmpty()
	}
	if s.Len() != other.Len() {
		return false
	}
	return s.Difference(other).IsEmpty()
}

// String renders the set as "{1, 2, 3}".
func (s *Set) String() string {
	sb := &strings.Builder{}
	sb.WriteString("{")
	first := true
	s.Each(func(id ID) bool {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(id.String())
		return true
	})
	sb.WriteString("}")
	return sb.String()
}

// MarshalJSON encodes the set as an ascending array.
func (s *Set) MarshalJSON() ([]byte, error) {
	ids := make([]uint64, 0, s.Len())
	s.Each(func(id ID) bool {
		ids = append(ids, uint64(id))
		return true
	})
	return json.Marshal(ids)
}

// UnmarshalJSON decodes an array of IDs.
func (s *Set) UnmarshalJSON(data []byte) error {
	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	s.bm = roaring64.New()
	for _, id := range ids {
		s.bm.Add(id)
	}
	return nil
}
