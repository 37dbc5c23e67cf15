package objectid

import (
	"errors"
	"fmt"
	"strconv"
)

/*
Object IDs identify shared objects across the whole cluster. They are opaque
64-bit values with a total order. The maximum value is reserved to mean "no
reference" and is never assigned to an object.
*/

////////////////////////////////////////////////////////////////////////////////

// ID is an object identifier.
type ID uint64

// Null is the reserved "no reference" value.
const Null = ID(^uint64(0))

// ErrInvalidID is returned when a string cannot be parsed as an object ID.
var ErrInvalidID = errors.New("invalid object id")

// IsNull reports whether the ID is the reserved null reference.
func (id ID) IsNull() bool {
	return id == Null
}

// String returns the decimal form of the ID, or "null".
func (id ID) String() string {
	if id.IsNull() {
		return "null"
	}
	return strconv.FormatUint(uint64(id), 10)
}

// Parse parses the decimal form of an ID.
func Parse(s string) (ID, error) {
	if s == "null" {
		return Null, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %w", ErrInvalidID, s, err)
	}
	return ID(v), nil
}
