package objectstore

import (
	"errors"
	"fmt"
	"sort"

	"github.com/wkalt/objectserver/managedobject"
	"github.com/wkalt/objectserver/objectid"
	"google.golang.org/protobuf/encoding/protowire"
)

/*
Object payloads are encoded in the protobuf wire format, written directly with
protowire rather than generated code. The message layout is:

	1: id          varint
	2: version     varint
	3: references  packed varint, ascending, delta encoded
	4: field       embedded message { 1: name bytes, 2: value bytes }

Unknown fields are skipped on decode, so fields may be added later.
*/

////////////////////////////////////////////////////////////////////////////////

const (
	fieldID         protowire.Number = 1
	fieldVersion    protowire.Number = 2
	fieldReferences protowire.Number = 3
	fieldField      protowire.Number = 4

	fieldFieldName  protowire.Number = 1
	fieldFieldValue protowire.Number = 2
)

var errMalformedPayload = errors.New("malformed object payload")

// Encode serializes object state.
func Encode(state managedobject.State) []byte {
	buf := []byte{}
	buf = protowire.AppendTag(buf, fieldID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(state.ID))
	buf = protowire.AppendTag(buf, fieldVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, state.Version)

	if state.References != nil && !state.References.IsEmpty() {
		packed := []byte{}
		prev := uint64(0)
		state.References.Each(func(id objectid.ID) bool {
			packed = protowire.AppendVarint(packed, uint64(id)-prev)
			prev = uint64(id)
			return true
		})
		buf = protowire.AppendTag(buf, fieldReferences, protowire.BytesType)
		buf = protowire.AppendBytes(buf, packed)
	}

	names := make([]string, 0, len(state.Fields))
	for name := range state.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry := []byte{}
		entry = protowire.AppendTag(entry, fieldFieldName, protowire.BytesType)
		entry = protowire.AppendString(entry, name)
		entry = protowire.AppendTag(entry, fieldFieldValue, protowire.BytesType)
		entry = protowire.AppendBytes(entry, state.Fields[name])
		buf = protowire.AppendTag(buf, fieldField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, entry)
	}
	return buf
}

// Decode parses object state.
func Decode(data []byte) (managedobject.State, error) {
	state := managedobject.State{
		References: objectid.NewSet(),
		Fields:     map[string][]byte{},
	}
	err := walk(data, func(num protowire.Number, typ protowire.Type, value []byte, v uint64) error {
		switch {
		case num == fieldID && typ == protowire.VarintType:
			state.ID = objectid.ID(v)
		case num == fieldVersion && typ == protowire.VarintType:
			state.Version = v
		case num == fieldReferences && typ == protowire.BytesType:
			prev := uint64(0)
			for len(value) > 0 {
				delta, n := protowire.ConsumeVarint(value)
				if n < 0 {
					return fmt.Errorf("%w: references: %w", errMalformedPayload, protowire.ParseError(n))
				}
				prev += delta
				state.References.Add(objectid.ID(prev))
				value = value[n:]
			}
		case num == fieldField && typ == protowire.BytesType:
			name, fieldValue, err := decodeField(value)
			if err != nil {
				return err
			}
			state.Fields[name] = fieldValue
		}
		return nil
	})
	if err != nil {
		return managedobject.State{}, err
	}
	return state, nil
}

func decodeField(data []byte) (string, []byte, error) {
	var name string
	value := []byte{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldFieldName:
			name = string(b)
		case fieldFieldValue:
			value = append([]byte{}, b...)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return name, value, nil
}

// walk calls f for each top-level field in data. Varint fields are passed in
// v, length-delimited fields in value.
func walk(data []byte, f func(num protowire.Number, typ protowire.Type, value []byte, v uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %w", errMalformedPayload, protowire.ParseError(n))
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("%w: %w", errMalformedPayload, protowire.ParseError(m))
			}
			if err := f(num, typ, nil, v); err != nil {
				return err
			}
			data = data[m:]
		case protowire.BytesType:
			b, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return fmt.Errorf("%w: %w", errMalformedPayload, protowire.ParseError(m))
			}
			if err := f(num, typ, b, 0); err != nil {
				return err
			}
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return fmt.Errorf("%w: %w", errMalformedPayload, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return nil
}
