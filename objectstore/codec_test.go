package objectstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/objectserver/managedobject"
	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/objectstore"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestCodec(t *testing.T) {
	cases := []struct {
		assertion string
		state     managedobject.State
	}{
		{
			"empty object",
			managedobject.State{ID: 1},
		},
		{
			"references and fields",
			managedobject.State{
				ID:         42,
				Version:    7,
				References: objectid.NewSet(3, 1000, 99),
				Fields: map[string][]byte{
					"name":  []byte("hello"),
					"empty": {},
				},
			},
		},
		{
			"large ids",
			managedobject.State{
				ID:         objectid.ID(1 << 62),
				Version:    1 << 40,
				References: objectid.NewSet(objectid.ID(1<<63), 0),
			},
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			decoded, err := objectstore.Decode(objectstore.Encode(c.state))
			require.NoError(t, err)
			require.Equal(t, c.state.ID, decoded.ID)
			require.Equal(t, c.state.Version, decoded.Version)
			expectedRefs := c.state.References
			if expectedRefs == nil {
				expectedRefs = objectid.NewSet()
			}
			require.Equal(t, expectedRefs.Slice(), decoded.References.Slice())
			expectedFields := c.state.Fields
			if expectedFields == nil {
				expectedFields = map[string][]byte{}
			}
			require.Equal(t, expectedFields, decoded.Fields)
		})
	}
}

func TestCodecEncodingIsDeterministic(t *testing.T) {
	state := managedobject.State{
		ID:     5,
		Fields: map[string][]byte{"a": []byte("1"), "b": []byte("2"), "c": []byte("3")},
	}
	require.Equal(t, objectstore.Encode(state), objectstore.Encode(state))
}

func TestCodecSkipsUnknownFields(t *testing.T) {
	data := objectstore.Encode(managedobject.State{ID: 9, Version: 2})
	data = protowire.AppendTag(data, 15, protowire.Fixed64Type)
	data = protowire.AppendFixed64(data, 12345)
	data = protowire.AppendTag(data, 16, protowire.BytesType)
	data = protowire.AppendString(data, "future")
	state, err := objectstore.Decode(data)
	require.NoError(t, err)
	require.Equal(t, objectid.ID(9), state.ID)
	require.Equal(t, uint64(2), state.Version)
}

func TestCodecRejectsTruncatedInput(t *testing.T) {
	data := objectstore.Encode(managedobject.State{
		ID:     9,
		Fields: map[string][]byte{"name": []byte("a longer value")},
	})
	_, err := objectstore.Decode(data[:len(data)-3])
	require.Error(t, err)
}
