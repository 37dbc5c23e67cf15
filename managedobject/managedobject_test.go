package managedobject_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wkalt/objectserver/managedobject"
	"github.com/wkalt/objectserver/objectid"
)

func TestCheckoutRelease(t *testing.T) {
	t.Run("balanced checkouts", func(t *testing.T) {
		o := managedobject.New(1)
		o.Checkout()
		o.Checkout()
		require.Equal(t, 2, o.CheckoutCount())
		o.Release()
		o.Release()
		require.Equal(t, 0, o.CheckoutCount())
		require.False(t, o.IsCheckedOut())
	})
	t.Run("release below zero panics", func(t *testing.T) {
		o := managedobject.New(1)
		require.Panics(t, o.Release)
	})
	t.Run("concurrent checkouts", func(t *testing.T) {
		o := managedobject.New(1)
		wg := &sync.WaitGroup{}
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.Checkout()
				o.Release()
			}()
		}
		wg.Wait()
		require.Equal(t, 0, o.CheckoutCount())
	})
}

func TestApplyChanges(t *testing.T) {
	cases := []struct {
		assertion string
		changes   []managedobject.ChangeSet
		applied   []bool
		version   uint64
		refs      []objectid.ID
		fields    map[string][]byte
	}{
		{
			"single change",
			[]managedobject.ChangeSet{
				{TransactionID: "a", Version: 1, Fields: map[string][]byte{"x": []byte("1")}, References: objectid.NewSet(2, 3)},
			},
			[]bool{true},
			1,
			[]objectid.ID{2, 3},
			map[string][]byte{"x": []byte("1")},
		},
		{
			"redelivery is ignored",
			[]managedobject.ChangeSet{
				{TransactionID: "a", Version: 1, Fields: map[string][]byte{"x": []byte("1")}},
				{TransactionID: "a", Version: 1, Fields: map[string][]byte{"x": []byte("2")}},
			},
			[]bool{true, false},
			1,
			[]objectid.ID{},
			map[string][]byte{"x": []byte("1")},
		},
		{
			"stale version is ignored",
			[]managedobject.ChangeSet{
				{TransactionID: "b", Version: 5, Fields: map[string][]byte{"x": []byte("5")}},
				{TransactionID: "a", Version: 4, Fields: map[string][]byte{"x": []byte("4")}},
			},
			[]bool{true, false},
			5,
			[]objectid.ID{},
			map[string][]byte{"x": []byte("5")},
		},
		{
			"references are replaced not merged",
			[]managedobject.ChangeSet{
				{TransactionID: "a", Version: 1, References: objectid.NewSet(1, 2)},
				{TransactionID: "b", Version: 2, References: objectid.NewSet(3)},
			},
			[]bool{true, true},
			2,
			[]objectid.ID{3},
			map[string][]byte{},
		},
		{
			"nil references leave references alone",
			[]managedobject.ChangeSet{
				{TransactionID: "a", Version: 1, References: objectid.NewSet(1, 2)},
				{TransactionID: "b", Version: 2, Fields: map[string][]byte{"y": []byte("y")}},
			},
			[]bool{true, true},
			2,
			[]objectid.ID{1, 2},
			map[string][]byte{"y": []byte("y")},
		},
		{
			"null reference is dropped",
			[]managedobject.ChangeSet{
				{TransactionID: "a", Version: 1, References: objectid.NewSet(1, objectid.Null)},
			},
			[]bool{true},
			1,
			[]objectid.ID{1},
			map[string][]byte{},
		},
		{
			"nil field value deletes",
			[]managedobject.ChangeSet{
				{TransactionID: "a", Version: 1, Fields: map[string][]byte{"x": []byte("1"), "y": []byte("2")}},
				{TransactionID: "b", Version: 2, Fields: map[string][]byte{"x": nil}},
			},
			[]bool{true, true},
			2,
			[]objectid.ID{},
			map[string][]byte{"y": []byte("2")},
		},
	}
	for _, c := range cases {
		t.Run(c.assertion, func(t *testing.T) {
			o := managedobject.Restore(managedobject.State{ID: 10})
			require.False(t, o.IsDirty())
			for i, cs := range c.changes {
				require.Equal(t, c.applied[i], o.ApplyChanges(cs))
			}
			require.Equal(t, c.version, o.Version())
			require.Equal(t, c.refs, o.References().Slice())
			require.Equal(t, c.fields, o.Fields())
			require.True(t, o.IsDirty())
		})
	}
}

func TestRevert(t *testing.T) {
	o := managedobject.New(1)
	o.ApplyChanges(managedobject.ChangeSet{
		TransactionID: "a", Version: 1, Fields: map[string][]byte{"x": []byte("1")}, References: objectid.NewSet(2),
	})
	require.True(t, o.MarkClean(o.Generation()))

	rev := o.Revision()
	o.ApplyChanges(managedobject.ChangeSet{
		TransactionID: "b", Version: 2, Fields: map[string][]byte{"x": nil, "y": []byte("2")}, References: objectid.NewSet(3),
	})
	gen := o.Generation()
	o.Revert(rev)

	assert.Equal(t, uint64(1), o.Version())
	assert.Equal(t, map[string][]byte{"x": []byte("1")}, o.Fields())
	assert.Equal(t, []objectid.ID{2}, o.References().Slice())
	assert.Equal(t, "a", o.LastTransaction())
	assert.False(t, o.IsDirty())

	t.Run("a write of the discarded state does not mark the object clean", func(t *testing.T) {
		o.MarkDirty()
		dirty := o.Revision()
		o.ApplyChanges(managedobject.ChangeSet{TransactionID: "c", Version: 3})
		o.Revert(dirty)
		require.False(t, o.MarkClean(gen))
		require.True(t, o.IsDirty())
	})
	t.Run("a reverted change can be applied again", func(t *testing.T) {
		require.True(t, o.ApplyChanges(managedobject.ChangeSet{TransactionID: "b", Version: 2}))
	})
}

func TestMarkClean(t *testing.T) {
	t.Run("clean after persist", func(t *testing.T) {
		o := managedobject.New(1)
		require.True(t, o.IsNew())
		state := o.Snapshot()
		require.True(t, o.MarkClean(state.Generation))
		assert.False(t, o.IsNew())
		assert.False(t, o.IsDirty())
	})
	t.Run("change during flush keeps the object dirty", func(t *testing.T) {
		o := managedobject.New(1)
		state := o.Snapshot()
		o.ApplyChanges(managedobject.ChangeSet{TransactionID: "a", Version: 1})
		require.False(t, o.MarkClean(state.Generation))
		assert.False(t, o.IsNew())
		assert.True(t, o.IsDirty())
	})
}

func TestSnapshotIsolation(t *testing.T) {
	o := managedobject.New(1)
	o.ApplyChanges(managedobject.ChangeSet{
		TransactionID: "a",
		Version:       1,
		Fields:        map[string][]byte{"x": []byte("1")},
		References:    objectid.NewSet(2),
	})
	state := o.Snapshot()
	state.Fields["x"] = []byte("changed")
	state.References.Add(5)
	v, ok := o.Field("x")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
	require.Equal(t, []objectid.ID{2}, o.References().Slice())

	restored := managedobject.Restore(o.Snapshot())
	require.Equal(t, o.Fields(), restored.Fields())
	require.Equal(t, o.Version(), restored.Version())
	require.False(t, restored.IsNew())
}

func TestFacade(t *testing.T) {
	o := managedobject.New(7)
	o.ApplyChanges(managedobject.ChangeSet{TransactionID: "tx", Version: 3, References: objectid.NewSet(9, 8)})
	o.Checkout()
	f := o.Facade()
	require.Equal(t, managedobject.Facade{
		ID:              7,
		Version:         3,
		References:      []objectid.ID{8, 9},
		Fields:          map[string][]byte{},
		IsNew:           true,
		IsDirty:         true,
		CheckoutCount:   1,
		LastTransaction: "tx",
	}, f)
}
