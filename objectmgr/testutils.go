package objectmgr

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wkalt/objectserver/managedobject"
	"github.com/wkalt/objectserver/objectid"
	"github.com/wkalt/objectserver/objectstore"
)

// TestStore wraps a store, counting loads and allowing tests to hold or fail
// store I/O.
type TestStore struct {
	objectstore.Store

	mtx       *sync.Mutex
	loads     map[objectid.ID]int
	saves     int
	loadGate  chan struct{}
	saveGate  chan struct{}
	loadErr   error
	saveErr   error
	loadStart chan objectid.ID
}

// NewTestStore wraps store.
func NewTestStore(store objectstore.Store) *TestStore {
	return &TestStore{
		Store:     store,
		mtx:       &sync.Mutex{},
		loads:     make(map[objectid.ID]int),
		loadStart: make(chan objectid.ID, 1000),
	}
}

// LoadByID records the load, then waits for any held gate.
func (s *TestStore) LoadByID(ctx context.Context, id objectid.ID) (*managedobject.ManagedObject, error) {
	s.mtx.Lock()
	s.loads[id]++
	gate := s.loadGate
	err := s.loadErr
	s.mtx.Unlock()
	select {
	case s.loadStart <- id:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return s.Store.LoadByID(ctx, id)
}

// SaveAllObjects records the save, then waits for any held gate.
func (s *TestStore) SaveAllObjects(
	ctx context.Context, tx objectstore.Transaction, objs []*managedobject.ManagedObject,
) error {
	s.mtx.Lock()
	s.saves++
	gate := s.saveGate
	err := s.saveErr
	s.mtx.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return s.Store.SaveAllObjects(ctx, tx, objs)
}

// LoadStarted receives the ID of each load as it begins.
func (s *TestStore) LoadStarted() <-chan objectid.ID {
	return s.loadStart
}

// Loads returns the number of loads issued for id.
func (s *TestStore) Loads(id objectid.ID) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.loads[id]
}

// TotalLoads returns the number of loads issued.
func (s *TestStore) TotalLoads() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n := 0
	for _, c := range s.loads {
		n += c
	}
	return n
}

// Saves returns the number of SaveAllObjects calls.
func (s *TestStore) Saves() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.saves
}

// HoldLoads blocks loads until the returned function is called.
func (s *TestStore) HoldLoads() func() {
	return s.hold(&s.loadGate)
}

// HoldSaves blocks saves until the returned function is called.
func (s *TestStore) HoldSaves() func() {
	return s.hold(&s.saveGate)
}

func (s *TestStore) hold(gate *chan struct{}) func() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ch := make(chan struct{})
	*gate = ch
	once := &sync.Once{}
	return func() {
		once.Do(func() {
			s.mtx.Lock()
			*gate = nil
			s.mtx.Unlock()
			close(ch)
		})
	}
}

// FailLoads makes subsequent loads return err. A nil err clears the failure.
func (s *TestStore) FailLoads(err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.loadErr = err
}

// FailSaves makes subsequent saves return err. A nil err clears the failure.
func (s *TestStore) FailSaves(err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.saveErr = err
}

// Seed commits objects directly to the wrapped store.
func (s *TestStore) Seed(ctx context.Context, tb testing.TB, objs ...*managedobject.ManagedObject) {
	tb.Helper()
	tx, err := s.Store.NewTransaction(ctx)
	require.NoError(tb, err)
	require.NoError(tb, s.Store.SaveAllObjects(ctx, tx, objs))
	require.NoError(tb, tx.Commit(ctx))
}

// TestObjectManager returns a manager over a private in-memory store. The
// returned function stops the manager and closes the store.
func TestObjectManager(ctx context.Context, tb testing.TB, opts ...Option) (*ObjectManager, *TestStore, func()) {
	tb.Helper()
	inner, teardown := objectstore.TestSQLStore(ctx, tb)
	store := NewTestStore(inner)
	om, err := NewObjectManager(ctx, store, opts...)
	require.NoError(tb, err)
	return om, store, func() {
		require.NoError(tb, om.Stop(ctx))
		teardown()
	}
}
