package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/nodecache/pkg/classregistry"
	"github.com/latticedb/nodecache/pkg/config"
	"github.com/latticedb/nodecache/pkg/entry"
	"github.com/latticedb/nodecache/pkg/queue"
	"github.com/latticedb/nodecache/pkg/table"
	"github.com/latticedb/nodecache/pkg/txn"
	"github.com/latticedb/nodecache/pkg/wire"
)

// fakeServer is a configurable double for store.ServerClient and
// queue.ServerClient, so a Store can be exercised end to end without a
// real wire connection.
type fakeServer struct {
	mu sync.Mutex

	objects     map[entry.OID]wire.GetObjectResponse
	bindings    map[string]wire.GetBindingResponse
	nextNames   map[string]wire.NextBoundNameResponse

	getObjectCalls       atomic.Int32
	getObjectUpdateCalls atomic.Int32
	getBindingCalls      atomic.Int32
	commits              []wire.CommitWrite
	lastContextID        wire.ContextID

	// commitGate, when non-nil, blocks Commit until the test closes it,
	// so a test can observe state while a commit is in flight.
	commitGate chan struct{}
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		objects:   make(map[entry.OID]wire.GetObjectResponse),
		bindings:  make(map[string]wire.GetBindingResponse),
		nextNames: make(map[string]wire.NextBoundNameResponse),
	}
}

func (f *fakeServer) GetObject(ctx context.Context, oid entry.OID) (wire.GetObjectResponse, error) {
	f.getObjectCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[oid], nil
}

func (f *fakeServer) GetObjectForUpdate(ctx context.Context, oid entry.OID) (wire.GetObjectForUpdateResponse, error) {
	f.getObjectUpdateCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := f.objects[oid]
	return wire.GetObjectForUpdateResponse{Found: resp.Found, Data: resp.Data}, nil
}

func (f *fakeServer) UpgradeObject(ctx context.Context, oid entry.OID) (wire.UpgradeObjectResponse, error) {
	return wire.UpgradeObjectResponse{}, nil
}

func (f *fakeServer) GetBinding(ctx context.Context, name entry.BindingKey) (wire.GetBindingResponse, error) {
	f.getBindingCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if resp, ok := f.bindings[name.String()]; ok {
		return resp, nil
	}
	return wire.GetBindingResponse{Found: false}, nil
}

func (f *fakeServer) GetBindingForUpdate(ctx context.Context, name entry.BindingKey) (wire.GetBindingForUpdateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := f.bindings[name.String()]
	return wire.GetBindingForUpdateResponse{Found: resp.Found, OID: resp.OID, NextName: resp.NextName}, nil
}

func (f *fakeServer) NextBoundName(ctx context.Context, name entry.BindingKey) (wire.NextBoundNameResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextNames[name.String()], nil
}

func (f *fakeServer) NewObjectIDs(ctx context.Context, batchSize int) (uint64, int, error) {
	return 1, batchSize, nil
}

func (f *fakeServer) Commit(ctx context.Context, contextID wire.ContextID, writes []wire.CommitWrite) error {
	if f.commitGate != nil {
		<-f.commitGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastContextID = contextID
	f.commits = append(f.commits, writes...)
	for _, w := range writes {
		if w.IsBinding {
			f.bindings[wire.WireKeyToBindingKey(w.Name).String()] = wire.GetBindingResponse{Found: !w.Tombstone, OID: w.BoundOID}
		} else {
			f.objects[w.OID] = wire.GetObjectResponse{Found: !w.Tombstone, Data: w.Data}
		}
	}
	return nil
}

func (f *fakeServer) EvictObject(ctx context.Context, oid entry.OID) error             { return nil }
func (f *fakeServer) EvictBinding(ctx context.Context, key entry.BindingKey) error     { return nil }
func (f *fakeServer) DowngradeObject(ctx context.Context, oid entry.OID) error         { return nil }
func (f *fakeServer) DowngradeBinding(ctx context.Context, key entry.BindingKey) error { return nil }

type nullFetcher struct{}

func (nullFetcher) GetClassID(ctx context.Context, descriptor []byte) (uint64, error) { return 0, nil }
func (nullFetcher) GetClassInfo(ctx context.Context, classID uint64) ([]byte, error)  { return nil, nil }

func testConfig() config.Config {
	return config.Config{
		CacheSize:         1000,
		NumLocks:          8,
		LockTimeout:       5 * time.Millisecond,
		RetryWait:         time.Millisecond,
		MaxRetry:          50 * time.Millisecond,
		UpdateQueueSize:   100,
		ObjectIDBatchSize: 50,
	}
}

func newTestStore(t *testing.T) (*Store, *fakeServer) {
	t.Helper()
	server := newFakeServer()
	return newTestStoreWithServer(t, server), server
}

// newTestStoreWithServer builds a Store with its own table, update
// queue, and class registry against an already-constructed fakeServer,
// so two independent Stores can be made to observe the same
// authoritative state (e.g. to exercise a commit's round trip through
// the server to a second node).
func newTestStoreWithServer(t *testing.T, server *fakeServer) *Store {
	t.Helper()
	cfg := testConfig()
	tb := table.New(cfg, nil, nil, nil)
	q := queue.New(cfg, server, nil, nil, nil)
	q.Start()
	t.Cleanup(q.Stop)
	classes, err := classregistry.New(nullFetcher{}, 16)
	require.NoError(t, err)

	return New(cfg, tb, server, q, classes, txn.NewManager(), nil, nil)
}

func newTxnCtx() *txn.Context {
	return &txn.Context{ID: "t1", ContextID: 1, StopTime: time.Now().Add(2 * time.Second)}
}

func TestGetObjectFetchesOnMissThenServesFromCache(t *testing.T) {
	s, server := newTestStore(t)
	server.objects[entry.OID(1)] = wire.GetObjectResponse{Found: true, Data: []byte("v1")}

	tc := newTxnCtx()
	val, err := s.GetObject(context.Background(), tc, entry.OID(1), false)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)

	val2, err := s.GetObject(context.Background(), tc, entry.OID(1), false)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val2)
	assert.Equal(t, int32(1), server.getObjectCalls.Load(), "second read must be served from cache")
}

func TestGetObjectMissingReturnsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	tc := newTxnCtx()
	_, err := s.GetObject(context.Background(), tc, entry.OID(404), false)
	assert.Error(t, err)
}

func TestSetObjectThenGetObjectSameTransactionSeesWrite(t *testing.T) {
	s, server := newTestStore(t)
	tc := newTxnCtx()

	require.NoError(t, s.SetObject(context.Background(), tc, entry.OID(2), []byte("fresh")))
	val, err := s.GetObject(context.Background(), tc, entry.OID(2), false)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), val)
	assert.True(t, tc.HasWrites())
	assert.Equal(t, int32(1), server.getObjectUpdateCalls.Load())
}

func TestRemoveObjectThenGetReturnsNotFound(t *testing.T) {
	s, server := newTestStore(t)
	server.objects[entry.OID(3)] = wire.GetObjectResponse{Found: true, Data: []byte("gone-soon")}

	tc := newTxnCtx()
	_, err := s.GetObject(context.Background(), tc, entry.OID(3), true)
	require.NoError(t, err)

	require.NoError(t, s.RemoveObject(context.Background(), tc, entry.OID(3)))
	_, err = s.GetObject(context.Background(), tc, entry.OID(3), false)
	assert.Error(t, err)
}

func TestSetBindingNotPreviouslyFoundCreatesEntry(t *testing.T) {
	s, _ := newTestStore(t)
	tc := newTxnCtx()

	wasFound, err := s.SetBinding(context.Background(), tc, entry.NameKey("alpha"), entry.OID(10))
	require.NoError(t, err)
	assert.False(t, wasFound)

	oid, bound, err := s.GetBinding(context.Background(), tc, entry.NameKey("alpha"))
	require.NoError(t, err)
	assert.True(t, bound)
	assert.Equal(t, entry.OID(10), oid)
}

func TestSetBindingOnExistingNameRebinds(t *testing.T) {
	s, _ := newTestStore(t)
	tc := newTxnCtx()

	_, err := s.SetBinding(context.Background(), tc, entry.NameKey("beta"), entry.OID(1))
	require.NoError(t, err)

	wasFound, err := s.SetBinding(context.Background(), tc, entry.NameKey("beta"), entry.OID(2))
	require.NoError(t, err)
	assert.True(t, wasFound)

	oid, bound, err := s.GetBinding(context.Background(), tc, entry.NameKey("beta"))
	require.NoError(t, err)
	assert.True(t, bound)
	assert.Equal(t, entry.OID(2), oid)
}

func TestGetBindingUnknownNameConsultsServerAndCachesAbsence(t *testing.T) {
	s, server := newTestStore(t)
	tc := newTxnCtx()

	_, bound, err := s.GetBinding(context.Background(), tc, entry.NameKey("nowhere"))
	require.NoError(t, err)
	assert.False(t, bound)
	assert.Equal(t, int32(1), server.getBindingCalls.Load())

	_, bound2, err := s.GetBinding(context.Background(), tc, entry.NameKey("nowhere"))
	require.NoError(t, err)
	assert.False(t, bound2)
	assert.Equal(t, int32(1), server.getBindingCalls.Load(), "a learned-absent name must not be re-fetched")
}

func TestRemoveBindingUnbindsTargetAndAdjustsSuccessor(t *testing.T) {
	s, _ := newTestStore(t)
	tc := newTxnCtx()

	_, err := s.SetBinding(context.Background(), tc, entry.NameKey("m"), entry.OID(1))
	require.NoError(t, err)
	_, err = s.SetBinding(context.Background(), tc, entry.NameKey("z"), entry.OID(2))
	require.NoError(t, err)

	require.NoError(t, s.RemoveBinding(context.Background(), tc, entry.NameKey("m")))

	_, bound, err := s.GetBinding(context.Background(), tc, entry.NameKey("m"))
	require.NoError(t, err)
	assert.False(t, bound, "removed binding must no longer resolve")

	next, err := s.NextBoundName(context.Background(), tc, entry.First())
	require.NoError(t, err)
	assert.Equal(t, "z", next.Name, "z is now the first bound name after m is removed")
}

func TestNextBoundNameOrdersByName(t *testing.T) {
	s, _ := newTestStore(t)
	tc := newTxnCtx()

	for _, name := range []string{"b", "d", "f"} {
		_, err := s.SetBinding(context.Background(), tc, entry.NameKey(name), entry.OID(1))
		require.NoError(t, err)
	}

	next, err := s.NextBoundName(context.Background(), tc, entry.NameKey("c"))
	require.NoError(t, err)
	assert.Equal(t, "d", next.Name)

	next, err = s.NextBoundName(context.Background(), tc, entry.NameKey("f"))
	require.NoError(t, err)
	assert.Equal(t, entry.KeyTagLast, next.Tag, "no name follows the highest bound name")
}

func TestRequestEvictObjectIdempotentWhenAbsent(t *testing.T) {
	s, _ := newTestStore(t)
	assert.True(t, s.RequestEvictObject(context.Background(), entry.OID(999)))
}

func TestRequestEvictObjectDefersUntilWriteClears(t *testing.T) {
	s, server := newTestStore(t)
	server.objects[entry.OID(5)] = wire.GetObjectResponse{Found: true, Data: []byte("x")}

	tc := newTxnCtx()
	_, err := s.GetObject(context.Background(), tc, entry.OID(5), true)
	require.NoError(t, err)

	e, ok := s.table.GetObject(entry.OID(5))
	require.True(t, ok)
	e.Lock()
	e.SetInUseForWrite(true)
	e.Unlock()

	accepted := s.RequestEvictObject(context.Background(), entry.OID(5))
	assert.False(t, accepted, "eviction must defer while the entry is in use for write")

	e2, ok := s.table.GetObject(entry.OID(5))
	require.True(t, ok)
	e2.Lock()
	e2.SetInUseForWrite(false)
	e2.Unlock()

	require.Eventually(t, func() bool {
		_, stillPresent := s.table.GetObject(entry.OID(5))
		return !stillPresent
	}, 2*time.Second, 10*time.Millisecond, "deferred eviction must complete once the entry quiesces")
}

func TestRequestDowngradeObjectNoOpOnReadableEntry(t *testing.T) {
	s, server := newTestStore(t)
	server.objects[entry.OID(6)] = wire.GetObjectResponse{Found: true, Data: []byte("y")}

	tc := newTxnCtx()
	_, err := s.GetObject(context.Background(), tc, entry.OID(6), false)
	require.NoError(t, err)

	assert.True(t, s.RequestDowngradeObject(context.Background(), entry.OID(6)), "a READABLE entry has nothing to downgrade")
}

func TestCommitSendsKeyOrderedBatchTaggedWithContextID(t *testing.T) {
	s, server := newTestStore(t)
	tc, err := s.Begin(txn.ID("t-batch"), time.Now().Add(2*time.Second))
	require.NoError(t, err)

	require.NoError(t, s.SetObject(context.Background(), tc, entry.OID(20), []byte("a")))
	require.NoError(t, s.SetObject(context.Background(), tc, entry.OID(21), []byte("b")))
	_, err = s.SetBinding(context.Background(), tc, entry.NameKey("gamma"), entry.OID(20))
	require.NoError(t, err)

	wantContextID := tc.ContextID
	require.NoError(t, s.Commit(context.Background(), tc))

	// two object writes plus two binding writes: the new "gamma" entry
	// and the LAST sentinel's previous_key adjustment that absorbed it.
	require.Len(t, server.commits, 4, "the whole buffered batch must ship as a single commit")
	assert.Equal(t, entry.OID(20), server.commits[0].OID)
	assert.Equal(t, entry.OID(21), server.commits[1].OID)
	for _, w := range server.commits[2:] {
		assert.True(t, w.IsBinding)
	}
	assert.Equal(t, "gamma", server.commits[2].Name.Name)
	assert.Equal(t, entry.OID(20), server.commits[2].BoundOID)
	assert.Equal(t, wire.ContextID(wantContextID), server.lastContextID)

	if _, ok := s.txns.Get(tc.ID); ok {
		t.Fatal("a committed transaction must leave the manager")
	}
}

func TestCommitRoundTripsThroughServerToASecondNode(t *testing.T) {
	s1, server := newTestStore(t)
	tc, err := s1.Begin(txn.ID("t-rt"), time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.NoError(t, s1.SetObject(context.Background(), tc, entry.OID(40), []byte("committed")))
	require.NoError(t, s1.Commit(context.Background(), tc))

	s2 := newTestStoreWithServer(t, server)
	tc2 := newTxnCtx()
	val, err := s2.GetObject(context.Background(), tc2, entry.OID(40), false)
	require.NoError(t, err)
	assert.Equal(t, []byte("committed"), val, "a second node must observe the commit through the server")
}

func TestCommitHoldsInUseForWriteUntilQueueAcks(t *testing.T) {
	s, server := newTestStore(t)
	server.objects[entry.OID(7)] = wire.GetObjectResponse{Found: true, Data: []byte("before")}
	gate := make(chan struct{})
	server.commitGate = gate

	tc, err := s.Begin(txn.ID("t-gate"), time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.NoError(t, s.SetObject(context.Background(), tc, entry.OID(7), []byte("after")))

	commitDone := make(chan error, 1)
	go func() { commitDone <- s.Commit(context.Background(), tc) }()

	require.Eventually(t, func() bool {
		e, ok := s.table.GetObject(entry.OID(7))
		if !ok {
			return false
		}
		e.Lock()
		defer e.Unlock()
		return e.InUseForWrite()
	}, time.Second, time.Millisecond, "entry must be marked in use for write while the commit is in flight")

	assert.False(t, s.RequestDowngradeObject(context.Background(), entry.OID(7)), "downgrade must defer while the write is uncommitted")

	close(gate)
	select {
	case err := <-commitDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("commit never completed after the gate was released")
	}

	e, ok := s.table.GetObject(entry.OID(7))
	require.True(t, ok)
	e.Lock()
	stillInUse := e.InUseForWrite()
	e.Unlock()
	assert.False(t, stillInUse, "in use for write must clear once the commit acks")
}

func TestAbortDiscardsReservedEntryWithNoServerCall(t *testing.T) {
	s, server := newTestStore(t)
	server.objects[entry.OID(8)] = wire.GetObjectResponse{Found: true, Data: []byte("z")}

	tc, err := s.Begin(txn.ID("t-abort"), time.Now().Add(2*time.Second))
	require.NoError(t, err)
	_, err = s.GetObject(context.Background(), tc, entry.OID(8), false)
	require.NoError(t, err)

	s.Abort(tc)

	_, stillPresent := s.table.GetObject(entry.OID(8))
	assert.False(t, stillPresent, "abort must immediately decache a reserved, uncommitted entry")
	assert.False(t, tc.HasWrites())

	if _, ok := s.txns.Get(tc.ID); ok {
		t.Fatal("an aborted transaction must leave the manager")
	}
}

func TestNewObjectIDAllocatesFromServerBatchAndCachesLocally(t *testing.T) {
	s, _ := newTestStore(t)
	tc := newTxnCtx()

	first, err := s.NewObjectID(context.Background(), tc)
	require.NoError(t, err)
	second, err := s.NewObjectID(context.Background(), tc)
	require.NoError(t, err)

	assert.Equal(t, entry.OID(1), first)
	assert.Equal(t, entry.OID(2), second, "the second id must come from the already-cached batch, not a fresh server call")
}
