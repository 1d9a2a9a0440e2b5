package eviction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/nodecache/pkg/config"
	"github.com/latticedb/nodecache/pkg/entry"
	"github.com/latticedb/nodecache/pkg/queue"
	"github.com/latticedb/nodecache/pkg/table"
	"github.com/latticedb/nodecache/pkg/wire"
)

type noopClient struct{}

func (noopClient) Commit(ctx context.Context, contextID wire.ContextID, writes []wire.CommitWrite) error {
	return nil
}
func (noopClient) EvictObject(ctx context.Context, oid entry.OID) error            { return nil }
func (noopClient) EvictBinding(ctx context.Context, key entry.BindingKey) error    { return nil }
func (noopClient) DowngradeObject(ctx context.Context, oid entry.OID) error        { return nil }
func (noopClient) DowngradeBinding(ctx context.Context, key entry.BindingKey) error { return nil }

func testConfig() config.Config {
	return config.Config{
		CacheSize:         20,
		NumLocks:          4,
		EvictionReserve:   2,
		EvictionBatchSize: 4,
		LockTimeout:       5 * time.Millisecond,
		RetryWait:         time.Millisecond,
		MaxRetry:          50 * time.Millisecond,
		UpdateQueueSize:   20,
	}
}

func newTestRig(t *testing.T) (*table.Table, *queue.Queue, *Evictor) {
	t.Helper()
	cfg := testConfig()
	q := queue.New(cfg, noopClient{}, nil, nil, nil)
	q.Start()
	t.Cleanup(q.Stop)

	// A settled watermark well above any entry's default context id (0)
	// so freshly created entries are eligible for eviction without first
	// driving a real commit through the queue.
	settled := func() int64 { return 1_000_000 }

	var ev *Evictor
	tb := table.New(cfg, func() { ev.NotifyFull() }, nil, nil)
	ev = New(cfg, tb, q, settled, nil, nil)
	require.NoError(t, ev.Start(context.Background()))
	t.Cleanup(ev.Stop)
	return tb, q, ev
}

func TestBetterPrefersNotInUseThenNotWriteThenOlder(t *testing.T) {
	inUseA := candidate{inUse: true, contextID: 1}
	freeB := candidate{inUse: false, contextID: 100}
	assert.True(t, better(freeB, inUseA), "a free entry beats an in-use one regardless of age")

	writeC := candidate{inUse: false, inUseForWrite: true, contextID: 1}
	readD := candidate{inUse: false, inUseForWrite: false, contextID: 100}
	assert.True(t, better(readD, writeC), "a read-only candidate beats a write-pinned one")

	older := candidate{inUse: false, inUseForWrite: false, contextID: 1}
	newer := candidate{inUse: false, inUseForWrite: false, contextID: 2}
	assert.True(t, better(older, newer), "among equal use-state, older context_id wins")
}

func TestEvictionPassKeepsCacheUnderCapacity(t *testing.T) {
	tb, _, _ := newTestRig(t)
	ctx := context.Background()

	// Evictor.Start already reserved cfg.EvictionReserve (2), leaving 18
	// free; fill all of it so the next reservation blocks at capacity.
	for i := 0; i < 18; i++ {
		e, _, err := tb.GetOrCreateObject(ctx, entry.OID(i))
		require.NoError(t, err)
		require.NoError(t, e.InitLocalWritable())
		e.Unlock()
	}
	require.Equal(t, 0, tb.FreeCapacity())

	unblocked := make(chan struct{})
	go func() {
		e, created, err := tb.GetOrCreateObject(context.Background(), entry.OID(999))
		require.NoError(t, err)
		require.True(t, created)
		require.NoError(t, e.InitLocalWritable())
		e.Unlock()
		close(unblocked)
	}()

	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("evictor never reclaimed headroom to admit the blocked reservation")
	}
}

// With one write-pinned entry and many freely evictable ones, a full
// table must reclaim headroom entirely from the free entries and never
// touch the pinned one.
func TestEvictionNeverPicksEntryInUseForWrite(t *testing.T) {
	tb, _, _ := newTestRig(t)
	ctx := context.Background()

	pinned, _, err := tb.GetOrCreateObject(ctx, entry.OID(1))
	require.NoError(t, err)
	require.NoError(t, pinned.InitLocalWritable())
	pinned.SetInUseForWrite(true)
	pinned.Unlock()

	// Evictor.Start reserved 2, pinned takes 1, leaving 17 free; fill all
	// of it so the next reservation blocks at capacity.
	for i := 0; i < 17; i++ {
		e, _, err := tb.GetOrCreateObject(ctx, entry.OID(100+i))
		require.NoError(t, err)
		require.NoError(t, e.InitLocalWritable())
		e.Unlock()
	}
	require.Equal(t, 0, tb.FreeCapacity())

	unblocked := make(chan struct{})
	go func() {
		e, created, err := tb.GetOrCreateObject(context.Background(), entry.OID(999))
		require.NoError(t, err)
		require.True(t, created)
		require.NoError(t, e.InitLocalWritable())
		e.Unlock()
		close(unblocked)
	}()

	select {
	case <-unblocked:
	case <-time.After(2 * time.Second):
		t.Fatal("evictor never reclaimed headroom from the free entries")
	}

	_, ok := tb.GetObject(entry.OID(1))
	require.True(t, ok, "in-use-for-write entry must never be evicted")
}
