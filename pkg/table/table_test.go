package table

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/nodecache/pkg/config"
	"github.com/latticedb/nodecache/pkg/entry"
)

func testConfig(cacheSize, numLocks int) config.Config {
	return config.Config{CacheSize: cacheSize, NumLocks: numLocks}
}

func TestGetOrCreateObjectReturnsSameEntryLocked(t *testing.T) {
	tb := New(testConfig(10, 4), nil, nil, nil)
	ctx := context.Background()

	e1, created1, err := tb.GetOrCreateObject(ctx, entry.OID(1))
	require.NoError(t, err)
	assert.True(t, created1)
	e1.Unlock()

	e2, created2, err := tb.GetOrCreateObject(ctx, entry.OID(1))
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Same(t, e1, e2)
	e2.Unlock()

	assert.Equal(t, 1, tb.Size())
}

func TestRemoveObjectReleasesCapacity(t *testing.T) {
	tb := New(testConfig(10, 4), nil, nil, nil)
	ctx := context.Background()

	e, _, err := tb.GetOrCreateObject(ctx, entry.OID(1))
	require.NoError(t, err)
	require.NoError(t, e.InitLocalWritable())
	require.NoError(t, e.BeginDecache())
	require.NoError(t, e.CompleteDecache())
	tb.RemoveObject(e)
	e.Unlock()

	assert.Equal(t, 0, tb.Size())
	_, ok := tb.GetObject(entry.OID(1))
	assert.False(t, ok)
}

func TestReserveBlocksUntilReleaseAndNotifiesFull(t *testing.T) {
	var notified int32
	tb := New(testConfig(1, 2), func() { notified++ }, nil, nil)
	ctx := context.Background()

	e1, _, err := tb.GetOrCreateObject(ctx, entry.OID(1))
	require.NoError(t, err)
	e1.Unlock()
	assert.Equal(t, 0, tb.FreeCapacity())

	blocked := make(chan struct{})
	go func() {
		e2, _, err := tb.GetOrCreateObject(context.Background(), entry.OID(2))
		require.NoError(t, err)
		e2.Unlock()
		close(blocked)
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-blocked:
		t.Fatal("second reservation should have blocked at capacity 1")
	default:
	}
	assert.Equal(t, 1, notified, "onFull should fire exactly once on the full transition")

	e1, ok := tb.GetObject(entry.OID(1))
	require.True(t, ok)
	e1.Lock()
	require.NoError(t, e1.InitLocalWritable())
	require.NoError(t, e1.BeginDecache())
	require.NoError(t, e1.CompleteDecache())
	tb.RemoveObject(e1)
	e1.Unlock()

	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("second reservation never unblocked after release")
	}
}

func TestReserveRespectsContextCancellation(t *testing.T) {
	tb := New(testConfig(1, 2), nil, nil, nil)
	e1, _, err := tb.GetOrCreateObject(context.Background(), entry.OID(1))
	require.NoError(t, err)
	e1.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = tb.Reserve(ctx, 1)
	assert.Error(t, err)
}

func TestCeilingAndHigherBindingOrdering(t *testing.T) {
	tb := New(testConfig(10, 4), nil, nil, nil)
	ctx := context.Background()

	for _, name := range []string{"b", "d"} {
		e, _, err := tb.GetOrCreateBinding(ctx, entry.NameKey(name), entry.First(), false)
		require.NoError(t, err)
		e.Unlock()
	}

	ceil, ok := tb.CeilingBinding(entry.NameKey("c"))
	require.True(t, ok)
	assert.Equal(t, "d", ceil.Key.Name)

	ceilExact, ok := tb.CeilingBinding(entry.NameKey("b"))
	require.True(t, ok)
	assert.Equal(t, "b", ceilExact.Key.Name)

	higher, ok := tb.HigherBinding(entry.NameKey("b"))
	require.True(t, ok)
	assert.Equal(t, "d", higher.Key.Name)
}

func TestCeilingFallsBackToLastSentinel(t *testing.T) {
	tb := New(testConfig(10, 4), nil, nil, nil)
	ctx := context.Background()

	e, _, err := tb.GetOrCreateBinding(ctx, entry.NameKey("a"), entry.First(), false)
	require.NoError(t, err)
	e.Unlock()

	last, created, err := tb.EnsureLastEntry(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	last.Unlock()

	ceil, ok := tb.CeilingBinding(entry.NameKey("z"))
	require.True(t, ok)
	assert.True(t, ceil.Key.Tag == entry.KeyTagLast)
}

func TestCollapseLastEntryReleasesCapacity(t *testing.T) {
	tb := New(testConfig(10, 4), nil, nil, nil)
	ctx := context.Background()

	last, created, err := tb.EnsureLastEntry(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, tb.Size())

	tb.CollapseLastEntry(last)
	last.Unlock()
	assert.Equal(t, 0, tb.Size())

	_, ok := tb.GetBinding(entry.Last())
	assert.False(t, ok)
}

func TestRemoveBindingClearsOrderedIndex(t *testing.T) {
	tb := New(testConfig(10, 4), nil, nil, nil)
	ctx := context.Background()

	e, _, err := tb.GetOrCreateBinding(ctx, entry.NameKey("m"), entry.First(), false)
	require.NoError(t, err)
	require.NoError(t, e.InitLocalWritable())
	require.NoError(t, e.BeginDecache())
	require.NoError(t, e.CompleteDecache())
	tb.RemoveBinding(e)
	e.Unlock()

	_, ok := tb.GetBinding(entry.NameKey("m"))
	assert.False(t, ok)

	_, ok = tb.CeilingBinding(entry.NameKey("a"))
	assert.False(t, ok, "no real entries and no LAST sentinel means no ceiling")
}

func TestIteratorCoversAllEntries(t *testing.T) {
	tb := New(testConfig(10, 4), nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e, _, err := tb.GetOrCreateObject(ctx, entry.OID(i))
		require.NoError(t, err)
		e.Unlock()
	}

	it := tb.NewIterator()
	seen := make(map[entry.OID]bool)
	for len(seen) < 5 {
		batch := it.Next(2)
		for _, e := range batch {
			seen[e.OID] = true
		}
	}
	assert.Len(t, seen, 5)
}
