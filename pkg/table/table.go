// Package table implements the cache table (spec.md §4.1): a bounded,
// striped-lock associative structure over object and binding entries,
// with an ordered index over binding keys for ceiling/higher queries.
package table

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/latticedb/nodecache/pkg/config"
	"github.com/latticedb/nodecache/pkg/entry"
	"github.com/latticedb/nodecache/pkg/observability"
)

// FullNotifier is called exactly once per full-transition, waking the
// evictor (spec.md §4.1).
type FullNotifier func()

type shard struct {
	mu       sync.Mutex
	objects  map[entry.OID]*entry.Entry
	bindings map[entry.BindingKey]*entry.Entry
}

// Table is the cache table. Its per-key stripe lock (shard.mu) is
// handed directly to the entries it creates, so locking an entry and
// locking its shard are the same operation — exactly the coupling
// spec.md §4.1's entryLock describes.
type Table struct {
	shards []*shard

	orderMu      sync.RWMutex
	orderedNames []string // sorted KeyTagName names currently present

	lastMu    sync.Mutex
	lastEntry *entry.Entry // the LAST sentinel, provisional or permanent

	capMu    sync.Mutex
	capCond  *sync.Cond
	capacity int
	used     int
	full     bool
	onFull   FullNotifier

	logger  observability.Logger
	metrics observability.MetricsClient
}

// New builds a Table from cfg's cache.size and num.locks.
func New(cfg config.Config, onFull FullNotifier, logger observability.Logger, metrics observability.MetricsClient) *Table {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	shards := make([]*shard, cfg.NumLocks)
	for i := range shards {
		shards[i] = &shard{
			objects:  make(map[entry.OID]*entry.Entry),
			bindings: make(map[entry.BindingKey]*entry.Entry),
		}
	}
	t := &Table{
		shards:   shards,
		capacity: cfg.CacheSize,
		onFull:   onFull,
		logger:   logger,
		metrics:  metrics,
	}
	t.capCond = sync.NewCond(&t.capMu)
	return t
}

func (t *Table) shardForHash(h uint64) *shard {
	return t.shards[h%uint64(len(t.shards))]
}

func hashOID(oid entry.OID) uint64 { return uint64(oid) }

func hashBindingKey(k entry.BindingKey) uint64 {
	h := fnv.New64a()
	h.Write([]byte{byte(k.Tag)})
	_, _ = h.Write([]byte(k.Name))
	return h.Sum64()
}

// Reserve blocks until n more entries fit under the soft capacity,
// notifying onFull exactly once per full-transition.
func (t *Table) Reserve(ctx context.Context, n int) error {
	t.capMu.Lock()
	if t.used+n <= t.capacity {
		t.used += n
		t.capMu.Unlock()
		return nil
	}
	t.capMu.Unlock()

	t.capMu.Lock()
	defer t.capMu.Unlock()

	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			t.capMu.Lock()
			t.capCond.Broadcast()
			t.capMu.Unlock()
		case <-stop:
		}
	}()
	defer func() { close(stop); <-watcherDone }()

	for t.used+n > t.capacity {
		if !t.full {
			t.full = true
			t.metrics.IncrCounter("cache_table_full", nil)
			if t.onFull != nil {
				t.onFull()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		t.capCond.Wait()
	}
	t.used += n
	return nil
}

// Release returns n reserved slots, clearing the full flag once usage
// drops back under capacity and waking any blocked Reserve callers.
func (t *Table) Release(n int) {
	t.capMu.Lock()
	t.used -= n
	if t.used < 0 {
		t.used = 0
	}
	if t.full && t.used < t.capacity {
		t.full = false
	}
	t.capCond.Broadcast()
	t.capMu.Unlock()
	t.metrics.SetGauge("cache_table_size", float64(t.used), nil)
}

// Size returns the current reserved entry count.
func (t *Table) Size() int {
	t.capMu.Lock()
	defer t.capMu.Unlock()
	return t.used
}

// Capacity returns the soft capacity limit.
func (t *Table) Capacity() int { return t.capacity }

// FreeCapacity returns how many more entries could be reserved right
// now without blocking.
func (t *Table) FreeCapacity() int {
	t.capMu.Lock()
	defer t.capMu.Unlock()
	if t.used >= t.capacity {
		return 0
	}
	return t.capacity - t.used
}

// GetObject performs an exact, unlocked lookup. Callers that intend to
// mutate the result must call e.Lock() themselves.
func (t *Table) GetObject(oid entry.OID) (*entry.Entry, bool) {
	s := t.shardForHash(hashOID(oid))
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.objects[oid]
	return e, ok
}

// GetOrCreateObject returns the existing entry for oid, or reserves
// capacity and creates a fresh one. The returned entry is always
// locked; the caller must Unlock it.
func (t *Table) GetOrCreateObject(ctx context.Context, oid entry.OID) (e *entry.Entry, created bool, err error) {
	s := t.shardForHash(hashOID(oid))

	s.mu.Lock()
	if existing, ok := s.objects[oid]; ok {
		return existing, false, nil
	}
	s.mu.Unlock()

	if err := t.Reserve(ctx, 1); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	if existing, ok := s.objects[oid]; ok {
		s.mu.Unlock()
		t.Release(1)
		s.mu.Lock()
		return existing, false, nil
	}
	e = entry.NewObject(&s.mu, oid)
	s.objects[oid] = e
	return e, true, nil
}

// RemoveObject deletes oid from the table. The caller must hold e's
// lock and e must be DECACHED (spec.md §3 invariant 6).
func (t *Table) RemoveObject(e *entry.Entry) {
	s := t.shardForHash(hashOID(e.OID))
	delete(s.objects, e.OID)
	t.Release(1)
}

// GetBinding performs an exact, unlocked lookup by binding key.
func (t *Table) GetBinding(key entry.BindingKey) (*entry.Entry, bool) {
	if key.Tag == entry.KeyTagLast {
		t.lastMu.Lock()
		defer t.lastMu.Unlock()
		return t.lastEntry, t.lastEntry != nil
	}
	s := t.shardForHash(hashBindingKey(key))
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.bindings[key]
	return e, ok
}

// GetOrCreateBinding returns the existing binding entry for key, or
// reserves capacity and creates one with the given previous-key
// interval. The returned entry is locked; the caller must Unlock it.
// key must not be the LAST sentinel — use EnsureLastEntry for that.
func (t *Table) GetOrCreateBinding(ctx context.Context, key entry.BindingKey, previousKey entry.BindingKey, previousKeyUnbound bool) (e *entry.Entry, created bool, err error) {
	s := t.shardForHash(hashBindingKey(key))

	s.mu.Lock()
	if existing, ok := s.bindings[key]; ok {
		return existing, false, nil
	}
	s.mu.Unlock()

	if err := t.Reserve(ctx, 1); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	if existing, ok := s.bindings[key]; ok {
		s.mu.Unlock()
		t.Release(1)
		s.mu.Lock()
		return existing, false, nil
	}
	e = entry.NewBinding(&s.mu, key)
	e.SetPreviousKey(previousKey, previousKeyUnbound)
	s.bindings[key] = e
	t.insertOrderedName(key.Name)
	return e, true, nil
}

// EnsureLastEntry returns the LAST sentinel entry, creating a
// provisional one (previous_key = FIRST, unbound = false) if none
// exists yet. The returned entry is locked; the caller must Unlock it.
func (t *Table) EnsureLastEntry(ctx context.Context) (e *entry.Entry, created bool, err error) {
	t.lastMu.Lock()
	if t.lastEntry != nil {
		e = t.lastEntry
		t.lastMu.Unlock()
		e.Lock()
		return e, false, nil
	}
	t.lastMu.Unlock()

	if err := t.Reserve(ctx, 1); err != nil {
		return nil, false, err
	}

	// lastMu is the LAST entry's own lock, so returning with it held
	// hands the entry back locked.
	t.lastMu.Lock()
	if t.lastEntry != nil {
		t.Release(1)
		return t.lastEntry, false, nil
	}
	e = entry.NewBinding(&t.lastMu, entry.Last())
	e.SetPreviousKey(entry.First(), false)
	t.lastEntry = e
	return e, true, nil
}

// CollapseLastEntry removes a provisional LAST entry that the server
// proved unnecessary (spec.md §3's "either promoted... or collapsed").
// Caller must hold e's lock and e must be the current LAST entry.
func (t *Table) CollapseLastEntry(e *entry.Entry) {
	if t.lastEntry == e {
		t.lastEntry = nil
		t.Release(1)
	}
}

// RemoveBinding deletes a DECACHED binding entry from the table and its
// ordered index. The caller must hold e's lock.
func (t *Table) RemoveBinding(e *entry.Entry) {
	if e.Key.Tag == entry.KeyTagLast {
		t.CollapseLastEntry(e)
		return
	}
	s := t.shardForHash(hashBindingKey(e.Key))
	delete(s.bindings, e.Key)
	t.removeOrderedName(e.Key.Name)
	t.Release(1)
}

func (t *Table) insertOrderedName(name string) {
	t.orderMu.Lock()
	defer t.orderMu.Unlock()
	i := sort.SearchStrings(t.orderedNames, name)
	if i < len(t.orderedNames) && t.orderedNames[i] == name {
		return
	}
	t.orderedNames = append(t.orderedNames, "")
	copy(t.orderedNames[i+1:], t.orderedNames[i:])
	t.orderedNames[i] = name
}

func (t *Table) removeOrderedName(name string) {
	t.orderMu.Lock()
	defer t.orderMu.Unlock()
	i := sort.SearchStrings(t.orderedNames, name)
	if i < len(t.orderedNames) && t.orderedNames[i] == name {
		t.orderedNames = append(t.orderedNames[:i], t.orderedNames[i+1:]...)
	}
}

// CeilingBinding returns the smallest cached binding entry whose key is
// >= k, falling back to the LAST sentinel if no real name qualifies.
// The result is unlocked and must be re-validated under its own lock
// by the caller (spec.md §4.6.2's assureNextEntry pattern), since the
// ordered index is only weakly coupled to the shard maps.
func (t *Table) CeilingBinding(k entry.BindingKey) (*entry.Entry, bool) {
	return t.searchBinding(k, false)
}

// HigherBinding returns the smallest cached binding entry whose key is
// strictly > k.
func (t *Table) HigherBinding(k entry.BindingKey) (*entry.Entry, bool) {
	return t.searchBinding(k, true)
}

func (t *Table) searchBinding(k entry.BindingKey, strict bool) (*entry.Entry, bool) {
	for attempts := 0; attempts < 1000; attempts++ {
		t.orderMu.RLock()
		names := t.orderedNames
		idx := sort.Search(len(names), func(i int) bool {
			cmp := entry.Compare(entry.NameKey(names[i]), k)
			if strict {
				return cmp > 0
			}
			return cmp >= 0
		})
		var candidate string
		found := idx < len(names)
		if found {
			candidate = names[idx]
		}
		t.orderMu.RUnlock()

		if !found {
			t.lastMu.Lock()
			last := t.lastEntry
			t.lastMu.Unlock()
			if last != nil {
				return last, true
			}
			return nil, false
		}

		nk := entry.NameKey(candidate)
		s := t.shardForHash(hashBindingKey(nk))
		s.mu.Lock()
		e, ok := s.bindings[nk]
		s.mu.Unlock()
		if !ok {
			// index briefly stale; the insert/remove pair always
			// clears the index, so retry the search.
			continue
		}
		return e, true
	}
	return nil, false
}

// Iterator delivers entries in bounded batches with weak consistency,
// for the evictor's scan pass (spec.md §4.1 entryIterator).
type Iterator struct {
	t        *Table
	snapshot []*entry.Entry
	pos      int
}

// NewIterator creates an Iterator over t.
func (t *Table) NewIterator() *Iterator { return &Iterator{t: t} }

// Next returns up to batch entries, re-snapshotting the table once the
// previous snapshot is exhausted.
func (it *Iterator) Next(batch int) []*entry.Entry {
	if it.pos >= len(it.snapshot) {
		it.snapshot = it.t.snapshotEntries()
		it.pos = 0
	}
	end := it.pos + batch
	if end > len(it.snapshot) {
		end = len(it.snapshot)
	}
	out := it.snapshot[it.pos:end]
	it.pos = end
	return out
}

func (t *Table) snapshotEntries() []*entry.Entry {
	out := make([]*entry.Entry, 0, t.Size())
	for _, s := range t.shards {
		s.mu.Lock()
		for _, e := range s.objects {
			out = append(out, e)
		}
		for _, e := range s.bindings {
			out = append(out, e)
		}
		s.mu.Unlock()
	}
	t.lastMu.Lock()
	if t.lastEntry != nil {
		out = append(out, t.lastEntry)
	}
	t.lastMu.Unlock()
	return out
}
