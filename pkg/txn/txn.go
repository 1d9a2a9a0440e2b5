// Package txn implements the per-transaction context (spec.md §4.4):
// buffered accesses, modifications, and new-object reservations, plus
// prepare/commit/abort and the join/leave bookkeeping shutdown uses to
// drain outstanding transactions.
package txn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/latticedb/nodecache/pkg/cacheerrors"
	"github.com/latticedb/nodecache/pkg/entry"
	"github.com/latticedb/nodecache/pkg/wire"
)

// ID identifies a transaction to the scheduler that owns it.
type ID string

// objectMod buffers a write against an object entry.
type objectMod struct {
	e         *entry.Entry
	data      []byte
	tombstone bool
}

// bindingMod buffers a write against a binding entry.
type bindingMod struct {
	e                  *entry.Entry
	oid                entry.OID
	tombstone          bool
	previousKey        entry.BindingKey
	previousKeyUnbound bool
	previousKeySet     bool
}

// Context is one transaction's buffered view of the cache (spec.md
// §4.4). The Note* methods that take an entry expect the caller to
// already hold that entry's stripe lock, matching pkg/entry's
// convention; Prepare takes each accessed entry's lock itself, so the
// caller must hold none.
type Context struct {
	ID        ID
	ContextID int64
	StopTime  time.Time

	mu            sync.Mutex
	accesses      []*entry.Entry
	reserved      []*entry.Entry
	objectMods    []*objectMod
	bindingMods   []*bindingMod
	newObjects    []entry.OID
	done          bool
}

// NoteAccess records a read of e for LRU refresh on commit and
// refreshes its last-touch context id.
func (c *Context) NoteAccess(e *entry.Entry) {
	e.SetContextID(c.ContextID)
	c.mu.Lock()
	c.accesses = append(c.accesses, e)
	c.mu.Unlock()
}

// NoteCachedObject records that a fetch installed data for e, and
// tracks e as a reservation this transaction is responsible for if the
// fetch never completes and the transaction aborts.
func (c *Context) NoteCachedObject(e *entry.Entry, data []byte) {
	c.NoteAccess(e)
	c.mu.Lock()
	c.reserved = append(c.reserved, e)
	c.mu.Unlock()
}

// NoteCachedReservedBinding records that a fetch installed (or
// reserved) a binding entry, for read or write.
func (c *Context) NoteCachedReservedBinding(e *entry.Entry, forWrite bool) {
	c.NoteAccess(e)
	c.mu.Lock()
	c.reserved = append(c.reserved, e)
	c.mu.Unlock()
}

// NoteNewObject records a locally allocated OID not yet shipped to the
// server.
func (c *Context) NoteNewObject(oid entry.OID) {
	c.mu.Lock()
	c.newObjects = append(c.newObjects, oid)
	c.mu.Unlock()
}

// NoteModifiedObject buffers a write against an object entry.
// tombstone true means the object was removed.
func (c *Context) NoteModifiedObject(e *entry.Entry, data []byte, tombstone bool) {
	c.mu.Lock()
	c.objectMods = append(c.objectMods, &objectMod{e: e, data: data, tombstone: tombstone})
	c.mu.Unlock()
}

// NoteModifiedBinding buffers a write against a binding entry. When
// previousKeySet is true, the entry's previous-key interval is also
// being extended as part of this write (setBinding/removeBinding
// neighbor adjustment).
func (c *Context) NoteModifiedBinding(e *entry.Entry, oid entry.OID, tombstone bool, previousKey entry.BindingKey, previousKeyUnbound bool, previousKeySet bool) {
	c.mu.Lock()
	c.bindingMods = append(c.bindingMods, &bindingMod{
		e: e, oid: oid, tombstone: tombstone,
		previousKey: previousKey, previousKeyUnbound: previousKeyUnbound, previousKeySet: previousKeySet,
	})
	c.mu.Unlock()
}

// NoteLastBinding records access to the transaction's view of the LAST
// sentinel entry.
func (c *Context) NoteLastBinding(e *entry.Entry) {
	c.NoteAccess(e)
}

// Prepare validates that no entry this transaction accessed has since
// been decached. It performs no I/O.
func (c *Context) Prepare() error {
	c.mu.Lock()
	accesses := append([]*entry.Entry(nil), c.accesses...)
	c.mu.Unlock()

	for _, e := range accesses {
		e.Lock()
		decached := e.State().Has(entry.Decached)
		e.Unlock()
		if decached {
			return cacheerrors.CacheConsistency("txn.prepare", e.KeyStringer(), fmt.Errorf("accessed entry was decached before commit"))
		}
	}
	return nil
}

// Writes renders this transaction's buffered modifications into the
// wire commit batch the update queue ships to the server: object writes
// first, ordered by OID, then binding writes, ordered by key. Writes to
// the same entry keep the order in which they were buffered.
func (c *Context) Writes() []wire.CommitWrite {
	c.mu.Lock()
	defer c.mu.Unlock()

	objectMods := append([]*objectMod(nil), c.objectMods...)
	sort.SliceStable(objectMods, func(i, j int) bool { return objectMods[i].e.OID < objectMods[j].e.OID })
	bindingMods := append([]*bindingMod(nil), c.bindingMods...)
	sort.SliceStable(bindingMods, func(i, j int) bool { return entry.Less(bindingMods[i].e.Key, bindingMods[j].e.Key) })

	out := make([]wire.CommitWrite, 0, len(objectMods)+len(bindingMods))
	for _, m := range objectMods {
		out = append(out, wire.CommitWrite{
			IsBinding: false,
			OID:       m.e.OID,
			Tombstone: m.tombstone,
			Data:      m.data,
		})
	}
	for _, m := range bindingMods {
		w := wire.CommitWrite{
			IsBinding: true,
			Name:      wire.BindingKeyToWire(m.e.Key),
			BoundOID:  m.oid,
			Tombstone: m.tombstone,
		}
		if m.previousKeySet {
			w.PreviousKey = wire.BindingKeyToWire(m.previousKey)
			w.PreviousKeyUnbound = m.previousKeyUnbound
		}
		out = append(out, w)
	}
	return out
}

// HasWrites reports whether this transaction buffered any writes.
func (c *Context) HasWrites() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objectMods) > 0 || len(c.bindingMods) > 0
}

// ModifiedEntries returns every entry this transaction modified, for
// the caller to mark "in use for write" at commit time.
func (c *Context) ModifiedEntries() []*entry.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*entry.Entry, 0, len(c.objectMods)+len(c.bindingMods))
	for _, m := range c.objectMods {
		out = append(out, m.e)
	}
	for _, m := range c.bindingMods {
		out = append(out, m.e)
	}
	return out
}

// ReservedEntries returns every entry this transaction newly reserved
// (fetch-miss path), for Abort to reverse.
func (c *Context) ReservedEntries() []*entry.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*entry.Entry(nil), c.reserved...)
}

// Manager owns the context map keyed by transaction id (spec.md §4.4),
// assigns monotonically increasing context ids at join, and tracks
// txn_count for shutdown draining.
type Manager struct {
	mu       sync.Mutex
	contexts map[ID]*Context
	counter  atomic.Int64
	txnCount atomic.Int64

	shuttingDown atomic.Bool
}

// NewManager creates an empty transaction context map.
func NewManager() *Manager {
	return &Manager{contexts: make(map[ID]*Context)}
}

// Join creates and registers a new Context for id, assigning it the
// next context_id. It fails with IllegalState if shutdown has been
// requested or id is already joined.
func (m *Manager) Join(id ID, stopTime time.Time) (*Context, error) {
	if m.shuttingDown.Load() {
		return nil, cacheerrors.IllegalState("txn.join", fmt.Errorf("new transactions rejected during shutdown"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.contexts[id]; exists {
		return nil, cacheerrors.IllegalState("txn.join", fmt.Errorf("transaction %s already joined", id))
	}
	c := &Context{ID: id, ContextID: m.counter.Add(1), StopTime: stopTime}
	m.contexts[id] = c
	m.txnCount.Add(1)
	return c, nil
}

// Get looks up an already-joined context.
func (m *Manager) Get(id ID) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[id]
	return c, ok
}

// Leave removes id from the context map and decrements txn_count. It
// must be called at least once per Join, on both commit and abort
// paths; later calls for the same id do nothing.
func (m *Manager) Leave(id ID) {
	m.mu.Lock()
	if c, ok := m.contexts[id]; ok {
		c.mu.Lock()
		alreadyDone := c.done
		c.done = true
		c.mu.Unlock()
		delete(m.contexts, id)
		if !alreadyDone {
			m.txnCount.Add(-1)
		}
	}
	m.mu.Unlock()
}

// TxnCount returns the number of currently joined transactions.
func (m *Manager) TxnCount() int64 { return m.txnCount.Load() }

// BeginShutdown rejects any further Join calls (spec.md §5 REQUESTED
// state).
func (m *Manager) BeginShutdown() { m.shuttingDown.Store(true) }

// AwaitDrain blocks until every joined transaction has left, or ctx is
// done.
func (m *Manager) AwaitDrain(ctx context.Context, pollEvery time.Duration) error {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		if m.TxnCount() == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
