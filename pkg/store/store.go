// Package store implements the store facade (spec.md §4.6): getObject/
// setObject, getBinding/setBinding/removeBinding, nextBoundName, and
// the server-initiated requestEvict*/requestDowngrade* callbacks. It
// is the one component that touches the cache table, the server
// client, the update queue, and a transaction context together.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/latticedb/nodecache/pkg/cacheerrors"
	"github.com/latticedb/nodecache/pkg/classregistry"
	"github.com/latticedb/nodecache/pkg/config"
	"github.com/latticedb/nodecache/pkg/entry"
	"github.com/latticedb/nodecache/pkg/observability"
	"github.com/latticedb/nodecache/pkg/queue"
	"github.com/latticedb/nodecache/pkg/table"
	"github.com/latticedb/nodecache/pkg/txn"
	"github.com/latticedb/nodecache/pkg/wire"
)

// ServerClient is the subset of pkg/serverclient.Client the facade
// calls directly (fetch/upgrade/next-name lookups; commits and
// evict/downgrade reports flow through the update queue instead).
type ServerClient interface {
	GetObject(ctx context.Context, oid entry.OID) (wire.GetObjectResponse, error)
	GetObjectForUpdate(ctx context.Context, oid entry.OID) (wire.GetObjectForUpdateResponse, error)
	UpgradeObject(ctx context.Context, oid entry.OID) (wire.UpgradeObjectResponse, error)
	GetBinding(ctx context.Context, name entry.BindingKey) (wire.GetBindingResponse, error)
	GetBindingForUpdate(ctx context.Context, name entry.BindingKey) (wire.GetBindingForUpdateResponse, error)
	NextBoundName(ctx context.Context, name entry.BindingKey) (wire.NextBoundNameResponse, error)
	NewObjectIDs(ctx context.Context, batchSize int) (uint64, int, error)
}

// Store is the cache's externally visible facade.
type Store struct {
	cfg     config.Config
	table   *table.Table
	server  ServerClient
	queue   *queue.Queue
	classes *classregistry.Registry
	txns    *txn.Manager

	logger  observability.Logger
	metrics observability.MetricsClient

	oidMu        sync.Mutex
	oidNext      uint64
	oidRemaining int
}

// New builds a Store over an already-constructed table, server
// client, update queue, class registry, and transaction manager.
func New(cfg config.Config, t *table.Table, server ServerClient, q *queue.Queue, classes *classregistry.Registry, txns *txn.Manager, logger observability.Logger, metrics observability.MetricsClient) *Store {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &Store{cfg: cfg, table: t, server: server, queue: q, classes: classes, txns: txns, logger: logger, metrics: metrics}
}

// Begin joins a new transaction with the transaction manager, assigning
// it the next monotonic context id (spec.md §4.4). A scheduler thread
// calls Begin once per transaction, before its first GetObject/
// SetObject/GetBinding/... call, and must Commit or Abort the returned
// context exactly once.
func (s *Store) Begin(id txn.ID, stopTime time.Time) (*txn.Context, error) {
	return s.txns.Join(id, stopTime)
}

// NewObjectID allocates a fresh OID for a newly created object
// (spec.md §3: "OIDs are allocated in batches from the server and
// cached locally"), refilling the local batch via
// ServerClient.NewObjectIDs once it is exhausted, and records the
// allocation against tc (§4.4 noteNewObject) so it is known locally
// ahead of the eventual commit.
func (s *Store) NewObjectID(ctx context.Context, tc *txn.Context) (entry.OID, error) {
	s.oidMu.Lock()
	defer s.oidMu.Unlock()

	if s.oidRemaining <= 0 {
		first, count, err := s.server.NewObjectIDs(ctx, s.cfg.ObjectIDBatchSize)
		if err != nil {
			return 0, err
		}
		s.oidNext = first
		s.oidRemaining = count
	}

	oid := entry.OID(s.oidNext)
	s.oidNext++
	s.oidRemaining--
	tc.NoteNewObject(oid)
	return oid, nil
}

// Commit implements the commit half of spec.md §4.4: Prepare checks
// that nothing this transaction touched was decached out from under
// it, every modified entry is marked in use for write so the
// requestDowngrade* callbacks back off until the write settles, and
// the buffered writes ship to the server as a single key-ordered,
// context-tagged batch through the update queue. Commit always leaves
// the transaction, whether it succeeds, fails to prepare, or times out
// waiting on the queue.
func (s *Store) Commit(ctx context.Context, tc *txn.Context) error {
	defer s.txns.Leave(tc.ID)

	if err := tc.Prepare(); err != nil {
		s.Abort(tc)
		return err
	}

	modified := tc.ModifiedEntries()
	if len(modified) == 0 {
		return nil
	}
	for _, e := range modified {
		e.Lock()
		e.SetInUseForWrite(true)
		e.Unlock()
	}
	clearInUse := func() {
		for _, e := range modified {
			e.Lock()
			e.SetInUseForWrite(false)
			e.Unlock()
		}
	}

	done := make(chan error, 1)
	item := queue.Item{
		Kind:      queue.KindCommit,
		ContextID: tc.ContextID,
		Writes:    tc.Writes(),
		OnComplete: func(err error) {
			clearInUse()
			done <- err
		},
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		clearInUse()
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort implements the abort half of spec.md §4.4: every entry this
// transaction reserved (created on a fetch miss) is discarded locally
// with no server round trip (transition 7, ImmediateDecache); an entry
// with a write still in flight is left in place.
func (s *Store) Abort(tc *txn.Context) {
	defer s.txns.Leave(tc.ID)

	for _, e := range tc.ReservedEntries() {
		e.Lock()
		if err := e.ImmediateDecache(); err == nil {
			if e.Kind == entry.KindBinding {
				s.table.RemoveBinding(e)
			} else {
				s.table.RemoveObject(e)
			}
		}
		e.Unlock()
	}
}

const retryCap = 1000

// ClassID interns a class descriptor through the node-local class
// registry, falling through to the server only on a cache miss.
func (s *Store) ClassID(ctx context.Context, descriptor []byte) (uint64, error) {
	return s.classes.GetClassID(ctx, descriptor)
}

// ClassInfo resolves a class id back to its descriptor through the
// node-local class registry.
func (s *Store) ClassInfo(ctx context.Context, classID uint64) ([]byte, error) {
	return s.classes.GetClassInfo(ctx, classID)
}

// --- 4.6.1 getObject / setObject ---

// GetObject implements spec.md §4.6.1.
func (s *Store) GetObject(ctx context.Context, tc *txn.Context, oid entry.OID, forUpdate bool) ([]byte, error) {
	e, err := s.acquireObject(ctx, tc, oid, forUpdate)
	if err != nil {
		return nil, err
	}
	value := e.Value()
	removed := e.Removed()
	tc.NoteAccess(e)
	e.Unlock()

	if removed || value == nil {
		return nil, cacheerrors.ObjectNotFound("getObject", oid)
	}
	return value, nil
}

// SetObject buffers a write against oid, fetching it for update first
// if necessary.
func (s *Store) SetObject(ctx context.Context, tc *txn.Context, oid entry.OID, data []byte) error {
	e, err := s.acquireObject(ctx, tc, oid, true)
	if err != nil {
		return err
	}
	e.SetValue(data)
	e.SetRemoved(false)
	e.SetModified(true)
	tc.NoteAccess(e)
	tc.NoteModifiedObject(e, data, false)
	e.Unlock()
	return nil
}

// RemoveObject buffers a tombstone write against oid.
func (s *Store) RemoveObject(ctx context.Context, tc *txn.Context, oid entry.OID) error {
	e, err := s.acquireObject(ctx, tc, oid, true)
	if err != nil {
		return err
	}
	e.SetRemoved(true)
	e.SetModified(true)
	tc.NoteAccess(e)
	tc.NoteModifiedObject(e, nil, true)
	e.Unlock()
	return nil
}

// acquireObject implements the retry loop of spec.md §4.6.1, returning
// a locked entry in READABLE or (if forUpdate) WRITABLE state. The
// caller must Unlock it.
func (s *Store) acquireObject(ctx context.Context, tc *txn.Context, oid entry.OID, forUpdate bool) (*entry.Entry, error) {
	for attempt := 0; attempt < retryCap; attempt++ {
		e, created, err := s.table.GetOrCreateObject(ctx, oid)
		if err != nil {
			return nil, err
		}

		if created {
			if err := e.BeginFetchRead(); err != nil {
				e.Unlock()
				return nil, err
			}
			tc.NoteCachedObject(e, nil)
			go s.fetchObjectAsync(oid, forUpdate)
		}

		var result entry.AwaitResult
		if forUpdate {
			result, err = e.AwaitWritable(ctx, tc.StopTime)
		} else {
			result, err = e.AwaitReadable(ctx, tc.StopTime)
		}
		if err != nil {
			e.Unlock()
			return nil, err
		}

		switch {
		case result == entry.AwaitDecached:
			e.Unlock()
			continue
		case result == entry.AwaitReadable && forUpdate:
			if err := e.BeginUpgrade(); err != nil {
				e.Unlock()
				return nil, err
			}
			go s.upgradeObjectAsync(oid)
			e.Unlock()
			continue
		default:
			return e, nil
		}
	}
	return nil, cacheerrors.IllegalState("getObject", fmt.Errorf("retry cap exceeded for oid %d", oid))
}

func (s *Store) fetchObjectAsync(oid entry.OID, forUpdate bool) {
	ctx := context.Background()
	var data []byte
	var found bool
	var err error

	if forUpdate {
		var resp wire.GetObjectForUpdateResponse
		resp, err = s.server.GetObjectForUpdate(ctx, oid)
		data, found = resp.Data, resp.Found
	} else {
		var resp wire.GetObjectResponse
		resp, err = s.server.GetObject(ctx, oid)
		data, found = resp.Data, resp.Found
	}

	e, ok := s.table.GetObject(oid)
	if !ok {
		return
	}
	e.Lock()
	defer e.Unlock()

	if err != nil {
		s.logger.Warn("object fetch failed", map[string]interface{}{"oid": uint64(oid), "error": err.Error()})
		e.FailFetch()
		s.table.RemoveObject(e)
		return
	}

	e.SetValue(data)
	e.SetRemoved(!found)
	if forUpdate {
		_ = e.CompleteFetchWritable()
	} else {
		_ = e.CompleteFetchRead()
	}
}

func (s *Store) upgradeObjectAsync(oid entry.OID) {
	ctx := context.Background()
	_, err := s.server.UpgradeObject(ctx, oid)

	e, ok := s.table.GetObject(oid)
	if !ok {
		return
	}
	e.Lock()
	defer e.Unlock()

	if err != nil {
		s.logger.Warn("object upgrade failed", map[string]interface{}{"oid": uint64(oid), "error": err.Error()})
		_ = e.AbortUpgrade()
		return
	}
	_ = e.CompleteUpgrade()
}

// --- 4.6.2 getBinding ---

// GetBinding implements spec.md §4.6.2. It returns (oid, true, nil) if
// name is bound, (0, false, nil) if proven unbound, or an error.
func (s *Store) GetBinding(ctx context.Context, tc *txn.Context, name entry.BindingKey) (entry.OID, bool, error) {
	for attempt := 0; attempt < retryCap; attempt++ {
		e, fresh, err := s.resolveCeiling(ctx, name)
		if err != nil {
			return 0, false, err
		}

		if !fresh {
			result, err := e.AwaitReadable(ctx, tc.StopTime)
			if err != nil {
				e.Unlock()
				return 0, false, err
			}
			if result == entry.AwaitDecached {
				e.Unlock()
				continue
			}
		}
		// A ceiling mid-update by a concurrent removeBinding/setBinding
		// has a previous_key that cannot yet be trusted (spec.md §3
		// invariant 4): wait for it to settle before reading anything
		// derived from it.
		if err := e.AwaitNotPendingPrevious(ctx, tc.StopTime); err != nil {
			e.Unlock()
			return 0, false, err
		}

		if entry.Compare(e.Key, name) == 0 {
			oid, bound := e.BoundOID()
			tc.NoteAccess(e)
			e.Unlock()
			if !bound {
				return 0, false, nil
			}
			return oid, true, nil
		}

		// resolveAbsence certifies a proven-absent name by making it the
		// ceiling's previous_key, which GetKnownUnbound's open interval
		// does not cover; accept that boundary case explicitly.
		prev, prevUnbound := e.PreviousKey()
		if e.GetKnownUnbound(name) || (prevUnbound && entry.Compare(prev, name) == 0) {
			tc.NoteAccess(e)
			e.Unlock()
			return 0, false, nil
		}

		e.Unlock()

		resp, err := s.server.GetBinding(ctx, name)
		if err != nil {
			return 0, false, err
		}
		if resp.Found {
			continue
		}
		if s.resolveAbsence(ctx, tc, e, name, resp) {
			return 0, false, nil
		}
	}
	return 0, false, cacheerrors.IllegalState("getBinding", fmt.Errorf("retry cap exceeded for %s", name))
}

// resolveAbsence reacts to a not-found getBinding response against
// ceiling e (unlocked on entry, and in FETCHING_READ if it was a fresh
// LAST marker): if the response proves e.Key really is the next entry
// above name, it certifies the (name, e.Key) interval as unbound on e
// and reports true. Otherwise it installs a closer ceiling entry from
// the response's next-name hint, kicks off its fetch, and reports
// false so the caller retries resolveCeiling against the closer entry.
func (s *Store) resolveAbsence(ctx context.Context, tc *txn.Context, e *entry.Entry, name entry.BindingKey, resp wire.GetBindingResponse) bool {
	nextKey := entry.Last()
	if resp.NextName != nil {
		nextKey = wire.WireKeyToBindingKey(*resp.NextName)
	}

	e.Lock()
	if entry.Compare(nextKey, e.Key) == 0 {
		e.SetPreviousKey(name, true)
		if e.State().Has(entry.FetchingRead) {
			_ = e.CompleteFetchRead()
		}
		if tc != nil {
			tc.NoteAccess(e)
		}
		e.Unlock()
		return true
	}
	if e.State().Has(entry.FetchingRead) {
		s.collapseFreshCeiling(e)
	} else {
		e.Unlock()
	}

	ne, createdNext, nerr := s.table.GetOrCreateBinding(ctx, nextKey, name, false)
	if nerr == nil {
		if createdNext {
			if err := ne.BeginFetchRead(); err == nil {
				go s.fetchBindingAsync(nextKey)
			}
		}
		ne.Unlock()
	}
	return false
}

// fetchBindingAsync resolves a binding entry the cache just learned
// the name of (via a next-name discovery) but has no value for yet.
func (s *Store) fetchBindingAsync(key entry.BindingKey) {
	ctx := context.Background()
	resp, err := s.server.GetBinding(ctx, key)

	e, ok := s.table.GetBinding(key)
	if !ok {
		return
	}
	e.Lock()
	defer e.Unlock()

	if err != nil {
		s.logger.Warn("binding fetch failed", map[string]interface{}{"name": key.String(), "error": err.Error()})
		_ = e.FailFetch()
		s.table.RemoveBinding(e)
		return
	}
	if resp.Found {
		e.SetBound(resp.OID)
	}
	_ = e.CompleteFetchRead()
}

// resolveCeiling returns the ceiling entry for name, locked, creating
// a provisional LAST marker if no cached entry qualifies. fresh is
// true only the first time a brand-new LAST marker is created; the
// caller is then responsible for either confirming it (CompleteFetchRead
// once its previous_key has been proven) or collapsing it
// (collapseFreshCeiling, which resolveAbsence calls) if a closer entry
// turns out to exist, since resolveCeiling leaves it
// in FETCHING_READ rather than deciding its fate itself.
func (s *Store) resolveCeiling(ctx context.Context, name entry.BindingKey) (e *entry.Entry, fresh bool, err error) {
	if ceiling, ok := s.table.CeilingBinding(name); ok {
		ceiling.Lock()
		return ceiling, false, nil
	}
	last, created, err := s.table.EnsureLastEntry(ctx)
	if err != nil {
		return nil, false, err
	}
	if created {
		if err := last.BeginFetchRead(); err != nil {
			last.Unlock()
			return nil, false, err
		}
	}
	return last, created, nil
}

// collapseFreshCeiling abandons a provisional LAST marker this call
// created, once the server has proven a closer entry exists instead.
// e must be locked and in FETCHING_READ.
func (s *Store) collapseFreshCeiling(e *entry.Entry) {
	_ = e.FailFetch()
	s.table.CollapseLastEntry(e)
	e.Unlock()
}

// --- 4.6.3 setBinding ---

// SetBinding implements spec.md §4.6.3. wasFound is true when a cached
// entry with exactly name's key was rebound, and false when a new entry
// was created for name.
func (s *Store) SetBinding(ctx context.Context, tc *txn.Context, name entry.BindingKey, oid entry.OID) (wasFound bool, err error) {
	for attempt := 0; attempt < retryCap; attempt++ {
		e, fresh, err := s.resolveCeiling(ctx, name)
		if err != nil {
			return false, err
		}

		if !fresh {
			result, err := e.AwaitWritable(ctx, tc.StopTime)
			if err != nil {
				e.Unlock()
				return false, err
			}
			if result == entry.AwaitDecached {
				e.Unlock()
				continue
			}
			if result == entry.AwaitReadable {
				if err := e.BeginUpgrade(); err != nil {
					e.Unlock()
					return false, err
				}
				go s.upgradeBindingAsync(e.Key)
				e.Unlock()
				continue
			}
			if err := e.AwaitNotPendingPrevious(ctx, tc.StopTime); err != nil {
				e.Unlock()
				return false, err
			}
		}

		if entry.Compare(e.Key, name) == 0 {
			if fresh {
				// the provisional LAST marker can never equal a real name.
				e.Unlock()
				continue
			}
			e.SetBound(oid)
			tc.NoteAccess(e)
			tc.NoteModifiedBinding(e, oid, false, entry.BindingKey{}, false, false)
			e.Unlock()
			return true, nil
		}

		// Not yet proven absent: resolve absence first (mirrors
		// getBinding's server round trip). GetKnownUnbound's interval is
		// open at both ends, so a name exactly at the previous_key
		// boundary never satisfies it even once certified; track that
		// case explicitly instead of relooping into the same check.
		var prevKey entry.BindingKey
		if !e.GetKnownUnbound(name) {
			e.Unlock()
			resp, err := s.server.GetBinding(ctx, name)
			if err != nil {
				return false, err
			}
			if resp.Found {
				continue
			}
			if !s.resolveAbsence(ctx, tc, e, name, resp) {
				continue
			}
			prevKey = name
		} else {
			prevKey, _ = e.PreviousKey()
			e.Unlock()
		}

		newEntry, createdNew, err := s.table.GetOrCreateBinding(ctx, name, prevKey, false)
		if err != nil {
			return false, err
		}
		if !createdNew {
			newEntry.Unlock()
			continue
		}
		if err := newEntry.InitLocalWritable(); err != nil {
			newEntry.Unlock()
			return false, err
		}
		newEntry.SetBound(oid)

		ceiling, ok := s.table.GetBinding(e.Key)
		if !ok {
			newEntry.Unlock()
			continue
		}
		ceiling.Lock()
		ceiling.SetPreviousKey(name, false)
		tc.NoteModifiedBinding(ceiling, 0, false, name, false, true)
		ceiling.Unlock()

		tc.NoteAccess(newEntry)
		tc.NoteModifiedBinding(newEntry, oid, false, prevKey, false, false)
		newEntry.Unlock()
		return false, nil
	}
	return false, cacheerrors.IllegalState("setBinding", fmt.Errorf("retry cap exceeded for %s", name))
}

func (s *Store) upgradeBindingAsync(key entry.BindingKey) {
	ctx := context.Background()
	_, err := s.server.GetBindingForUpdate(ctx, key)

	e, ok := s.table.GetBinding(key)
	if !ok {
		return
	}
	e.Lock()
	defer e.Unlock()
	if err != nil {
		s.logger.Warn("binding upgrade failed", map[string]interface{}{"name": key.String(), "error": err.Error()})
		_ = e.AbortUpgrade()
		return
	}
	_ = e.CompleteUpgrade()
}

// acquireBindingWritable resolves name to an existing, locked, writable
// binding entry, or fails with ObjectNotFound if name is not bound.
// mustExist is always true today; it exists to mirror acquireObject's
// shape for future callers that want the miss-tolerant variant.
func (s *Store) acquireBindingWritable(ctx context.Context, tc *txn.Context, name entry.BindingKey, mustExist bool) (*entry.Entry, error) {
	for attempt := 0; attempt < retryCap; attempt++ {
		e, fresh, err := s.resolveCeiling(ctx, name)
		if err != nil {
			return nil, err
		}
		if fresh {
			s.collapseFreshCeiling(e)
			if mustExist {
				return nil, cacheerrors.ObjectNotFound("removeBinding", name)
			}
			continue
		}
		if entry.Compare(e.Key, name) != 0 {
			e.Unlock()
			if mustExist {
				return nil, cacheerrors.ObjectNotFound("removeBinding", name)
			}
			continue
		}

		result, err := e.AwaitWritable(ctx, tc.StopTime)
		if err != nil {
			e.Unlock()
			return nil, err
		}
		switch result {
		case entry.AwaitWritable:
			if err := e.AwaitNotPendingPrevious(ctx, tc.StopTime); err != nil {
				e.Unlock()
				return nil, err
			}
			return e, nil
		case entry.AwaitReadable:
			if err := e.BeginUpgrade(); err != nil {
				e.Unlock()
				return nil, err
			}
			go s.upgradeBindingAsync(e.Key)
			e.Unlock()
			continue
		default:
			e.Unlock()
			continue
		}
	}
	return nil, cacheerrors.IllegalState("removeBinding", fmt.Errorf("retry cap exceeded for %s", name))
}

// --- 4.6.4 removeBinding ---

// RemoveBinding implements spec.md §4.6.4: the target and its
// successor both reach writable, target first, then the successor
// under pending_previous.
func (s *Store) RemoveBinding(ctx context.Context, tc *txn.Context, name entry.BindingKey) error {
	target, err := s.acquireBindingWritable(ctx, tc, name, true)
	if err != nil {
		return err
	}
	prevKey, prevUnbound := target.PreviousKey()
	target.Unlock()

	successor, sFresh, err := s.table.EnsureLastEntry(ctx)
	if err == nil {
		// target is still indexed under name at this point, so CeilingBinding(name)
		// would just return target itself; HigherBinding is what actually skips it.
		if higher, ok := s.table.HigherBinding(name); ok {
			successor.Unlock()
			successor = higher
			sFresh = false
			successor.Lock()
		}
	}
	if err != nil {
		return err
	}

	if sFresh {
		// No server round trip needed: the successor's new previous_key
		// interval is derived entirely from the target we just removed.
		_ = successor.BeginFetchRead()
		_ = successor.CompleteFetchWritable()
	}

	if err := successor.SetPendingPrevious(true); err != nil {
		successor.Unlock()
		return err
	}
	if !sFresh {
		for {
			result, err := successor.AwaitWritable(ctx, tc.StopTime)
			if err != nil {
				_ = successor.SetPendingPrevious(false)
				successor.Unlock()
				return err
			}
			if result == entry.AwaitWritable {
				break
			}
			if result == entry.AwaitReadable {
				if err := successor.BeginUpgrade(); err != nil {
					_ = successor.SetPendingPrevious(false)
					successor.Unlock()
					return err
				}
				go s.upgradeBindingAsync(successor.Key)
				continue
			}
			_ = successor.SetPendingPrevious(false)
			successor.Unlock()
			return cacheerrors.CacheConsistency("removeBinding", name, fmt.Errorf("successor decached mid-remove"))
		}
	}
	successor.SetPreviousKey(prevKey, prevUnbound)
	_ = successor.SetPendingPrevious(false)
	tc.NoteModifiedBinding(successor, 0, false, prevKey, prevUnbound, true)
	successor.Unlock()

	target.Lock()
	target.SetUnbound()
	target.SetModified(true)
	tc.NoteAccess(target)
	tc.NoteModifiedBinding(target, 0, true, entry.BindingKey{}, false, false)
	target.Unlock()
	return nil
}

// --- 4.6.5 nextBoundName ---

// NextBoundName implements spec.md §4.6.5.
func (s *Store) NextBoundName(ctx context.Context, tc *txn.Context, name entry.BindingKey) (entry.BindingKey, error) {
	for attempt := 0; attempt < retryCap; attempt++ {
		higher, ok := s.table.HigherBinding(name)
		var e *entry.Entry
		var fresh bool
		if ok {
			higher.Lock()
			e = higher
		} else {
			last, created, err := s.table.EnsureLastEntry(ctx)
			if err != nil {
				return entry.BindingKey{}, err
			}
			e, fresh = last, created
			if fresh {
				if err := e.BeginFetchRead(); err != nil {
					e.Unlock()
					return entry.BindingKey{}, err
				}
			}
		}

		if !fresh {
			result, err := e.AwaitReadable(ctx, tc.StopTime)
			if err != nil {
				e.Unlock()
				return entry.BindingKey{}, err
			}
			if result == entry.AwaitDecached {
				e.Unlock()
				continue
			}
			if err := e.AwaitNotPendingPrevious(ctx, tc.StopTime); err != nil {
				e.Unlock()
				return entry.BindingKey{}, err
			}
			if e.GetIsNextEntry(name) {
				key := e.Key
				tc.NoteAccess(e)
				e.Unlock()
				return key, nil
			}
		}
		e.Unlock()

		resp, err := s.server.NextBoundName(ctx, name)
		if err != nil {
			return entry.BindingKey{}, err
		}
		nextKey := entry.Last()
		if resp.NextName != nil {
			nextKey = wire.WireKeyToBindingKey(*resp.NextName)
		}

		if fresh {
			e.Lock()
			if entry.Compare(nextKey, e.Key) == 0 {
				_ = e.CompleteFetchRead()
				tc.NoteAccess(e)
				key := e.Key
				e.Unlock()
				return key, nil
			}
			s.collapseFreshCeiling(e)
		}

		ne, createdNext, nerr := s.table.GetOrCreateBinding(ctx, nextKey, name, false)
		if nerr == nil {
			if createdNext {
				if err := ne.BeginFetchRead(); err == nil {
					go s.fetchBindingAsync(nextKey)
				}
			}
			ne.Unlock()
		}
	}
	return entry.BindingKey{}, cacheerrors.IllegalState("nextBoundName", fmt.Errorf("retry cap exceeded for %s", name))
}

// --- 4.6.6 server-initiated callbacks ---

// RequestEvictObject implements spec.md §4.6.6 for objects.
func (s *Store) RequestEvictObject(ctx context.Context, oid entry.OID) bool {
	e, ok := s.table.GetObject(oid)
	if !ok {
		return true // idempotent: already gone
	}
	e.Lock()
	if e.State().Has(entry.Decached) {
		e.Unlock()
		return true
	}
	if !e.Quiescent() || !e.State().Any(entry.Readable|entry.Writable) {
		e.Unlock()
		s.scheduleEvictRetry(oid, entry.BindingKey{}, false)
		return false
	}
	_ = e.BeginDecache()
	e.Unlock()
	s.enqueueEvict(oid, entry.BindingKey{}, false)
	return true
}

// RequestEvictBinding implements spec.md §4.6.6 for bindings.
func (s *Store) RequestEvictBinding(ctx context.Context, key entry.BindingKey) bool {
	e, ok := s.table.GetBinding(key)
	if !ok {
		return true
	}
	e.Lock()
	if e.State().Has(entry.Decached) {
		e.Unlock()
		return true
	}
	if !e.Quiescent() || !e.State().Any(entry.Readable|entry.Writable) {
		e.Unlock()
		s.scheduleEvictRetry(0, key, true)
		return false
	}
	_ = e.BeginDecache()
	e.Unlock()
	s.enqueueEvict(0, key, true)
	return true
}

// RequestDowngradeObject implements spec.md §4.6.6 for objects.
func (s *Store) RequestDowngradeObject(ctx context.Context, oid entry.OID) bool {
	e, ok := s.table.GetObject(oid)
	if !ok {
		return true
	}
	e.Lock()
	if !e.State().Has(entry.Writable) {
		e.Unlock()
		return true
	}
	if e.InUseForWrite() {
		e.Unlock()
		s.scheduleDowngradeRetry(oid, entry.BindingKey{}, false)
		return false
	}
	_ = e.BeginDowngrade()
	e.Unlock()
	s.enqueueDowngrade(oid, entry.BindingKey{}, false)
	return true
}

// RequestDowngradeBinding implements spec.md §4.6.6 for bindings.
func (s *Store) RequestDowngradeBinding(ctx context.Context, key entry.BindingKey) bool {
	e, ok := s.table.GetBinding(key)
	if !ok {
		return true
	}
	e.Lock()
	if !e.State().Has(entry.Writable) {
		e.Unlock()
		return true
	}
	if e.InUseForWrite() {
		e.Unlock()
		s.scheduleDowngradeRetry(0, key, true)
		return false
	}
	_ = e.BeginDowngrade()
	e.Unlock()
	s.enqueueDowngrade(0, key, true)
	return true
}

func (s *Store) enqueueEvict(oid entry.OID, key entry.BindingKey, isBinding bool) {
	item := queue.Item{OnComplete: func(err error) {
		var e *entry.Entry
		var ok bool
		if isBinding {
			e, ok = s.table.GetBinding(key)
		} else {
			e, ok = s.table.GetObject(oid)
		}
		if !ok {
			return
		}
		e.Lock()
		if err == nil {
			if cerr := e.CompleteDecache(); cerr == nil {
				if isBinding {
					s.table.RemoveBinding(e)
				} else {
					s.table.RemoveObject(e)
				}
			}
		}
		e.Unlock()
	}}
	if isBinding {
		item.Kind = queue.KindEvictBinding
		item.Name = key
	} else {
		item.Kind = queue.KindEvictObject
		item.OID = oid
	}
	_ = s.queue.Enqueue(context.Background(), item)
}

func (s *Store) enqueueDowngrade(oid entry.OID, key entry.BindingKey, isBinding bool) {
	item := queue.Item{OnComplete: func(err error) {
		var e *entry.Entry
		var ok bool
		if isBinding {
			e, ok = s.table.GetBinding(key)
		} else {
			e, ok = s.table.GetObject(oid)
		}
		if !ok {
			return
		}
		e.Lock()
		if err == nil {
			_ = e.CompleteDowngrade()
		}
		e.Unlock()
	}}
	if isBinding {
		item.Kind = queue.KindDowngradeBinding
		item.Name = key
	} else {
		item.Kind = queue.KindDowngradeObject
		item.OID = oid
	}
	_ = s.queue.Enqueue(context.Background(), item)
}

func (s *Store) scheduleEvictRetry(oid entry.OID, key entry.BindingKey, isBinding bool) {
	go s.retryCallback(oid, key, isBinding, func(e *entry.Entry) bool {
		return e.Quiescent() && e.State().Any(entry.Readable|entry.Writable)
	}, func() {
		if isBinding {
			s.RequestEvictBinding(context.Background(), key)
		} else {
			s.RequestEvictObject(context.Background(), oid)
		}
	})
}

func (s *Store) scheduleDowngradeRetry(oid entry.OID, key entry.BindingKey, isBinding bool) {
	go s.retryCallback(oid, key, isBinding, func(e *entry.Entry) bool {
		return e.State().Has(entry.Writable) && !e.InUseForWrite()
	}, func() {
		if isBinding {
			s.RequestDowngradeBinding(context.Background(), key)
		} else {
			s.RequestDowngradeObject(context.Background(), oid)
		}
	})
}

func (s *Store) retryCallback(oid entry.OID, key entry.BindingKey, isBinding bool, ready func(*entry.Entry) bool, retry func()) {
	for i := 0; i < retryCap; i++ {
		var e *entry.Entry
		var ok bool
		if isBinding {
			e, ok = s.table.GetBinding(key)
		} else {
			e, ok = s.table.GetObject(oid)
		}
		if !ok {
			return
		}
		e.Lock()
		settled := ready(e)
		e.Unlock()
		if settled {
			retry()
			return
		}
		<-time.After(s.cfg.LockTimeout)
	}
	s.logger.Warn("callback retry exceeded debug bound", map[string]interface{}{"oid": uint64(oid), "binding": isBinding})
}
