package entry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/latticedb/nodecache/pkg/cacheerrors"
)

// Kind distinguishes the two keyspaces an Entry can belong to.
type Kind uint8

const (
	KindObject Kind = iota
	KindBinding
)

// Entry is the common representation of spec.md §3's cache entry: an
// object entry keyed by OID, or a binding entry keyed by a BindingKey,
// sharing one state machine and one stripe lock with every other entry
// in the same stripe.
//
// All exported methods except Lock/Unlock assume the caller already
// holds the entry's stripe lock (via Lock, or via the table's
// striped-lock accessor); the Await* methods release it while they wait
// and hold it again when they return. This mirrors spec.md §4.2: "transitions
// require the entry's stripe lock."
type Entry struct {
	mu   *sync.Mutex
	cond *sync.Cond

	Kind Kind
	OID  OID
	Key  BindingKey

	state State

	value   []byte
	removed bool

	boundOID OID
	bound    bool

	modified  bool
	contextID int64

	previousKey        BindingKey
	previousKeyUnbound bool

	inUseForWrite bool
}

// NewObject creates an object entry sharing the stripe lock mu. The
// caller is responsible for inserting it into the table under the same
// lock before releasing it, so no other goroutine observes a
// half-initialized entry.
func NewObject(mu *sync.Mutex, oid OID) *Entry {
	e := &Entry{mu: mu, Kind: KindObject, OID: oid}
	e.cond = sync.NewCond(mu)
	return e
}

// NewBinding creates a binding entry sharing the stripe lock mu.
func NewBinding(mu *sync.Mutex, key BindingKey) *Entry {
	e := &Entry{mu: mu, Kind: KindBinding, Key: key}
	e.cond = sync.NewCond(mu)
	return e
}

// Lock acquires the entry's stripe lock. Because locks are striped by
// key hash (table.Table), this may also block on unrelated entries
// sharing the stripe — contention the spec accepts in exchange for a
// fixed number of locks.
func (e *Entry) Lock() { e.mu.Lock() }

// Unlock releases the entry's stripe lock.
func (e *Entry) Unlock() { e.mu.Unlock() }

func (e *Entry) keyStringer() fmt.Stringer {
	if e.Kind == KindObject {
		return e.OID
	}
	return e.Key
}

// KeyStringer returns the entry's key (OID or BindingKey) as a
// fmt.Stringer, for callers outside this package building errors.
func (e *Entry) KeyStringer() fmt.Stringer { return e.keyStringer() }

func consistency(e *Entry, msg string) error {
	return cacheerrors.CacheConsistency("entry", e.keyStringer(), errors.New(msg))
}

// State returns the entry's current state flags.
func (e *Entry) State() State { return e.state }

// Value returns the cached payload: object bytes, or the binding's
// target oid encoded by the caller — bindings should prefer
// BoundOID.
func (e *Entry) Value() []byte { return e.value }

// SetValue installs a fetched or locally-written object payload.
func (e *Entry) SetValue(v []byte) { e.value = v }

// Removed reports whether an object entry is tombstoned ("removed" in
// spec.md §3).
func (e *Entry) Removed() bool { return e.removed }

// SetRemoved marks or clears the object tombstone.
func (e *Entry) SetRemoved(r bool) {
	e.removed = r
	if r {
		e.value = nil
	}
}

// BoundOID returns the oid a binding entry currently maps to, and
// whether the binding is bound at all.
func (e *Entry) BoundOID() (OID, bool) { return e.boundOID, e.bound }

// SetBound installs a binding's target oid.
func (e *Entry) SetBound(oid OID) { e.boundOID = oid; e.bound = true }

// SetUnbound marks a binding entry as tombstoned (removeBinding).
func (e *Entry) SetUnbound() { e.bound = false; e.boundOID = 0 }

// ContextID returns the ordinal of the transaction that last touched
// this entry, used for LRU ordering and settled-ness tests.
func (e *Entry) ContextID() int64 { return e.contextID }

// SetContextID refreshes the entry's last-touch context id.
func (e *Entry) SetContextID(id int64) {
	if id > e.contextID {
		e.contextID = id
	}
}

// Modified reports whether a local transaction committed a change not
// yet shipped to the server.
func (e *Entry) Modified() bool { return e.modified }

// SetModified sets or clears the modified flag.
func (e *Entry) SetModified(m bool) { e.modified = m }

// PreviousKey returns a binding entry's previous-key interval: the key
// below which the entry is no longer authoritative about the range,
// and whether that range is certified unbound.
func (e *Entry) PreviousKey() (BindingKey, bool) { return e.previousKey, e.previousKeyUnbound }

// SetPreviousKey updates a binding entry's previous-key interval.
func (e *Entry) SetPreviousKey(k BindingKey, unbound bool) {
	e.previousKey = k
	e.previousKeyUnbound = unbound
}

// InUseForWrite reports whether the entry has a commit buffered in the
// update queue that the server has not yet acknowledged.
func (e *Entry) InUseForWrite() bool { return e.inUseForWrite }

// SetInUseForWrite is called by the update queue when it accepts
// (true) or settles (false) a write against this entry.
func (e *Entry) SetInUseForWrite(v bool) { e.inUseForWrite = v }

// GetKnownUnbound reports whether the entry certifies that name is
// unbound: previous_key < name < self.key and the interval is marked
// unbound. This is invariant 1 / invariant 3 of spec.md §8 and §3.
func (e *Entry) GetKnownUnbound(name BindingKey) bool {
	if e.Kind != KindBinding || !e.previousKeyUnbound {
		return false
	}
	return Less(e.previousKey, name) && Less(name, e.Key)
}

// GetIsNextEntry reports whether this binding entry is the next-entry
// for name, i.e. previous_key <= name, per spec.md §4.6.5.
func (e *Entry) GetIsNextEntry(name BindingKey) bool {
	if e.Kind != KindBinding {
		return false
	}
	return !Less(name, e.previousKey)
}

// Quiescent reports whether the entry has no outstanding writer, no
// in-flight server call, and (for bindings) no pending-previous —
// exactly the condition requestEvict/requestDowngrade (spec.md §4.6.6)
// check before acting synchronously.
func (e *Entry) Quiescent() bool {
	if e.state.Any(FetchingRead | FetchingUpgrade | Downgrading | Decaching) {
		return false
	}
	if e.state.Has(Writable) {
		return false
	}
	if e.Kind == KindBinding && e.state.Has(PendingPrevious) {
		return false
	}
	return !e.inUseForWrite
}

// EvictionInfo computes the spec.md §4.7 EntryInfo{inUse, inUseForWrite,
// context_id} triple the evictor uses to rank candidates, given the
// update queue's current highest-settled context id.
func (e *Entry) EvictionInfo(highestSettledContextID int64) (inUse, inUseForWrite bool, contextID int64) {
	inUseForWrite = e.inUseForWrite
	inUse = inUseForWrite ||
		e.contextID > highestSettledContextID ||
		(e.Kind == KindBinding && e.state.Has(PendingPrevious)) ||
		e.state.Any(FetchingRead|FetchingUpgrade|Downgrading|Decaching)
	contextID = e.contextID
	return
}

// --- State transitions (spec.md §4.2) ---

// BeginFetchRead is transition 1: ∅ → FETCHING_READ.
func (e *Entry) BeginFetchRead() error {
	if e.state != 0 {
		return consistency(e, "beginFetchRead: entry not in empty state")
	}
	e.state = FetchingRead
	return nil
}

// CompleteFetchRead is transition 3: FETCHING_READ → READABLE.
func (e *Entry) CompleteFetchRead() error {
	if !e.state.Has(FetchingRead) {
		return consistency(e, "completeFetchRead: not fetching")
	}
	e.state = (e.state &^ FetchingRead) | Readable
	e.cond.Broadcast()
	return nil
}

// CompleteFetchWritable resolves a fetch-for-update miss directly to
// WRITABLE, for getObjectForUpdate/getBindingForUpdate on an entry that
// did not exist locally at all (no separate upgrade round trip needed
// since the server already granted write access in the fetch reply).
func (e *Entry) CompleteFetchWritable() error {
	if !e.state.Has(FetchingRead) {
		return consistency(e, "completeFetchWritable: not fetching")
	}
	e.state = (e.state &^ FetchingRead) | Writable
	e.cond.Broadcast()
	return nil
}

// FailFetch forces a fetch in progress straight to DECACHED when the
// underlying server call failed permanently, so any goroutine blocked
// in AwaitReadable/AwaitWritable is released with AwaitDecached rather
// than hanging until the transaction's deadline. The caller must then
// remove the entry from the table; DECACHED is terminal.
func (e *Entry) FailFetch() error {
	if !e.state.Any(FetchingRead | FetchingUpgrade) {
		return consistency(e, "failFetch: entry not fetching")
	}
	e.state = Decached
	e.cond.Broadcast()
	return nil
}

// InitLocalWritable is transition 1 taken directly to WRITABLE: ∅ →
// WRITABLE, for an entry a transaction originates locally (a newly
// allocated object, or a binding inserted by setBinding/removeBinding
// to record a key the server has not yet been told about) and which
// therefore needs no fetch round trip before it can be written.
func (e *Entry) InitLocalWritable() error {
	if e.state != 0 {
		return consistency(e, "initLocalWritable: entry not in empty state")
	}
	e.state = Writable
	e.cond.Broadcast()
	return nil
}

// BeginUpgrade is the first half of transition 2: READABLE →
// READABLE+FETCHING_UPGRADE.
func (e *Entry) BeginUpgrade() error {
	if !e.state.Has(Readable) || e.state.Has(FetchingUpgrade) {
		return consistency(e, "beginUpgrade: entry not plain readable")
	}
	e.state |= FetchingUpgrade
	return nil
}

// CompleteUpgrade is the second half of transition 2:
// READABLE+FETCHING_UPGRADE → WRITABLE.
func (e *Entry) CompleteUpgrade() error {
	if !e.state.Has(Readable | FetchingUpgrade) {
		return consistency(e, "completeUpgrade: entry not upgrading")
	}
	e.state = (e.state &^ (Readable | FetchingUpgrade)) | Writable
	e.cond.Broadcast()
	return nil
}

// AbortUpgrade reverts an in-flight upgrade back to plain READABLE,
// e.g. when the server reports the object was concurrently deleted.
func (e *Entry) AbortUpgrade() error {
	if !e.state.Has(Readable | FetchingUpgrade) {
		return consistency(e, "abortUpgrade: entry not upgrading")
	}
	e.state &^= FetchingUpgrade
	e.cond.Broadcast()
	return nil
}

// BeginDowngrade is the first half of transition 5: WRITABLE →
// DOWNGRADING.
func (e *Entry) BeginDowngrade() error {
	if !e.state.Has(Writable) {
		return consistency(e, "beginDowngrade: entry not writable")
	}
	e.state = (e.state &^ Writable) | Downgrading
	return nil
}

// CompleteDowngrade is the second half of transition 5: DOWNGRADING →
// READABLE.
func (e *Entry) CompleteDowngrade() error {
	if !e.state.Has(Downgrading) {
		return consistency(e, "completeDowngrade: entry not downgrading")
	}
	e.state = (e.state &^ Downgrading) | Readable
	e.cond.Broadcast()
	return nil
}

// BeginDecache is the first half of transitions 4/6: READABLE|WRITABLE
// → DECACHING. Callers must have already checked !in_use_for_write for
// the WRITABLE case.
func (e *Entry) BeginDecache() error {
	if !e.state.Any(Readable | Writable) {
		return consistency(e, "beginDecache: entry not readable or writable")
	}
	e.state = (e.state &^ (Readable | Writable)) | Decaching
	return nil
}

// CompleteDecache is the second half of transitions 4/6: DECACHING →
// DECACHED.
func (e *Entry) CompleteDecache() error {
	if !e.state.Has(Decaching) {
		return consistency(e, "completeDecache: entry not decaching")
	}
	e.state = Decached
	e.cond.Broadcast()
	return nil
}

// ImmediateDecache is transition 7: READABLE|WRITABLE → DECACHED with
// no server round trip, legal only when the caller has verified there
// is no outstanding write (object case) and no pending-previous
// (binding case).
func (e *Entry) ImmediateDecache() error {
	if !e.state.Any(Readable | Writable) {
		return consistency(e, "immediateDecache: entry not readable or writable")
	}
	if e.inUseForWrite {
		return consistency(e, "immediateDecache: entry has an outstanding write")
	}
	if e.Kind == KindBinding && e.state.Has(PendingPrevious) {
		return consistency(e, "immediateDecache: binding entry has pending previous")
	}
	e.state = Decached
	e.cond.Broadcast()
	return nil
}

// SetPendingPrevious sets or clears the binding-only PENDING_PREVIOUS
// flag (spec.md §3 invariant 4). Clearing it wakes anyone blocked in
// AwaitNotPendingPrevious.
func (e *Entry) SetPendingPrevious(v bool) error {
	if e.Kind != KindBinding {
		return consistency(e, "setPendingPrevious on an object entry")
	}
	if v {
		e.state |= PendingPrevious
	} else {
		e.state &^= PendingPrevious
		e.cond.Broadcast()
	}
	return nil
}

// IsPendingPrevious reports the binding-only PENDING_PREVIOUS flag.
func (e *Entry) IsPendingPrevious() bool { return e.state.Has(PendingPrevious) }

// --- Condition waits (spec.md §4.2) ---

// awaitUntil loops on the entry's condition variable, calling done()
// after every wakeup until it reports completion or deadline passes.
// The caller must hold e.mu. A timer and (if ctx is non-nil) a watcher
// goroutine translate the deadline/cancellation into a Broadcast, since
// sync.Cond has no built-in timeout.
func (e *Entry) awaitUntil(ctx context.Context, deadline time.Time, done func() (AwaitResult, bool)) (AwaitResult, error) {
	if r, ok := done(); ok {
		return r, nil
	}

	timer := time.AfterFunc(time.Until(deadline), func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()

	if ctx != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				e.mu.Lock()
				e.cond.Broadcast()
				e.mu.Unlock()
			case <-stop:
			}
		}()
	}

	for {
		if r, ok := done(); ok {
			return r, nil
		}
		if !time.Now().Before(deadline) {
			return AwaitDecached, cacheerrors.TransactionTimeout("await", e.keyStringer())
		}
		if ctx != nil && ctx.Err() != nil {
			return AwaitDecached, cacheerrors.TransactionTimeout("await", e.keyStringer())
		}
		e.cond.Wait()
	}
}

// AwaitReadable blocks until the entry is READABLE, WRITABLE, or
// DECACHED, or the transaction's stop time (deadline) passes. Caller
// must hold the entry's stripe lock.
func (e *Entry) AwaitReadable(ctx context.Context, deadline time.Time) (AwaitResult, error) {
	return e.awaitUntil(ctx, deadline, func() (AwaitResult, bool) {
		switch {
		case e.state.Has(Decached):
			return AwaitDecached, true
		case e.state.Has(Writable):
			return AwaitWritable, true
		case e.state.Has(Readable):
			return AwaitReadable, true
		default:
			return 0, false
		}
	})
}

// AwaitWritable blocks until the entry is WRITABLE, plain READABLE (the
// caller should then schedule an upgrade), or DECACHED.
func (e *Entry) AwaitWritable(ctx context.Context, deadline time.Time) (AwaitResult, error) {
	return e.awaitUntil(ctx, deadline, func() (AwaitResult, bool) {
		switch {
		case e.state.Has(Decached):
			return AwaitDecached, true
		case e.state.Has(Writable) && !e.state.Has(Downgrading):
			return AwaitWritable, true
		case e.state.Has(Readable) && !e.state.Has(FetchingUpgrade) && !e.state.Has(Downgrading):
			return AwaitReadable, true
		default:
			return 0, false
		}
	})
}

// AwaitNotPendingPrevious blocks until a binding entry's
// PENDING_PREVIOUS flag is clear.
func (e *Entry) AwaitNotPendingPrevious(ctx context.Context, deadline time.Time) error {
	_, err := e.awaitUntil(ctx, deadline, func() (AwaitResult, bool) {
		if !e.state.Has(PendingPrevious) {
			return AwaitReadable, true
		}
		return 0, false
	})
	return err
}
