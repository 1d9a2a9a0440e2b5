// Package wire defines the request/response shapes of the server
// protocol (spec.md §4.3, §6 wire contract). Every type here is
// exchanged verbatim over the duplex connection in pkg/serverclient;
// none of it encodes behavior.
package wire

import "github.com/latticedb/nodecache/pkg/entry"

// NodeID identifies a registered cache node to the authoritative
// server.
type NodeID uint64

// ContextID is the wire form of a transaction's context_id.
type ContextID int64

// KeyTag mirrors entry.KeyTag on the wire. Sentinels are carried as a
// distinguished tag, never as a string (spec.md §6).
type KeyTag uint8

const (
	KeyTagName KeyTag = iota
	KeyTagFirst
	KeyTagLast
)

// BindingKeyToWire converts a local binding key to its wire form.
func BindingKeyToWire(k entry.BindingKey) WireKey {
	return WireKey{Tag: KeyTag(k.Tag), Name: k.Name}
}

// WireKeyToBindingKey converts a wire key back to the local form.
func WireKeyToBindingKey(w WireKey) entry.BindingKey {
	return entry.BindingKey{Tag: entry.KeyTag(w.Tag), Name: w.Name}
}

// WireKey is the wire encoding of entry.BindingKey.
type WireKey struct {
	Tag  KeyTag `json:"tag"`
	Name string `json:"name,omitempty"`
}

// RegisterNodeRequest registers this node's callback endpoint with the
// server.
type RegisterNodeRequest struct {
	CallbackHost string `json:"callbackHost"`
	CallbackPort int    `json:"callbackPort"`
}

// RegisterNodeResponse carries the assigned node id and update-queue
// port.
type RegisterNodeResponse struct {
	NodeID         NodeID `json:"nodeId"`
	UpdateQueuePort int   `json:"updateQueuePort"`
}

// NewObjectIDsRequest asks the server for a fresh, contiguous OID
// range.
type NewObjectIDsRequest struct {
	BatchSize int `json:"batchSize"`
}

// NewObjectIDsResponse is a half-open [First, First+Count) range.
type NewObjectIDsResponse struct {
	First uint64 `json:"first"`
	Count int    `json:"count"`
}

// GetObjectRequest fetches an object for read.
type GetObjectRequest struct {
	Node NodeID     `json:"node"`
	OID  entry.OID  `json:"oid"`
}

// GetObjectResponse reports the cached value, if any, and whether the
// server has pre-scheduled an eviction callback.
type GetObjectResponse struct {
	Found         bool   `json:"found"`
	Data          []byte `json:"data,omitempty"`
	CallbackEvict bool   `json:"callbackEvict"`
}

// GetObjectForUpdateRequest fetches an object for write.
type GetObjectForUpdateRequest struct {
	Node NodeID    `json:"node"`
	OID  entry.OID `json:"oid"`
}

// GetObjectForUpdateResponse additionally reports a pre-scheduled
// downgrade callback.
type GetObjectForUpdateResponse struct {
	Found             bool   `json:"found"`
	Data              []byte `json:"data,omitempty"`
	CallbackEvict     bool   `json:"callbackEvict"`
	CallbackDowngrade bool   `json:"callbackDowngrade"`
}

// UpgradeObjectRequest asks the server to upgrade an already-readable
// object to writable.
type UpgradeObjectRequest struct {
	Node NodeID    `json:"node"`
	OID  entry.OID `json:"oid"`
}

// UpgradeObjectResponse reports a pre-scheduled eviction callback.
type UpgradeObjectResponse struct {
	CallbackEvict bool `json:"callbackEvict"`
}

// GetBindingRequest resolves a name for read.
type GetBindingRequest struct {
	Node NodeID  `json:"node"`
	Name WireKey `json:"name"`
}

// GetBindingResponse reports whether name is bound and, if not, the
// true next bound name (for absence-range caching).
type GetBindingResponse struct {
	Found         bool      `json:"found"`
	OID           entry.OID `json:"oid"`
	NextName      *WireKey  `json:"nextName,omitempty"`
	CallbackEvict bool      `json:"callbackEvict"`
}

// GetBindingForUpdateRequest resolves a name for write.
type GetBindingForUpdateRequest struct {
	Node NodeID  `json:"node"`
	Name WireKey `json:"name"`
}

// GetBindingForUpdateResponse additionally reports a pre-scheduled
// downgrade callback.
type GetBindingForUpdateResponse struct {
	Found             bool      `json:"found"`
	OID               entry.OID `json:"oid"`
	NextName          *WireKey  `json:"nextName,omitempty"`
	CallbackEvict     bool      `json:"callbackEvict"`
	CallbackDowngrade bool      `json:"callbackDowngrade"`
}

// GetBindingForRemoveRequest resolves both a name and its successor
// for write, ahead of a removeBinding.
type GetBindingForRemoveRequest struct {
	Node NodeID  `json:"node"`
	Name WireKey `json:"name"`
}

// GetBindingForRemoveResponse reports the target and its successor
// together with eviction/downgrade pre-scheduling flags for each.
type GetBindingForRemoveResponse struct {
	Found                bool      `json:"found"`
	OID                  entry.OID `json:"oid"`
	NextName             WireKey   `json:"nextName"`
	NextOID              entry.OID `json:"nextOid"`
	CallbackEvictTarget     bool `json:"callbackEvictTarget"`
	CallbackDowngradeTarget bool `json:"callbackDowngradeTarget"`
	CallbackEvictNext       bool `json:"callbackEvictNext"`
	CallbackDowngradeNext   bool `json:"callbackDowngradeNext"`
}

// NextBoundNameRequest asks the server for the smallest bound name
// strictly greater than Name.
type NextBoundNameRequest struct {
	Node NodeID  `json:"node"`
	Name WireKey `json:"name"`
}

// NextBoundNameResponse reports the next bound name, if any exists.
type NextBoundNameResponse struct {
	NextName      *WireKey  `json:"nextName,omitempty"`
	OID           entry.OID `json:"oid"`
	CallbackEvict bool      `json:"callbackEvict"`
}

// GetClassIDRequest interns a class descriptor, returning its id.
type GetClassIDRequest struct {
	Descriptor []byte `json:"descriptor"`
}

// GetClassIDResponse carries the interned class id.
type GetClassIDResponse struct {
	ClassID uint64 `json:"classId"`
}

// GetClassInfoRequest resolves a class id back to its descriptor.
type GetClassInfoRequest struct {
	ClassID uint64 `json:"classId"`
}

// GetClassInfoResponse carries the resolved descriptor.
type GetClassInfoResponse struct {
	Descriptor []byte `json:"descriptor"`
}

// CommitWrite is one entry of a commit batch (spec.md §4.5).
type CommitWrite struct {
	IsBinding          bool      `json:"isBinding"`
	OID                entry.OID `json:"oid,omitempty"`
	Name               WireKey   `json:"name,omitempty"`
	BoundOID           entry.OID `json:"boundOid,omitempty"`
	Tombstone          bool      `json:"tombstone"`
	Data               []byte    `json:"data,omitempty"`
	PreviousKey        WireKey   `json:"previousKey,omitempty"`
	PreviousKeyUnbound bool      `json:"previousKeyUnbound,omitempty"`
}

// CommitRequest ships one transaction's writes as a single atomic,
// key-ordered batch tagged with its context_id.
type CommitRequest struct {
	Node      NodeID        `json:"node"`
	ContextID ContextID     `json:"contextId"`
	Writes    []CommitWrite `json:"writes"`
}

// CommitResponse acknowledges a commit batch.
type CommitResponse struct {
	Acked bool `json:"acked"`
}

// EvictObjectRequest reports that this node has released oid.
type EvictObjectRequest struct {
	Node NodeID    `json:"node"`
	OID  entry.OID `json:"oid"`
}

// EvictBindingRequest reports that this node has released name.
type EvictBindingRequest struct {
	Node NodeID  `json:"node"`
	Name WireKey `json:"name"`
}

// DowngradeObjectRequest reports that this node has downgraded oid
// from writable to readable.
type DowngradeObjectRequest struct {
	Node NodeID    `json:"node"`
	OID  entry.OID `json:"oid"`
}

// DowngradeBindingRequest reports that this node has downgraded name.
type DowngradeBindingRequest struct {
	Node NodeID  `json:"node"`
	Name WireKey `json:"name"`
}

// Ack is the generic acknowledgement for evict/downgrade reports.
type Ack struct {
	OK bool `json:"ok"`
}

// RequestEvictObject is a server-initiated callback asking this node
// to release an object.
type RequestEvictObject struct {
	OID entry.OID `json:"oid"`
}

// RequestEvictBinding is a server-initiated callback asking this node
// to release a binding.
type RequestEvictBinding struct {
	Name WireKey `json:"name"`
}

// RequestDowngradeObject is a server-initiated callback asking this
// node to downgrade an object from writable to readable.
type RequestDowngradeObject struct {
	OID entry.OID `json:"oid"`
}

// RequestDowngradeBinding is a server-initiated callback asking this
// node to downgrade a binding.
type RequestDowngradeBinding struct {
	Name WireKey `json:"name"`
}

// CallbackResult answers a requestEvict*/requestDowngrade* callback:
// Done=true means the node settled the request synchronously; Done=
// false is a promise to eventually settle it via an evict/downgrade
// report once the entry becomes quiescent (spec.md §4.6.6).
type CallbackResult struct {
	Done bool `json:"done"`
}
