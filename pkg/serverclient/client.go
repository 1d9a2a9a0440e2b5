// Package serverclient implements the stateless typed RPC facade
// against the authoritative server (spec.md §4.3) over a duplex
// websocket connection: every call in §4.3's table, transient-I/O
// retry with exponential backoff, and dispatch of server-initiated
// requestEvict*/requestDowngrade* callback frames.
package serverclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/latticedb/nodecache/pkg/cacheerrors"
	"github.com/latticedb/nodecache/pkg/config"
	"github.com/latticedb/nodecache/pkg/entry"
	"github.com/latticedb/nodecache/pkg/observability"
	"github.com/latticedb/nodecache/pkg/resilience"
	"github.com/latticedb/nodecache/pkg/wire"
)

// CallbackHandler is dispatched to from inbound server-initiated
// frames (spec.md §4.6.6). Each method returns true iff the request
// was settled synchronously.
type CallbackHandler interface {
	RequestEvictObject(ctx context.Context, oid entry.OID) bool
	RequestEvictBinding(ctx context.Context, key entry.BindingKey) bool
	RequestDowngradeObject(ctx context.Context, oid entry.OID) bool
	RequestDowngradeBinding(ctx context.Context, key entry.BindingKey) bool
}

// FailureReporter is notified when the server connection is
// permanently lost (spec.md §7's reportFailure / watchdog).
type FailureReporter interface {
	ReportFailure(source string, err error)
}

const (
	kindRegisterNode         = "registerNode"
	kindNewObjectIDs         = "newObjectIds"
	kindGetObject            = "getObject"
	kindGetObjectForUpdate   = "getObjectForUpdate"
	kindUpgradeObject        = "upgradeObject"
	kindGetBinding           = "getBinding"
	kindGetBindingForUpdate  = "getBindingForUpdate"
	kindGetBindingForRemove  = "getBindingForRemove"
	kindNextBoundName        = "nextBoundName"
	kindGetClassID           = "getClassId"
	kindGetClassInfo         = "getClassInfo"
	kindCommit               = "commit"
	kindEvictObject          = "evictObject"
	kindEvictBinding         = "evictBinding"
	kindDowngradeObject      = "downgradeObject"
	kindDowngradeBinding     = "downgradeBinding"

	kindRequestEvictObject     = "requestEvictObject"
	kindRequestEvictBinding    = "requestEvictBinding"
	kindRequestDowngradeObject = "requestDowngradeObject"
	kindRequestDowngradeBinding = "requestDowngradeBinding"
)

// frame is the single envelope shape carried over the duplex
// connection in both directions.
type frame struct {
	Kind    string          `json:"kind"`
	CorrID  uint64          `json:"corrId"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client is a stateless typed RPC facade over one duplex websocket
// connection to the authoritative server.
type Client struct {
	cfg config.Config

	conn *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan frame

	corrSeq atomic.Uint64

	nodeIDMu sync.RWMutex
	nodeID   wire.NodeID

	callbacks CallbackHandler
	reporter  FailureReporter

	retry   resilience.RetryPolicy
	breaker *resilience.NodeBreaker
	limiter *resilience.RateLimiter

	logger  observability.Logger
	metrics observability.MetricsClient

	failed atomic.Bool
}

// Dial opens the duplex connection and starts the background read
// loop. callbacks handles inbound requestEvict*/requestDowngrade*
// frames; reporter is notified if the connection is lost for good.
func Dial(ctx context.Context, cfg config.Config, callbacks CallbackHandler, reporter FailureReporter, logger observability.Logger, metrics observability.MetricsClient) (*Client, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	url := fmt.Sprintf("ws://%s:%d/node", cfg.ServerHost, cfg.ServerPort)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, cacheerrors.Network("dial", err)
	}
	conn.SetReadLimit(16 << 20)

	c := &Client{
		cfg:       cfg,
		conn:      conn,
		pending:   make(map[uint64]chan frame),
		callbacks: callbacks,
		reporter:  reporter,
		retry:     resilience.NewRetryPolicy(cfg.RetryWait, cfg.MaxRetry),
		breaker: resilience.NewNodeBreaker(resilience.BreakerConfig{
			Name: "serverclient",
			OnTrip: func(name string) {
				logger.Warn("server circuit opened", map[string]interface{}{"breaker": name})
			},
		}),
		limiter: resilience.NewRateLimiter(0, 0),
		logger:  logger,
		metrics: metrics,
	}
	go c.readLoop()
	return c, nil
}

// IsFailed reports whether the node has been marked failed after
// exhausting retries (spec.md §7).
func (c *Client) IsFailed() bool { return c.failed.Load() }

func (c *Client) markFailed(source string, err error) {
	if c.failed.CompareAndSwap(false, true) {
		c.logger.Error("server connection failed", map[string]interface{}{"source": source, "error": err.Error()})
		if c.reporter != nil {
			c.reporter.ReportFailure(source, err)
		}
		c.failAllPending(err)
	}
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- frame{Error: err.Error()}:
		default:
		}
		delete(c.pending, id)
	}
}

func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.markFailed("read", cacheerrors.Network("read", err))
			return
		}
		var fr frame
		if err := json.Unmarshal(data, &fr); err != nil {
			c.logger.Warn("discarding malformed frame", map[string]interface{}{"error": err.Error()})
			continue
		}
		switch fr.Kind {
		case kindRequestEvictObject, kindRequestEvictBinding, kindRequestDowngradeObject, kindRequestDowngradeBinding:
			go c.dispatchCallback(fr)
		default:
			c.pendingMu.Lock()
			ch, ok := c.pending[fr.CorrID]
			if ok {
				delete(c.pending, fr.CorrID)
			}
			c.pendingMu.Unlock()
			if ok {
				ch <- fr
			}
		}
	}
}

func (c *Client) dispatchCallback(fr frame) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LockTimeout*100)
	defer cancel()

	var done bool
	switch fr.Kind {
	case kindRequestEvictObject:
		var req wire.RequestEvictObject
		if json.Unmarshal(fr.Payload, &req) == nil {
			done = c.callbacks.RequestEvictObject(ctx, req.OID)
		}
	case kindRequestEvictBinding:
		var req wire.RequestEvictBinding
		if json.Unmarshal(fr.Payload, &req) == nil {
			done = c.callbacks.RequestEvictBinding(ctx, wire.WireKeyToBindingKey(req.Name))
		}
	case kindRequestDowngradeObject:
		var req wire.RequestDowngradeObject
		if json.Unmarshal(fr.Payload, &req) == nil {
			done = c.callbacks.RequestDowngradeObject(ctx, req.OID)
		}
	case kindRequestDowngradeBinding:
		var req wire.RequestDowngradeBinding
		if json.Unmarshal(fr.Payload, &req) == nil {
			done = c.callbacks.RequestDowngradeBinding(ctx, wire.WireKeyToBindingKey(req.Name))
		}
	}

	payload, _ := json.Marshal(wire.CallbackResult{Done: done})
	reply := frame{Kind: fr.Kind, CorrID: fr.CorrID, Payload: payload}
	if err := c.writeFrame(ctx, reply); err != nil {
		c.logger.Warn("failed to ack callback frame", map[string]interface{}{"kind": fr.Kind, "error": err.Error()})
	}
}

func (c *Client) writeFrame(ctx context.Context, fr frame) error {
	data, err := json.Marshal(fr)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close terminates the connection gracefully.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "node shutting down")
}

var tracer = otel.Tracer("github.com/latticedb/nodecache/pkg/serverclient")

func doRPC[Req any, Resp any](ctx context.Context, c *Client, kind string, req Req) (Resp, error) {
	ctx, span := tracer.Start(ctx, "serverclient."+kind, oteltrace.WithSpanKind(oteltrace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("rpc.kind", kind))

	out, err := doRPCUntraced[Req, Resp](ctx, c, kind, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func doRPCUntraced[Req any, Resp any](ctx context.Context, c *Client, kind string, req Req) (Resp, error) {
	var zero Resp
	if c.failed.Load() {
		return zero, cacheerrors.Network(kind, fmt.Errorf("node marked failed"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return zero, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return zero, err
	}

	start := time.Now()
	result, err := c.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		var resp frame
		retryErr := c.retry.Do(ctx, cacheerrors.IsRetryable, func() error {
			corrID := c.corrSeq.Add(1)
			ch := make(chan frame, 1)
			c.pendingMu.Lock()
			c.pending[corrID] = ch
			c.pendingMu.Unlock()

			if err := c.writeFrame(ctx, frame{Kind: kind, CorrID: corrID, Payload: payload}); err != nil {
				c.pendingMu.Lock()
				delete(c.pending, corrID)
				c.pendingMu.Unlock()
				return cacheerrors.TransientIO(kind, err)
			}

			select {
			case resp = <-ch:
				if resp.Error != "" {
					return cacheerrors.Network(kind, fmt.Errorf("%s", resp.Error))
				}
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		return resp, retryErr
	})
	c.metrics.ObserveLatency("serverclient_rpc", time.Since(start), map[string]string{"kind": kind})

	if err != nil {
		if resilience.Exhausted(err) {
			c.markFailed(kind, err)
		}
		return zero, err
	}

	resp := result.(frame)
	var out Resp
	if len(resp.Payload) > 0 {
		if err := json.Unmarshal(resp.Payload, &out); err != nil {
			return zero, err
		}
	}
	return out, nil
}

// RegisterNode registers this node's callback endpoint and remembers
// the assigned node id for subsequent calls.
func (c *Client) RegisterNode(ctx context.Context, callbackHost string, callbackPort int) (wire.NodeID, int, error) {
	resp, err := doRPC[wire.RegisterNodeRequest, wire.RegisterNodeResponse](ctx, c, kindRegisterNode, wire.RegisterNodeRequest{
		CallbackHost: callbackHost,
		CallbackPort: callbackPort,
	})
	if err != nil {
		return 0, 0, err
	}
	c.nodeIDMu.Lock()
	c.nodeID = resp.NodeID
	c.nodeIDMu.Unlock()
	return resp.NodeID, resp.UpdateQueuePort, nil
}

func (c *Client) node() wire.NodeID {
	c.nodeIDMu.RLock()
	defer c.nodeIDMu.RUnlock()
	return c.nodeID
}

// NewObjectIDs allocates a fresh, contiguous OID range.
func (c *Client) NewObjectIDs(ctx context.Context, batchSize int) (first uint64, count int, err error) {
	resp, err := doRPC[wire.NewObjectIDsRequest, wire.NewObjectIDsResponse](ctx, c, kindNewObjectIDs, wire.NewObjectIDsRequest{BatchSize: batchSize})
	if err != nil {
		return 0, 0, err
	}
	return resp.First, resp.Count, nil
}

// GetObject fetches oid for read.
func (c *Client) GetObject(ctx context.Context, oid entry.OID) (wire.GetObjectResponse, error) {
	return doRPC[wire.GetObjectRequest, wire.GetObjectResponse](ctx, c, kindGetObject, wire.GetObjectRequest{Node: c.node(), OID: oid})
}

// GetObjectForUpdate fetches oid for write.
func (c *Client) GetObjectForUpdate(ctx context.Context, oid entry.OID) (wire.GetObjectForUpdateResponse, error) {
	return doRPC[wire.GetObjectForUpdateRequest, wire.GetObjectForUpdateResponse](ctx, c, kindGetObjectForUpdate, wire.GetObjectForUpdateRequest{Node: c.node(), OID: oid})
}

// UpgradeObject asks the server to upgrade an already-readable object.
func (c *Client) UpgradeObject(ctx context.Context, oid entry.OID) (wire.UpgradeObjectResponse, error) {
	return doRPC[wire.UpgradeObjectRequest, wire.UpgradeObjectResponse](ctx, c, kindUpgradeObject, wire.UpgradeObjectRequest{Node: c.node(), OID: oid})
}

// GetBinding resolves name for read.
func (c *Client) GetBinding(ctx context.Context, name entry.BindingKey) (wire.GetBindingResponse, error) {
	return doRPC[wire.GetBindingRequest, wire.GetBindingResponse](ctx, c, kindGetBinding, wire.GetBindingRequest{Node: c.node(), Name: wire.BindingKeyToWire(name)})
}

// GetBindingForUpdate resolves name for write.
func (c *Client) GetBindingForUpdate(ctx context.Context, name entry.BindingKey) (wire.GetBindingForUpdateResponse, error) {
	return doRPC[wire.GetBindingForUpdateRequest, wire.GetBindingForUpdateResponse](ctx, c, kindGetBindingForUpdate, wire.GetBindingForUpdateRequest{Node: c.node(), Name: wire.BindingKeyToWire(name)})
}

// GetBindingForRemove resolves name and its successor for write, ahead
// of a removeBinding.
func (c *Client) GetBindingForRemove(ctx context.Context, name entry.BindingKey) (wire.GetBindingForRemoveResponse, error) {
	return doRPC[wire.GetBindingForRemoveRequest, wire.GetBindingForRemoveResponse](ctx, c, kindGetBindingForRemove, wire.GetBindingForRemoveRequest{Node: c.node(), Name: wire.BindingKeyToWire(name)})
}

// NextBoundName asks for the smallest bound name strictly greater than
// name.
func (c *Client) NextBoundName(ctx context.Context, name entry.BindingKey) (wire.NextBoundNameResponse, error) {
	return doRPC[wire.NextBoundNameRequest, wire.NextBoundNameResponse](ctx, c, kindNextBoundName, wire.NextBoundNameRequest{Node: c.node(), Name: wire.BindingKeyToWire(name)})
}

// GetClassID implements classregistry.Fetcher.
func (c *Client) GetClassID(ctx context.Context, descriptor []byte) (uint64, error) {
	resp, err := doRPC[wire.GetClassIDRequest, wire.GetClassIDResponse](ctx, c, kindGetClassID, wire.GetClassIDRequest{Descriptor: descriptor})
	if err != nil {
		return 0, err
	}
	return resp.ClassID, nil
}

// GetClassInfo implements classregistry.Fetcher.
func (c *Client) GetClassInfo(ctx context.Context, classID uint64) ([]byte, error) {
	resp, err := doRPC[wire.GetClassInfoRequest, wire.GetClassInfoResponse](ctx, c, kindGetClassInfo, wire.GetClassInfoRequest{ClassID: classID})
	if err != nil {
		return nil, err
	}
	return resp.Descriptor, nil
}

// Commit ships one transaction's writes as a single atomic batch.
func (c *Client) Commit(ctx context.Context, contextID wire.ContextID, writes []wire.CommitWrite) error {
	_, err := doRPC[wire.CommitRequest, wire.CommitResponse](ctx, c, kindCommit, wire.CommitRequest{Node: c.node(), ContextID: contextID, Writes: writes})
	return err
}

// EvictObject reports that this node has released oid.
func (c *Client) EvictObject(ctx context.Context, oid entry.OID) error {
	_, err := doRPC[wire.EvictObjectRequest, wire.Ack](ctx, c, kindEvictObject, wire.EvictObjectRequest{Node: c.node(), OID: oid})
	return err
}

// EvictBinding reports that this node has released name.
func (c *Client) EvictBinding(ctx context.Context, name entry.BindingKey) error {
	_, err := doRPC[wire.EvictBindingRequest, wire.Ack](ctx, c, kindEvictBinding, wire.EvictBindingRequest{Node: c.node(), Name: wire.BindingKeyToWire(name)})
	return err
}

// DowngradeObject reports that this node has downgraded oid.
func (c *Client) DowngradeObject(ctx context.Context, oid entry.OID) error {
	_, err := doRPC[wire.DowngradeObjectRequest, wire.Ack](ctx, c, kindDowngradeObject, wire.DowngradeObjectRequest{Node: c.node(), OID: oid})
	return err
}

// DowngradeBinding reports that this node has downgraded name.
func (c *Client) DowngradeBinding(ctx context.Context, name entry.BindingKey) error {
	_, err := doRPC[wire.DowngradeBindingRequest, wire.Ack](ctx, c, kindDowngradeBinding, wire.DowngradeBindingRequest{Node: c.node(), Name: wire.BindingKeyToWire(name)})
	return err
}
