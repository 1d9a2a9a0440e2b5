// Package queue implements the update queue (spec.md §4.5): a single
// FIFO shipping committed writes, evicts, and downgrades to the
// authoritative server in commit order, with per-item completion
// handlers run on the queue's own worker.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/latticedb/nodecache/pkg/cacheerrors"
	"github.com/latticedb/nodecache/pkg/config"
	"github.com/latticedb/nodecache/pkg/entry"
	"github.com/latticedb/nodecache/pkg/observability"
	"github.com/latticedb/nodecache/pkg/resilience"
	"github.com/latticedb/nodecache/pkg/wire"
)

// Kind enumerates the queue item kinds.
type Kind int

const (
	KindCommit Kind = iota
	KindEvictObject
	KindEvictBinding
	KindDowngradeObject
	KindDowngradeBinding
)

// ServerClient is the subset of pkg/serverclient.Client the queue
// drives.
type ServerClient interface {
	Commit(ctx context.Context, contextID wire.ContextID, writes []wire.CommitWrite) error
	EvictObject(ctx context.Context, oid entry.OID) error
	EvictBinding(ctx context.Context, key entry.BindingKey) error
	DowngradeObject(ctx context.Context, oid entry.OID) error
	DowngradeBinding(ctx context.Context, key entry.BindingKey) error
}

// FailureReporter escalates a persistent queue failure to the
// watchdog (spec.md §7).
type FailureReporter interface {
	ReportFailure(source string, err error)
}

// CompletionHandler runs on the queue's worker once an item settles
// (successfully or not). It typically transitions entry state, e.g.
// DECACHING -> DECACHED.
type CompletionHandler func(err error)

// Item is one unit of work shipped to the server in FIFO order.
type Item struct {
	Kind       Kind
	ContextID  int64
	Writes     []wire.CommitWrite  // KindCommit only
	OID        entry.OID           // *Object kinds
	Name       entry.BindingKey    // *Binding kinds
	OnComplete CompletionHandler
}

// Queue is a single-producer-per-context FIFO drained by one worker
// goroutine.
type Queue struct {
	items  chan Item
	client ServerClient

	retry    resilience.RetryPolicy
	reporter FailureReporter
	logger   observability.Logger
	metrics  observability.MetricsClient

	settled atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Queue with capacity cfg.UpdateQueueSize.
func New(cfg config.Config, client ServerClient, reporter FailureReporter, logger observability.Logger, metrics observability.MetricsClient) *Queue {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	q := &Queue{
		items:    make(chan Item, cfg.UpdateQueueSize),
		client:   client,
		retry:    resilience.NewRetryPolicy(cfg.RetryWait, cfg.MaxRetry),
		reporter: reporter,
		logger:   logger,
		metrics:  metrics,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	q.settled.Store(-1)
	return q
}

// Start launches the worker goroutine.
func (q *Queue) Start() { go q.run() }

// Stop signals the worker to drain in-flight items and exit, then
// blocks until it has.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	<-q.doneCh
}

// Enqueue appends item to the tail of the queue, blocking while full.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	select {
	case q.items <- item:
		q.metrics.SetGauge("update_queue_depth", float64(len(q.items)), nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HighestSettledContextID returns the highest context_id whose writes
// have been fully acknowledged by the server. An entry whose last-use
// context_id is <= this value needs no further server interaction
// before eviction.
func (q *Queue) HighestSettledContextID() int64 { return q.settled.Load() }

// Depth reports how many items are currently queued, for diagnostics.
func (q *Queue) Depth() int { return len(q.items) }

func (q *Queue) run() {
	defer close(q.doneCh)
	for {
		select {
		case item := <-q.items:
			q.process(item)
		case <-q.stopCh:
			q.drain()
			return
		}
	}
}

// drain ships whatever remains in the buffer so commits already
// accepted from a transaction are not silently lost on shutdown.
func (q *Queue) drain() {
	for {
		select {
		case item := <-q.items:
			q.process(item)
		default:
			return
		}
	}
}

func (q *Queue) process(item Item) {
	ctx := context.Background()
	var err error

	switch item.Kind {
	case KindCommit:
		err = q.retry.Do(ctx, cacheerrors.IsRetryable, func() error {
			return q.client.Commit(ctx, wire.ContextID(item.ContextID), item.Writes)
		})
		if err == nil {
			for cur := q.settled.Load(); item.ContextID > cur; cur = q.settled.Load() {
				if q.settled.CompareAndSwap(cur, item.ContextID) {
					break
				}
			}
		}
	case KindEvictObject:
		err = q.retry.Do(ctx, cacheerrors.IsRetryable, func() error {
			return q.client.EvictObject(ctx, item.OID)
		})
	case KindEvictBinding:
		err = q.retry.Do(ctx, cacheerrors.IsRetryable, func() error {
			return q.client.EvictBinding(ctx, item.Name)
		})
	case KindDowngradeObject:
		err = q.retry.Do(ctx, cacheerrors.IsRetryable, func() error {
			return q.client.DowngradeObject(ctx, item.OID)
		})
	case KindDowngradeBinding:
		err = q.retry.Do(ctx, cacheerrors.IsRetryable, func() error {
			return q.client.DowngradeBinding(ctx, item.Name)
		})
	}

	if err != nil {
		q.logger.Warn("update queue item failed", map[string]interface{}{"kind": item.Kind, "error": err.Error()})
		if resilience.Exhausted(err) && q.reporter != nil {
			q.reporter.ReportFailure("update_queue", err)
		}
	}

	if item.OnComplete != nil {
		item.OnComplete(err)
	}
}
