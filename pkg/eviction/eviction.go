// Package eviction implements the evictor (spec.md §4.7): a single
// background goroutine applying LRU-with-hints eviction to keep the
// cache table under its soft limit, holding a standing reserve so
// transactional operations never stall waiting for capacity.
package eviction

import (
	"context"
	"sync"
	"time"

	"github.com/latticedb/nodecache/pkg/config"
	"github.com/latticedb/nodecache/pkg/entry"
	"github.com/latticedb/nodecache/pkg/observability"
	"github.com/latticedb/nodecache/pkg/queue"
	"github.com/latticedb/nodecache/pkg/table"
)

// Evictor runs the LRU-with-hints pass loop against a single table.
type Evictor struct {
	cfg   config.Config
	table *table.Table
	queue *queue.Queue

	settled func() int64

	logger  observability.Logger
	metrics observability.MetricsClient

	fullCh chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds an Evictor. settled reports the update queue's highest
// settled context id (spec.md §4.5), used to rank eviction candidates.
func New(cfg config.Config, t *table.Table, q *queue.Queue, settled func() int64, logger observability.Logger, metrics observability.MetricsClient) *Evictor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &Evictor{
		cfg:     cfg,
		table:   t,
		queue:   q,
		settled: settled,
		logger:  logger,
		metrics: metrics,
		fullCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// NotifyFull is the table.FullNotifier callback: it wakes the evictor.
// Non-blocking, since the table may call it while holding its own
// capacity lock.
func (ev *Evictor) NotifyFull() {
	select {
	case ev.fullCh <- struct{}{}:
	default:
	}
}

// Start reserves the standing headroom and launches the pass loop.
func (ev *Evictor) Start(ctx context.Context) error {
	if err := ev.table.Reserve(ctx, ev.cfg.EvictionReserve); err != nil {
		return err
	}
	go ev.run()
	return nil
}

// Stop signals the loop to exit and blocks until it has.
func (ev *Evictor) Stop() {
	ev.stopOnce.Do(func() { close(ev.stopCh) })
	<-ev.doneCh
}

func (ev *Evictor) run() {
	defer close(ev.doneCh)
	for {
		select {
		case <-ev.fullCh:
			ev.runPass()
		case <-ev.stopCh:
			return
		}
	}
}

// candidate is the spec.md §4.7 EntryInfo triple plus the entry it
// describes.
type candidate struct {
	e             *entry.Entry
	inUse         bool
	inUseForWrite bool
	contextID     int64
}

// better reports whether a is a stronger eviction candidate than b:
// prefer !inUse, then !inUseForWrite, then older context_id.
func better(a, b candidate) bool {
	if a.inUse != b.inUse {
		return !a.inUse
	}
	if a.inUseForWrite != b.inUseForWrite {
		return !a.inUseForWrite
	}
	return a.contextID < b.contextID
}

func (ev *Evictor) runPass() {
	ev.table.Release(ev.cfg.EvictionReserve)

	it := ev.table.NewIterator()
	emptyScans := 0
	for ev.table.FreeCapacity() < 2*ev.cfg.EvictionReserve {
		batch := it.Next(ev.cfg.EvictionBatchSize)
		if len(batch) == 0 {
			emptyScans++
			if emptyScans > 3 {
				ev.logger.Warn("eviction pass found nothing to scan", map[string]interface{}{})
				break
			}
			continue
		}

		var best *candidate
		for _, e := range batch {
			e.Lock()
			if !e.State().Any(entry.Readable | entry.Writable) {
				e.Unlock()
				continue
			}
			inUse, inUseForWrite, contextID := e.EvictionInfo(ev.settled())
			e.Unlock()
			c := candidate{e: e, inUse: inUse, inUseForWrite: inUseForWrite, contextID: contextID}
			if best == nil || better(c, *best) {
				cc := c
				best = &cc
			}
		}

		if best == nil {
			emptyScans++
			if emptyScans > 3 {
				ev.logger.Warn("eviction pass found no evictable entries", map[string]interface{}{})
				break
			}
			continue
		}
		emptyScans = 0

		if !best.inUse {
			ev.evict(best.e)
		} else {
			ev.scheduleRetry(best.e)
		}
	}

	if err := ev.table.Reserve(context.Background(), ev.cfg.EvictionReserve); err != nil {
		ev.logger.Warn("evictor failed to re-acquire reserve", map[string]interface{}{"error": err.Error()})
	}
}

func (ev *Evictor) evict(e *entry.Entry) {
	e.Lock()
	if !e.State().Any(entry.Readable | entry.Writable) {
		e.Unlock()
		return
	}
	isBinding := e.Kind == entry.KindBinding
	if err := e.BeginDecache(); err != nil {
		e.Unlock()
		return
	}
	oid := e.OID
	key := e.Key
	e.Unlock()

	ev.metrics.IncrCounter("eviction_evicted", map[string]string{"kind": kindLabel(isBinding)})

	if isBinding {
		ev.queue.Enqueue(context.Background(), queue.Item{
			Kind: queue.KindEvictBinding,
			Name: key,
			OnComplete: func(err error) {
				fresh, ok := ev.table.GetBinding(key)
				if !ok {
					return
				}
				fresh.Lock()
				if err == nil {
					if cerr := fresh.CompleteDecache(); cerr == nil {
						ev.table.RemoveBinding(fresh)
					}
				}
				fresh.Unlock()
			},
		})
		return
	}

	ev.queue.Enqueue(context.Background(), queue.Item{
		Kind: queue.KindEvictObject,
		OID:  oid,
		OnComplete: func(err error) {
			fresh, ok := ev.table.GetObject(oid)
			if !ok {
				return
			}
			fresh.Lock()
			if err == nil {
				if cerr := fresh.CompleteDecache(); cerr == nil {
					ev.table.RemoveObject(fresh)
				}
			}
			fresh.Unlock()
		},
	})
}

// scheduleRetry stands in for the out-of-scope kernel task runner: a
// lightweight goroutine that reattempts eviction once the entry
// becomes quiescent.
func (ev *Evictor) scheduleRetry(e *entry.Entry) {
	isBinding := e.Kind == entry.KindBinding
	oid := e.OID
	key := e.Key

	go func() {
		ticker := time.NewTicker(ev.cfg.LockTimeout)
		defer ticker.Stop()
		for i := 0; i < 1000; i++ {
			<-ticker.C
			var target *entry.Entry
			var ok bool
			if isBinding {
				target, ok = ev.table.GetBinding(key)
			} else {
				target, ok = ev.table.GetObject(oid)
			}
			if !ok {
				return
			}
			target.Lock()
			quiescent := target.Quiescent() && target.State().Any(entry.Readable|entry.Writable)
			target.Unlock()
			if quiescent {
				ev.evict(target)
				return
			}
		}
		ev.logger.Warn("eviction retry exceeded debug bound", map[string]interface{}{"oid": uint64(oid), "binding": isBinding})
	}()
}

func kindLabel(isBinding bool) string {
	if isBinding {
		return "binding"
	}
	return "object"
}
