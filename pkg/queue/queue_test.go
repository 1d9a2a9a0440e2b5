package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/nodecache/pkg/cacheerrors"
	"github.com/latticedb/nodecache/pkg/config"
	"github.com/latticedb/nodecache/pkg/entry"
	"github.com/latticedb/nodecache/pkg/wire"
)

type commitCall struct {
	contextID wire.ContextID
	writes    []wire.CommitWrite
}

type fakeClient struct {
	mu       sync.Mutex
	commits  []commitCall
	evicted  []entry.OID
	failNext bool
}

func (f *fakeClient) Commit(ctx context.Context, contextID wire.ContextID, writes []wire.CommitWrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return cacheerrors.TransientIO("commit", errors.New("simulated failure"))
	}
	f.commits = append(f.commits, commitCall{contextID: contextID, writes: writes})
	return nil
}

func (f *fakeClient) EvictObject(ctx context.Context, oid entry.OID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, oid)
	return nil
}

func (f *fakeClient) EvictBinding(ctx context.Context, key entry.BindingKey) error { return nil }
func (f *fakeClient) DowngradeObject(ctx context.Context, oid entry.OID) error     { return nil }
func (f *fakeClient) DowngradeBinding(ctx context.Context, key entry.BindingKey) error {
	return nil
}

func testConfig() config.Config {
	return config.Config{UpdateQueueSize: 10, RetryWait: time.Millisecond, MaxRetry: 50 * time.Millisecond}
}

func TestQueueProcessesCommitInOrderAndCompletes(t *testing.T) {
	client := &fakeClient{}
	q := New(testConfig(), client, nil, nil, nil)
	q.Start()
	defer q.Stop()

	done := make(chan int64, 3)
	for _, ctxID := range []int64{1, 2, 3} {
		ctxID := ctxID
		err := q.Enqueue(context.Background(), Item{
			Kind:      KindCommit,
			ContextID: ctxID,
			Writes:    []wire.CommitWrite{{OID: entry.OID(ctxID)}},
			OnComplete: func(err error) {
				require.NoError(t, err)
				done <- ctxID
			},
		})
		require.NoError(t, err)
	}

	var order []int64
	for i := 0; i < 3; i++ {
		select {
		case v := <-done:
			order = append(order, v)
		case <-time.After(2 * time.Second):
			t.Fatal("commit did not complete in time")
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, order, "commits must settle in FIFO order")
	assert.Equal(t, int64(3), q.HighestSettledContextID())
}

func TestQueueRetriesTransientFailure(t *testing.T) {
	client := &fakeClient{failNext: true}
	q := New(testConfig(), client, nil, nil, nil)
	q.Start()
	defer q.Stop()

	done := make(chan error, 1)
	err := q.Enqueue(context.Background(), Item{
		Kind:      KindCommit,
		ContextID: 1,
		OnComplete: func(err error) {
			done <- err
		},
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err, "transient failure should be retried transparently")
	case <-time.After(2 * time.Second):
		t.Fatal("commit did not complete after retry")
	}
}

func TestQueueReportsPersistentFailure(t *testing.T) {
	reporter := &captureReporter{}
	client := &alwaysFailClient{}
	cfg := config.Config{UpdateQueueSize: 10, RetryWait: time.Millisecond, MaxRetry: 5 * time.Millisecond}
	q := New(cfg, client, reporter, nil, nil)
	q.Start()
	defer q.Stop()

	done := make(chan error, 1)
	err := q.Enqueue(context.Background(), Item{
		Kind:      KindEvictObject,
		OID:       entry.OID(1),
		OnComplete: func(err error) { done <- err },
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("item never completed")
	}
	assert.True(t, reporter.called, "persistent failure must escalate via FailureReporter")
}

type captureReporter struct {
	called bool
	source string
	err    error
}

func (r *captureReporter) ReportFailure(source string, err error) {
	r.called = true
	r.source = source
	r.err = err
}

type alwaysFailClient struct{}

func (alwaysFailClient) Commit(ctx context.Context, contextID wire.ContextID, writes []wire.CommitWrite) error {
	return cacheerrors.TransientIO("commit", errors.New("permanent in this test"))
}
func (alwaysFailClient) EvictObject(ctx context.Context, oid entry.OID) error {
	return cacheerrors.TransientIO("evictObject", errors.New("permanent in this test"))
}
func (alwaysFailClient) EvictBinding(ctx context.Context, key entry.BindingKey) error { return nil }
func (alwaysFailClient) DowngradeObject(ctx context.Context, oid entry.OID) error     { return nil }
func (alwaysFailClient) DowngradeBinding(ctx context.Context, key entry.BindingKey) error {
	return nil
}
