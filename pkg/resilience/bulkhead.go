package resilience

import (
	"context"
	"fmt"
)

// Bulkhead bounds the number of concurrent server-bound operations, the
// way spec.md §5 bounds the "cached worker pool" that services fetches
// and callback exporters so one slow entry can't starve the others.
type Bulkhead struct {
	name string
	slot chan struct{}
}

// NewBulkhead creates a Bulkhead allowing at most max concurrent calls.
func NewBulkhead(name string, max int) *Bulkhead {
	if max <= 0 {
		max = 1
	}
	return &Bulkhead{name: name, slot: make(chan struct{}, max)}
}

// Execute runs fn once a slot is free, or returns an error if ctx is
// cancelled first.
func (b *Bulkhead) Execute(ctx context.Context, fn func(context.Context) error) error {
	select {
	case b.slot <- struct{}{}:
		defer func() { <-b.slot }()
		return fn(ctx)
	case <-ctx.Done():
		return fmt.Errorf("bulkhead %q: %w", b.name, ctx.Err())
	}
}

// InUse returns the number of calls currently occupying a slot.
func (b *Bulkhead) InUse() int {
	return len(b.slot)
}

// Capacity returns the bulkhead's configured concurrency limit.
func (b *Bulkhead) Capacity() int {
	return cap(b.slot)
}
