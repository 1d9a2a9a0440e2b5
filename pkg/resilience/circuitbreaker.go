package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// NodeBreaker wraps gobreaker around the server protocol client so that
// persistent failure (the retry policy exhausted) trips the breaker
// instead of hammering a server that is already down. A tripped
// breaker is the local representation of "node marked failed" from
// spec.md §7.
type NodeBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// BreakerConfig configures NewNodeBreaker.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	OnTrip      func(name string)
}

// NewNodeBreaker builds a breaker that trips once at least 5 requests
// in the current interval show a >=50% failure ratio, mirroring the
// teacher's default ReadyToTrip policy.
func NewNodeBreaker(cfg BreakerConfig) *NodeBreaker {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && ratio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen && cfg.OnTrip != nil {
				cfg.OnTrip(name)
			}
		},
	}
	return &NodeBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the breaker. When the breaker is open it
// returns gobreaker.ErrOpenState without calling fn.
func (b *NodeBreaker) Execute(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
}

// IsOpen reports whether the breaker is currently refusing calls —
// the node-failed state a caller checks before even attempting I/O.
func (b *NodeBreaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}
