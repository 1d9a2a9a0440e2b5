// Package observability provides the logging and metrics surface shared
// by every package in this module. It follows the teacher's pattern of
// a small structured-field Logger interface plus a MetricsClient
// interface backed by Prometheus in production and a no-op in tests.
package observability

import "time"

// LogLevel defines log message severity.
type LogLevel string

// Log levels, ordered from most to least verbose.
const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

// Logger is the structured logging interface used throughout the cache,
// transaction, and server-protocol layers.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	// With returns a logger that prepends fields to every subsequent
	// call, the way a per-request or per-entry logger is derived.
	With(fields map[string]interface{}) Logger
}

// MetricsClient is the metrics surface the cache components record
// against. Implementations may be backed by Prometheus, pushed to a
// collector, or be a no-op for tests.
type MetricsClient interface {
	// IncrCounter increments a named counter by one, e.g. cache hits,
	// evictions, retries.
	IncrCounter(name string, labels map[string]string)
	// ObserveLatency records the duration of an operation.
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
	// SetGauge sets a point-in-time value, e.g. cache size, queue depth.
	SetGauge(name string, value float64, labels map[string]string)
}
