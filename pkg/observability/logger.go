package observability

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

// StandardLogger writes leveled, field-annotated lines to stderr. Stderr
// is deliberate: a node agent's stdout may be reserved for a different
// transport in some deployments, so logs never compete for it.
type StandardLogger struct {
	prefix string
	level  LogLevel
	fields map[string]interface{}

	mu     *sync.Mutex
	logger *log.Logger
}

var levelOrder = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
}

// NewStandardLogger creates a StandardLogger at LogLevelInfo.
func NewStandardLogger(prefix string) *StandardLogger {
	return &StandardLogger{
		prefix: prefix,
		level:  LogLevelInfo,
		fields: nil,
		mu:     &sync.Mutex{},
		logger: log.New(os.Stderr, "", 0),
	}
}

// WithLevel returns a copy of the logger at a new minimum level.
func (l *StandardLogger) WithLevel(level LogLevel) *StandardLogger {
	return &StandardLogger{prefix: l.prefix, level: level, fields: l.fields, mu: l.mu, logger: l.logger}
}

func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LogLevelDebug, msg, fields)
}

func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LogLevelInfo, msg, fields)
}

func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LogLevelWarn, msg, fields)
}

func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, fields)
}

func (l *StandardLogger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &StandardLogger{prefix: l.prefix, level: l.level, fields: merged, mu: l.mu, logger: l.logger}
}

func (l *StandardLogger) levelEnabled(level LogLevel) bool {
	return levelOrder[level] >= levelOrder[l.level]
}

func (l *StandardLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if !l.levelEnabled(level) {
		return
	}
	all := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}

	var b strings.Builder
	b.WriteString(string(level))
	b.WriteByte(' ')
	if l.prefix != "" {
		b.WriteByte('[')
		b.WriteString(l.prefix)
		b.WriteString("] ")
	}
	b.WriteString(msg)
	if len(all) > 0 {
		keys := make([]string, 0, len(all))
		for k := range all {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, all[k])
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Println(b.String())
}

// NoopLogger discards everything; used in unit tests that don't care
// about log output.
type NoopLogger struct{}

// NewNoopLogger returns a Logger that discards all calls.
func NewNoopLogger() Logger { return NoopLogger{} }

func (NoopLogger) Debug(string, map[string]interface{}) {}
func (NoopLogger) Info(string, map[string]interface{})  {}
func (NoopLogger) Warn(string, map[string]interface{})  {}
func (NoopLogger) Error(string, map[string]interface{}) {}
func (n NoopLogger) With(map[string]interface{}) Logger { return n }
