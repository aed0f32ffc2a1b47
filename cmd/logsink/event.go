// Package logsink persists log records outside the console: to a database
// table, to e-mail, and to Kafka. Sinks are best effort. A sink whose
// backing store is down drops events and reports the problem on the
// fallback writer; it never disturbs the caller or the other sinks.
package logsink

import (
	"context"
	"log/slog"
	"time"
)

// Attribute keys with special meaning on a log record.
const (
	LoggerKey = "logger"
	ErrorKey  = "error"
	StackKey  = "stack"
	RunIDKey  = "run_id"
)

// DefaultLoggerName is used when a record carries no logger attribute.
const DefaultLoggerName = "root"

// Event is one log record in sink form.
type Event struct {
	Level          slog.Level     `json:"-"`
	LevelName      string         `json:"level"`
	LoggerName     string         `json:"logger"`
	Message        string         `json:"message"`
	SourceFile     string         `json:"source_file,omitempty"`
	SourceFunction string         `json:"source_function,omitempty"`
	LineNumber     int            `json:"line,omitempty"`
	Exception      string         `json:"exception,omitempty"`
	Stack          string         `json:"stack,omitempty"`
	Time           time.Time      `json:"time"`
	RunID          string         `json:"run_id,omitempty"`
	Attrs          map[string]any `json:"attrs,omitempty"`
}

// Sink receives events. Emit is called synchronously from the logging call
// site; implementations serialize access to their own handles.
type Sink interface {
	Name() string
	Emit(ctx context.Context, e Event) error
	Close() error
}
