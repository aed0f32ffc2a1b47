package logsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
)

// Registration attaches a sink with its minimum level.
type Registration struct {
	Sink  Sink
	Level slog.Leveler
}

type dispatchCore struct {
	sinks    []Registration
	fallback io.Writer
	mu       sync.Mutex // guards fallback
}

// Dispatcher is a slog.Handler that writes every record to a console handler
// and then hands it to each registered sink. Sink failures and panics are
// reported on the fallback writer and never returned to the caller.
type Dispatcher struct {
	console slog.Handler
	core    *dispatchCore
	attrs   []scopedAttr
	group   string // dotted path of open groups
}

// scopedAttr is an attribute bound with WithAttrs, kept with the group path
// that was open at the time.
type scopedAttr struct {
	prefix string
	attr   slog.Attr
}

// NewDispatcher wraps console. A nil fallback writes to os.Stderr.
func NewDispatcher(console slog.Handler, fallback io.Writer, sinks ...Registration) *Dispatcher {
	if fallback == nil {
		fallback = os.Stderr
	}
	return &Dispatcher{
		console: console,
		core:    &dispatchCore{sinks: sinks, fallback: fallback},
	}
}

func (d *Dispatcher) Enabled(ctx context.Context, level slog.Level) bool {
	if d.console != nil && d.console.Enabled(ctx, level) {
		return true
	}
	for _, reg := range d.core.sinks {
		if level >= minLevel(reg) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) Handle(ctx context.Context, r slog.Record) error {
	var consoleErr error
	if d.console != nil && d.console.Enabled(ctx, r.Level) {
		consoleErr = d.console.Handle(ctx, r)
	}

	if len(d.core.sinks) == 0 {
		return consoleErr
	}

	event := d.toEvent(r)
	for _, reg := range d.core.sinks {
		if r.Level < minLevel(reg) {
			continue
		}
		d.emit(ctx, reg.Sink, event)
	}
	return consoleErr
}

func (d *Dispatcher) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]scopedAttr, 0, len(d.attrs)+len(attrs))
	merged = append(merged, d.attrs...)
	for _, a := range attrs {
		merged = append(merged, scopedAttr{prefix: d.group, attr: a})
	}

	var console slog.Handler
	if d.console != nil {
		console = d.console.WithAttrs(attrs)
	}
	return &Dispatcher{console: console, core: d.core, attrs: merged, group: d.group}
}

func (d *Dispatcher) WithGroup(name string) slog.Handler {
	if name == "" {
		return d
	}
	var console slog.Handler
	if d.console != nil {
		console = d.console.WithGroup(name)
	}
	return &Dispatcher{console: console, core: d.core, attrs: d.attrs, group: qualify(d.group, name)}
}

// Close closes every sink, joining their errors.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, reg := range d.core.sinks {
		if err := reg.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", reg.Sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) emit(ctx context.Context, sink Sink, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.report(sink.Name(), fmt.Errorf("panic: %v", r))
		}
	}()

	if err := sink.Emit(ctx, event); err != nil {
		d.report(sink.Name(), err)
	}
}

func (d *Dispatcher) report(name string, err error) {
	d.core.mu.Lock()
	defer d.core.mu.Unlock()
	fmt.Fprintf(d.core.fallback, "log sink %s failed: %v\n", name, err)
}

func (d *Dispatcher) toEvent(r slog.Record) Event {
	e := Event{
		Level:      r.Level,
		LevelName:  r.Level.String(),
		LoggerName: DefaultLoggerName,
		Message:    r.Message,
		Time:       r.Time,
	}

	if r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		e.SourceFile = frame.File
		e.SourceFunction = frame.Function
		e.LineNumber = frame.Line
	}

	for _, sa := range d.attrs {
		e.addAttr(sa.prefix, sa.attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		e.addAttr(d.group, a)
		return true
	})
	return e
}

// addAttr records a on e. Only ungrouped attributes can fill the named
// Event fields; grouped ones land in Attrs under their dotted path.
func (e *Event) addAttr(prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := qualify(prefix, a.Key)

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			e.addAttr(key, ga)
		}
		return
	}
	if key == "" {
		return
	}

	if prefix == "" {
		switch key {
		case LoggerKey:
			e.LoggerName = a.Value.String()
			return
		case ErrorKey:
			if err, ok := a.Value.Any().(error); ok {
				e.Exception = err.Error()
			} else {
				e.Exception = a.Value.String()
			}
			return
		case StackKey:
			e.Stack = a.Value.String()
			return
		case RunIDKey:
			e.RunID = a.Value.String()
			return
		}
	}

	if e.Attrs == nil {
		e.Attrs = make(map[string]any)
	}
	e.Attrs[key] = a.Value.Any()
}

func qualify(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	default:
		return prefix + "." + key
	}
}

func minLevel(reg Registration) slog.Level {
	if reg.Level == nil {
		return slog.LevelInfo
	}
	return reg.Level.Level()
}

var (
	initOnce          sync.Once
	processLogger     *slog.Logger
	processDispatcher *Dispatcher
)

// Options configures the process logger.
type Options struct {
	Console  slog.Handler
	Fallback io.Writer
	Sinks    []Registration
}

// EnsureInitialized builds the process logger from opts on the first call
// and installs it as the slog default. Later calls ignore opts and return
// the logger and dispatcher created by the first.
func EnsureInitialized(opts Options) (*slog.Logger, *Dispatcher) {
	initOnce.Do(func() {
		console := opts.Console
		if console == nil {
			console = slog.NewTextHandler(os.Stdout, nil)
		}
		processDispatcher = NewDispatcher(console, opts.Fallback, opts.Sinks...)
		processLogger = slog.New(processDispatcher)
		slog.SetDefault(processLogger)
	})
	return processLogger, processDispatcher
}
