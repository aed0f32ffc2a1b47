package logsink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/lib/pq"
)

// CreatedLayout is the timestamp format stored in the Created column.
const CreatedLayout = "2006-01-02 15:04:05.000000"

var ErrSinkFailed = errors.New("log sink gave up connecting")

var logColumns = []string{
	"LevelName", "ModuleName", "Message", "PathName", "FunctionName",
	"LineNo", "Exception", "Stack", "Created",
}

type connState int

const (
	stateUnconnected connState = iota
	stateConnected
	stateFailed
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	default:
		return "unconnected"
	}
}

// SQLConfig configures the database log sink.
type SQLConfig struct {
	Driver string
	DSN    string
	Table  string
	// MaxConnectAttempts is the number of consecutive failed connection
	// attempts after which the sink stops trying. Zero means never give up.
	MaxConnectAttempts int
}

// Connector opens and verifies a database handle.
type Connector func(ctx context.Context) (*sql.DB, error)

// SQLSink inserts one row per event into a log table. The connection is
// opened lazily on the first event; while the database is unreachable
// events are dropped.
type SQLSink struct {
	cfg       SQLConfig
	connect   Connector
	fallback  io.Writer
	insertSQL string

	mu       sync.Mutex
	state    connState
	db       *sql.DB
	failures int
}

// NewSQLSink creates a sink that connects with database/sql on first use.
func NewSQLSink(cfg SQLConfig, fallback io.Writer) *SQLSink {
	s := &SQLSink{
		cfg:       cfg,
		fallback:  fallback,
		insertSQL: buildInsert(cfg.Table),
	}
	if s.fallback == nil {
		s.fallback = os.Stderr
	}
	s.connect = func(ctx context.Context) (*sql.DB, error) {
		db, err := sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}
	return s
}

// WithConnector replaces how the sink obtains its database handle.
func (s *SQLSink) WithConnector(c Connector) *SQLSink {
	s.connect = c
	return s
}

func (s *SQLSink) Name() string { return "sql" }

// Emit inserts e. Events arriving while the sink cannot connect are dropped
// and nil is returned; connection problems go to the fallback writer.
func (s *SQLSink) Emit(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ensureConnected(ctx) {
		return nil
	}

	_, err := s.db.ExecContext(ctx, s.insertSQL,
		e.LevelName,
		e.LoggerName,
		e.Message,
		e.SourceFile,
		e.SourceFunction,
		e.LineNumber,
		nullString(e.Exception),
		nullString(e.Stack),
		e.Time.Format(CreatedLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert log row: %w", err)
	}
	return nil
}

// ensureConnected performs the single state transition out of Unconnected.
// Callers hold s.mu.
func (s *SQLSink) ensureConnected(ctx context.Context) bool {
	switch s.state {
	case stateConnected:
		return true
	case stateFailed, stateClosed:
		return false
	}

	db, err := s.connect(ctx)
	if err == nil {
		s.db = db
		s.state = stateConnected
		s.failures = 0
		return true
	}

	s.failures++
	fmt.Fprintf(s.fallback, "Failed to connect to database for logging: %v\n", err)
	if s.cfg.MaxConnectAttempts > 0 && s.failures >= s.cfg.MaxConnectAttempts {
		s.state = stateFailed
		fmt.Fprintf(s.fallback, "%v after %d attempts; database logging disabled\n", ErrSinkFailed, s.failures)
	}
	return false
}

// Close releases the connection if one was opened. Events emitted after
// Close are dropped.
func (s *SQLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = stateClosed
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func buildInsert(table string) string {
	parts := strings.Split(table, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}

	cols := make([]string, len(logColumns))
	params := make([]string, len(logColumns))
	for i, c := range logColumns {
		cols[i] = pq.QuoteIdentifier(c)
		params[i] = fmt.Sprintf("$%d", i+1)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		strings.Join(parts, "."),
		strings.Join(cols, ", "),
		strings.Join(params, ", "))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
