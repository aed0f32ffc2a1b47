// Package source reads the report views from the insights database.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
)

// DefaultSchema holds the report views.
const DefaultSchema = "Sharepoint"

var ErrUnsupportedDriver = errors.New("unsupported database driver")

// DatabaseConfig describes how to reach the insights database.
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN renders a keyword/value connection string understood by both drivers.
func (c DatabaseConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, sslMode)
}

// DriverName returns the configured driver, defaulting to lib/pq.
func (c DatabaseConfig) DriverName() (string, error) {
	switch c.Driver {
	case "", DriverPostgres:
		return DriverPostgres, nil
	case DriverPGX:
		return DriverPGX, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDriver, c.Driver)
	}
}

// Source runs the report queries against one database handle.
type Source struct {
	db     *sql.DB
	schema string
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, cfg DatabaseConfig) (*Source, error) {
	driver, err := cfg.DriverName()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Source {
	return &Source{db: db, schema: DefaultSchema}
}

// Close releases the database handle.
func (s *Source) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Source) view(name string) string {
	return pq.QuoteIdentifier(s.schema) + "." + pq.QuoteIdentifier(name)
}

func selectList(columns ...string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}
