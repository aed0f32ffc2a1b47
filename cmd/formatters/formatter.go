package formatters

import (
	"errors"
	"fmt"
)

// Format type constants
const (
	FormatXLSX = "xlsx"
	FormatCSV  = "csv"
)

// ErrUnsupportedFormat is returned when an unknown output format is requested
var ErrUnsupportedFormat = errors.New("unsupported output format")

// Table is a single sheet of report data
type Table struct {
	Sheet   string
	Columns []string
	Rows    [][]any
}

// Formatter defines the interface for output format handlers
type Formatter interface {
	// Format encodes the table into the target file format
	Format(t Table) ([]byte, error)

	// Extension returns the file extension for this format (e.g., ".xlsx", ".csv")
	Extension() string

	// MIMEType returns the MIME type for this format
	MIMEType() string
}

// GetFormatter returns the appropriate formatter based on the format string
func GetFormatter(format string) (Formatter, error) {
	switch format {
	case FormatXLSX, "":
		return NewXLSXFormatter(), nil
	case FormatCSV:
		return NewCSVFormatter(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// cellString renders a value for text formats. Nil becomes an empty cell.
func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
