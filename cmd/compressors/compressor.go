package compressors

import (
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedCompression is returned when an unsupported compression type is requested
var ErrUnsupportedCompression = errors.New("unsupported compression type")

// Compressor wraps a writer so everything written through it is compressed.
type Compressor interface {
	// NewWriter returns a writer that compresses into w. Close flushes the
	// compressed stream but does not close w.
	NewWriter(w io.Writer) (io.WriteCloser, error)

	// Extension returns the file extension for this compression (e.g., ".zst", ".lz4", ".gz")
	Extension() string
}

// GetCompressor returns the compressor for name at the given level. A level
// of 0 selects the codec's default.
func GetCompressor(name string, level int) (Compressor, error) {
	switch name {
	case "zstd":
		return &zstdCompressor{level: level}, nil
	case "lz4":
		return &lz4Compressor{level: level}, nil
	case "gzip":
		return &gzipCompressor{level: level}, nil
	case "none", "":
		return noneCompressor{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, name)
	}
}

// ValidLevel reports whether level is accepted for the named compression.
func ValidLevel(name string, level int) bool {
	switch name {
	case "zstd":
		return level >= 0 && level <= 22
	case "lz4", "gzip":
		return level >= 0 && level <= 9
	case "none", "":
		return level == 0
	default:
		return false
	}
}
