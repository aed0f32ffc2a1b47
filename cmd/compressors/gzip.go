package compressors

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

type gzipCompressor struct {
	level int
}

func (c *gzipCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	level := c.level
	if level < 1 || level > 9 {
		level = gzip.DefaultCompression
	}

	writer, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	return writer, nil
}

func (c *gzipCompressor) Extension() string {
	return ".gz"
}
