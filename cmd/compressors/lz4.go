package compressors

import (
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

type lz4Compressor struct {
	level int
}

func (c *lz4Compressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	writer := lz4.NewWriter(w)

	if c.level >= 1 && c.level <= 9 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.CompressionLevel(1 << (8 + c.level)))); err != nil {
			return nil, fmt.Errorf("failed to apply compression level: %w", err)
		}
	}
	return writer, nil
}

func (c *lz4Compressor) Extension() string {
	return ".lz4"
}
