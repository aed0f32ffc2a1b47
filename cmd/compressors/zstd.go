package compressors

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

type zstdCompressor struct {
	level int
}

func (c *zstdCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	// Map level to zstd encoder level
	var encoderLevel zstd.EncoderLevel
	switch {
	case c.level <= 0:
		encoderLevel = zstd.SpeedDefault
	case c.level <= 2:
		encoderLevel = zstd.SpeedFastest
	case c.level <= 7:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return encoder, nil
}

func (c *zstdCompressor) Extension() string {
	return ".zst"
}
