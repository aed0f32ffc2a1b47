package delivery

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/securhealth/report-uploader/cmd/compressors"
	"github.com/securhealth/report-uploader/cmd/formatters"
	"github.com/securhealth/report-uploader/cmd/report"
)

// Spool keeps a compressed local copy of reports that could not be
// delivered so they can be uploaded by hand later.
type Spool struct {
	dir        string
	compressor compressors.Compressor
	builder    builder
}

// NewSpool creates a spool writing into dir.
func NewSpool(dir string, compressor compressors.Compressor, formatter formatters.Formatter) *Spool {
	return &Spool{
		dir:        dir,
		compressor: compressor,
		builder:    newBuilder(formatter, ""),
	}
}

// WithClock overrides the clock used for spooled file names.
func (s *Spool) WithClock(now func() time.Time) *Spool {
	s.builder.now = now
	return s
}

// Save writes req to <dir>/<file><compression ext> and returns the path.
func (s *Spool) Save(req report.UploadRequest) (string, error) {
	artifact, err := s.builder.build(req)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create spool directory: %w", err)
	}

	target := filepath.Join(s.dir, artifact.Name+s.compressor.Extension())
	tmp := target + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create spool file: %w", err)
	}

	if err := s.write(f, artifact.Data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close spool file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize spool file: %w", err)
	}
	return target, nil
}

func (s *Spool) write(f *os.File, data []byte) error {
	w, err := s.compressor.NewWriter(f)
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write spool file: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to flush compressor: %w", err)
	}
	return nil
}
