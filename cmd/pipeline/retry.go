package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/securhealth/report-uploader/cmd/report"
)

// Default retry configuration values.
const (
	DefaultAttempts  = 3
	DefaultBaseDelay = time.Second
)

// UploadFunc delivers one request.
type UploadFunc func(ctx context.Context, req report.UploadRequest) error

// Retrier retries an upload with exponential backoff. Waits are BaseDelay,
// 2×BaseDelay, 4×BaseDelay, ... and block the calling goroutine.
type Retrier struct {
	Attempts  int
	BaseDelay time.Duration
	Logger    *slog.Logger

	// Sleep is used for the backoff waits. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// NewRetrier creates a Retrier with the given attempts and base delay.
func NewRetrier(attempts int, baseDelay time.Duration, logger *slog.Logger) *Retrier {
	return &Retrier{
		Attempts:  attempts,
		BaseDelay: baseDelay,
		Logger:    logger,
		Sleep:     time.Sleep,
	}
}

// Upload calls upload until it succeeds or the attempts run out, and returns
// the error of the last attempt. Permanent errors end the loop immediately.
func (r *Retrier) Upload(ctx context.Context, req report.UploadRequest, upload UploadFunc) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	b := newBackoff(r.BaseDelay)
	for attempt := 1; attempt <= r.Attempts; attempt++ {
		err := upload(ctx, req)
		if err == nil {
			return nil
		}
		lastErr = err

		logger.Error(fmt.Sprintf("Upload attempt %d failed", attempt),
			"attempt", attempt,
			"sheet", req.SheetName,
			"error", err)

		if IsPermanent(err) {
			logger.Error("Upload error is not retryable, giving up", "sheet", req.SheetName)
			return err
		}

		if attempt < r.Attempts {
			sleep(b.Next())
		}
	}

	if lastErr != nil {
		return lastErr
	}
	return ErrNoAttempts
}

// backoff doubles its delay on every call to Next.
type backoff struct {
	current time.Duration
}

func newBackoff(initial time.Duration) *backoff {
	return &backoff{current: initial}
}

// Next returns the current delay and doubles it for the following call.
func (b *backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	return d
}
