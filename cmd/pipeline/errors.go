package pipeline

import "errors"

var (
	// ErrNoAttempts is returned by Retrier.Upload when it was configured with
	// zero attempts and so never ran the upload.
	ErrNoAttempts = errors.New("upload failed, no attempts made")

	// ErrFetchPanicked wraps a panic raised by a fetch function.
	ErrFetchPanicked = errors.New("fetch panicked")

	// ErrNoFetchFunc is reported when SafeFetch is given a nil function.
	ErrNoFetchFunc = errors.New("no fetch function")
)

// permanentError marks an error that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent wraps err so Retrier gives up on it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, says it is permanent.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
