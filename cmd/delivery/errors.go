package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSheetName is matched by every sheet name validation failure.
	ErrInvalidSheetName = errors.New("invalid sheet name")

	// ErrTransport is matched by every failure to deliver an artifact.
	ErrTransport = errors.New("transport error")

	// ErrNoTokenProvider is returned when the Graph client has nothing to
	// acquire a bearer token from.
	ErrNoTokenProvider = errors.New("no token provider configured")
)

// ValidationError is a local problem with an upload request. Retrying it
// cannot help, so it reports itself as permanent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %q: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidSheetName && e.Field == "sheet_name"
}

// Permanent marks validation failures as not worth retrying.
func (e *ValidationError) Permanent() bool { return true }

// TransportError is a failed token request, connection, or non-2xx response.
// For HTTP responses StatusCode and Body are set; Body is the decoded JSON
// error detail when the server sent JSON, otherwise {"text": raw}.
type TransportError struct {
	Op         string
	StatusCode int
	Body       map[string]any
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s failed (%d): %v", e.Op, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	default:
		return e.Op + " failed"
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
