package pipeline

import (
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"

	"github.com/securhealth/report-uploader/cmd/report"
)

// FetchFunc runs one data-source query. It is expected to close over the
// database it reads from.
type FetchFunc func() (any, error)

// SafeFetch runs fetch once and always hands back a usable row slice. Errors,
// panics, nil results and results that are not a slice are logged and turned
// into an empty slice; nothing is returned to the caller but rows.
func SafeFetch(logger *slog.Logger, label string, fetch FetchFunc) []report.Row {
	result, stack, err := callFetch(fetch)
	if err != nil {
		if stack == nil {
			stack = debug.Stack()
		}
		logger.Error(fmt.Sprintf("Error fetching %s", label),
			"label", label,
			"error", err,
			"stack", string(stack))
		return []report.Row{}
	}

	if isNil(result) {
		logger.Warn(fmt.Sprintf("%s fetch returned nil; treating as empty", label), "label", label)
		return []report.Row{}
	}

	rv := reflect.ValueOf(result)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		logger.Error(fmt.Sprintf("%s fetch returned non-iterable of type %T; treating as empty", label, result),
			"label", label,
			"type", fmt.Sprintf("%T", result))
		return []report.Row{}
	}

	rows := make([]report.Row, rv.Len())
	for i := range rows {
		rows[i] = rv.Index(i).Interface()
	}
	return rows
}

// callFetch converts a panic inside fetch into an error, along with the
// stack of the panicking goroutine.
func callFetch(fetch FetchFunc) (result any, stack []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			stack = debug.Stack()
			err = fmt.Errorf("%w: %v", ErrFetchPanicked, r)
		}
	}()
	if fetch == nil {
		return nil, nil, ErrNoFetchFunc
	}
	result, err = fetch()
	return result, nil, err
}

// isNil reports untyped nil and nil pointers, maps, channels, funcs and
// interfaces. A nil slice is an empty result, not a missing one.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
