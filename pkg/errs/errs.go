// Package errs defines the error kinds shared by the reconciliation engine.
//
// Every error built here carries a kind sentinel (match it with errors.Is) and
// a status code, so callers at an HTTP boundary can convert it with HTTPError.
package errs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConcurrentMerge   = errors.New("concurrent merge conflict")
	ErrBackupUnavailable = errors.New("backup unavailable")
	ErrTransientStore    = errors.New("transient store error")
	ErrStaleTarget       = errors.New("stale cursor target")
	ErrPageFatal         = errors.New("page fatal")
)

// Error is a classified error.
type Error struct {
	Kind    error
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func newError(kind error, status int, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Validation(format string, args ...any) error {
	return newError(ErrValidation, http.StatusBadRequest, nil, format, args...)
}

func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, http.StatusNotFound, nil, format, args...)
}

func ConcurrentMerge(format string, args ...any) error {
	return newError(ErrConcurrentMerge, http.StatusConflict, nil, format, args...)
}

func BackupUnavailable(format string, args ...any) error {
	return newError(ErrBackupUnavailable, http.StatusGone, nil, format, args...)
}

// Transient wraps a store failure that is worth retrying.
func Transient(cause error, format string, args ...any) error {
	return newError(ErrTransientStore, http.StatusServiceUnavailable, cause, format, args...)
}

func StaleTarget(format string, args ...any) error {
	return newError(ErrStaleTarget, http.StatusGone, nil, format, args...)
}

// PageFatal marks a failure that must abort the whole page, such as an exhausted external quota.
func PageFatal(cause error, format string, args ...any) error {
	return newError(ErrPageFatal, http.StatusTooManyRequests, cause, format, args...)
}

// IsRetryable reports whether err is a transient store failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

// IsPageFatal reports whether err must abort the current page.
func IsPageFatal(err error) bool {
	return errors.Is(err, ErrPageFatal)
}

// StatusCode returns the HTTP status carried by err, defaulting to 500.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	if httperror.IsHTTPError(err) {
		return httperror.GetStatusCode(err)
	}
	return http.StatusInternalServerError
}

// HTTPError converts err into an ectoerror HTTP error for an API boundary.
func HTTPError(err error) error {
	if err == nil {
		return nil
	}
	if httperror.IsHTTPError(err) {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		return httperror.NewHTTPError(e.Status, e.Message)
	}
	return httperror.NewHTTPError(http.StatusInternalServerError, err.Error())
}
