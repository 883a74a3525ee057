package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of failure classes the engine distinguishes.
// HTTP statuses are interpreted here, once; jobs switch on kinds and never
// on raw status numbers.
type ErrorKind int

const (
	// KindUnavailable covers transport failures: connection refused, DNS,
	// timeouts, canceled contexts.
	KindUnavailable ErrorKind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	// KindConflict covers lock contention (409, 423).
	KindConflict
	// KindPrecondition covers stale-token and version mismatches (412).
	KindPrecondition
	// KindRequest covers any other client-side rejection (4xx).
	KindRequest
	// KindServer covers 5xx responses.
	KindServer
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not-found"
	case KindConflict:
		return "conflict"
	case KindPrecondition:
		return "precondition"
	case KindRequest:
		return "request"
	case KindServer:
		return "server"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether a request failing with this kind may succeed on
// a plain retry.
func (k ErrorKind) Retryable() bool {
	return k == KindUnavailable || k == KindServer
}

// Error is the single error type crossing the remote boundary.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Op         string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from err. Errors that did not originate at
// the remote boundary report KindUnavailable.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnavailable
}

// StatusOf extracts the HTTP status from err, or 0.
func StatusOf(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

func kindFromStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized:
		return KindUnauthorized
	case code == http.StatusForbidden:
		return KindForbidden
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusConflict, code == http.StatusLocked:
		return KindConflict
	case code == http.StatusPreconditionFailed:
		return KindPrecondition
	case code >= 500:
		return KindServer
	default:
		return KindRequest
	}
}

func statusError(op string, code int, message string) *Error {
	return &Error{Kind: kindFromStatus(code), StatusCode: code, Op: op, Message: message}
}

func transportError(op string, err error) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Message: err.Error(), Err: err}
}
