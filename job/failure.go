package job

import (
	"errors"
	"fmt"
	"net/http"
)

// FailureKind is the closed classification of worker failures. Only these
// four variants are ever produced; the queue maps them to the coarse
// ErrorCode stored on the terminal record so an operator can tell bad
// config from a third-party outage from a bug.
type FailureKind int

const (
	// FailureInternal is the generic bucket: script errors, bugs, I/O.
	FailureInternal FailureKind = iota
	// FailureParam means the job params were invalid or incomplete.
	FailureParam
	// FailureUpstream means a third-party dependency (the Git remote,
	// the network) failed; the job itself may be fine.
	FailureUpstream
	// FailureKilled means the script found no exit status because the
	// worker killed it, typically on timeout.
	FailureKilled
)

// String returns the kind's wire label.
func (k FailureKind) String() string {
	switch k {
	case FailureParam:
		return "param"
	case FailureUpstream:
		return "upstream"
	case FailureKilled:
		return "killed"
	default:
		return "internal"
	}
}

// ErrorCode maps the kind to the coarse code recorded on the job:
// parameter-class failures to a client-error code, upstream failures to a
// service-unavailable code, everything else to a generic server error.
func (k FailureKind) ErrorCode() int {
	switch k {
	case FailureParam:
		return http.StatusBadRequest
	case FailureUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Failure is the error type workers return to report a classified failure.
type Failure struct {
	Kind FailureKind
	Err  error
}

// NewFailure wraps err with a failure kind.
func NewFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// Failuref builds a classified failure from a format string.
func Failuref(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String() + " failure"
	}
	return f.Err.Error()
}

// Unwrap exposes the underlying error to errors.Is/As.
func (f *Failure) Unwrap() error { return f.Err }

// Classify extracts the failure kind from a worker error. Errors that do
// not carry a *Failure anywhere in their chain are classified internal.
func Classify(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailureInternal
}
