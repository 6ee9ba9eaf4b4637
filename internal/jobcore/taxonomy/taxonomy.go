// Package taxonomy classifies worker-body failures into the four kinds
// the dispatch core acts on: retryable, non-retryable, cancellation, fatal.
package taxonomy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"reflect"
	"runtime/debug"
)

// Kind is one of the four closed error classifications from the spec.
type Kind string

const (
	Retryable    Kind = "retryable"
	NonRetryable Kind = "non_retryable"
	Cancellation Kind = "cancellation"
	Fatal        Kind = "fatal"
)

// Cancelled is returned (by worker bodies, or by the worker harness when a
// soft time limit expires) when a job has been asked to stop
// cooperatively. It always classifies as Cancellation.
type Cancelled struct {
	JobID  string
	Reason string
}

func (e *Cancelled) Error() string {
	if e.Reason != "" {
		return "job " + e.JobID + " cancelled: " + e.Reason
	}
	return "job " + e.JobID + " cancelled"
}

// Validation marks a failure as non-retryable input validation.
type Validation struct{ Msg string }

func (e *Validation) Error() string { return e.Msg }

// Unauthorized marks a failure as non-retryable authz/authn.
type Unauthorized struct{ Msg string }

func (e *Unauthorized) Error() string { return e.Msg }

// QuotaExceeded marks a failure as non-retryable resource exhaustion at
// the tenant/quota level (distinct from Fatal's host-level exhaustion).
type QuotaExceeded struct{ Msg string }

func (e *QuotaExceeded) Error() string { return e.Msg }

// Integrity marks a data-integrity violation: fatal, DLQ immediately.
type Integrity struct{ Msg string }

func (e *Integrity) Error() string { return e.Msg }

// ResourceExhausted marks host-level exhaustion (OOM, disk full): fatal.
type ResourceExhausted struct{ Msg string }

func (e *ResourceExhausted) Error() string { return e.Msg }

// Transient marks a retryable transient failure (network, remote
// rate-limit, transient I/O) when the caller doesn't have a more
// specific stdlib error to return (net.Error, context.DeadlineExceeded, ...).
type Transient struct{ Msg string }

func (e *Transient) Error() string { return e.Msg }

// Classify assigns a Kind to an error the way error_taxonomy.classify_error
// does: dispatch on concrete error type first, then fall back to well-known
// stdlib transient errors, then default to non_retryable for anything
// unrecognized. HTTP status codes are deliberately not consulted here —
// classification is by error kind, per spec.
func Classify(err error) Kind {
	if err == nil {
		return NonRetryable
	}

	var cancelled *Cancelled
	if errors.As(err, &cancelled) {
		return Cancellation
	}

	var integrity *Integrity
	var exhausted *ResourceExhausted
	if errors.As(err, &integrity) || errors.As(err, &exhausted) {
		return Fatal
	}

	var validation *Validation
	var unauthorized *Unauthorized
	var quota *QuotaExceeded
	if errors.As(err, &validation) || errors.As(err, &unauthorized) || errors.As(err, &quota) {
		return NonRetryable
	}

	var transient *Transient
	if errors.As(err, &transient) {
		return Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Retryable
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
		return Retryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return Retryable
	}

	// Unknown exceptions default to non_retryable, matching the source's
	// classify_error fallback.
	return NonRetryable
}

// ShouldRetry reports whether err's classification is Retryable.
func ShouldRetry(err error) bool {
	return Classify(err) == Retryable
}

// Metadata captures the fields worker_progress_service/dlq_handler want
// to persist about a failure for observability and DLQ records, matching
// get_error_metadata's dict shape in error_taxonomy.py.
type Metadata struct {
	ErrorType            string `json:"error_type"`
	ErrorModule          string `json:"error_module"`
	ErrorMessage         string `json:"error_message"`
	ErrorClassification  Kind   `json:"error_classification"`
	IsRetryable          bool   `json:"is_retryable"`
	Traceback            string `json:"traceback"`
}

// Describe extracts Metadata from an error. Go errors don't carry a
// captured stack the way Python exceptions do, so Traceback is a
// best-effort capture of the call stack at classification time rather
// than the original raise site; no library in the example pack attaches
// stack frames to plain errors, so this falls back to runtime/debug.
func Describe(err error) Metadata {
	kind := Classify(err)
	return Metadata{
		ErrorType:           errorTypeName(err),
		ErrorModule:         errorModuleName(err),
		ErrorMessage:        err.Error(),
		ErrorClassification: kind,
		IsRetryable:         kind == Retryable,
		Traceback:           string(debug.Stack()),
	}
}

func errorModuleName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.PkgPath()
}

func errorTypeName(err error) string {
	switch err.(type) {
	case *Cancelled:
		return "Cancelled"
	case *Validation:
		return "Validation"
	case *Unauthorized:
		return "Unauthorized"
	case *QuotaExceeded:
		return "QuotaExceeded"
	case *Integrity:
		return "Integrity"
	case *ResourceExhausted:
		return "ResourceExhausted"
	case *Transient:
		return "Transient"
	default:
		return "Unknown"
	}
}
