// Package apperr holds the error vocabulary shared by the queue, credential
// and dispatch layers. Transport errors are mapped onto it at the boundary so
// callers only ever branch on these sentinels.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"syscall"
)

// ErrorClass categorizes an error for retry and reporting decisions.
type ErrorClass string

const (
	ClassPrecondition    ErrorClass = "PRECONDITION"
	ClassCapacity        ErrorClass = "CAPACITY"
	ClassConflict        ErrorClass = "OPERATION_CONFLICT"
	ClassNotSignedIn     ErrorClass = "NOT_SIGNED_IN"
	ClassNotAuthorized   ErrorClass = "NOT_AUTHORIZED"
	ClassRateLimited     ErrorClass = "RATE_LIMITED"
	ClassVersionConflict ErrorClass = "VERSION_CONFLICT"
	ClassTransient       ErrorClass = "TRANSIENT"
	ClassTimeout         ErrorClass = "TIMEOUT"
	ClassFatal           ErrorClass = "FATAL"
	ClassCanceled        ErrorClass = "CANCELED"
)

var (
	// ErrPrecondition is recorded on a task whose dependency finished with an error.
	ErrPrecondition = errors.New("precondition failed: dependency finished with error")
	// ErrQueueSaturated is returned when a queue is at its depth bound.
	ErrQueueSaturated = errors.New("queue saturated: backpressure applied")
	// ErrOperationConflict is wrapped by *ConflictError.
	ErrOperationConflict = errors.New("exclusive credential operation already in progress")
	ErrNotSignedIn       = errors.New("not signed in")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrRateLimited       = errors.New("rate limited")
	ErrVersionConflict   = errors.New("version conflict")
	ErrTransient         = errors.New("transient service error")
	ErrTimeout           = errors.New("call timed out")
	ErrFatal             = errors.New("fatal error")
)

// ConflictError reports which exclusive operation is already pending.
type ConflictError struct {
	Running   string
	Attempted string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot start %s: %s already in progress", e.Attempted, e.Running)
}

func (e *ConflictError) Unwrap() error { return ErrOperationConflict }

// Wrap attaches a sentinel to err while keeping err's message and chain.
func Wrap(sentinel, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// statusCode finds an HTTP status in transport messages such as
// "status 503", "HTTP 401: ..." or "backend returned 429". A bare number is
// only taken at the start of the message.
var statusCode = regexp.MustCompile(`(?:^|\b(?:http|status|code|returned)[\s:=]*)([1-5]\d\d)\b`)

var eofWord = regexp.MustCompile(`\beof\b`)

func containsAny(msg string, phrases ...string) bool {
	for _, p := range phrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Classify maps err onto the taxonomy. Known sentinels win; otherwise the
// message is inspected for the status codes and phrases transports emit.
// A cancelled context is ClassCanceled: the caller gave up, nothing failed.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrPrecondition):
		return ClassPrecondition
	case errors.Is(err, ErrQueueSaturated):
		return ClassCapacity
	case errors.Is(err, ErrOperationConflict):
		return ClassConflict
	case errors.Is(err, ErrNotSignedIn):
		return ClassNotSignedIn
	case errors.Is(err, ErrNotAuthorized):
		return ClassNotAuthorized
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrVersionConflict):
		return ClassVersionConflict
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrTransient):
		return ClassTransient
	case errors.Is(err, ErrFatal):
		return ClassFatal
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())

	if m := statusCode.FindStringSubmatch(msg); m != nil {
		switch code := m[1]; {
		case code == "401", code == "403":
			return ClassNotAuthorized
		case code == "429":
			return ClassRateLimited
		case code == "409", code == "412":
			return ClassVersionConflict
		case code == "408", code == "504":
			return ClassTimeout
		case code[0] == '5':
			return ClassTransient
		}
	}
	switch {
	case containsAny(msg, "unauthorized", "forbidden", "invalid_grant", "not authorized"):
		return ClassNotAuthorized
	case containsAny(msg, "rate limit", "too many requests", "throttled", "throttling"):
		return ClassRateLimited
	case containsAny(msg, "version mismatch", "version conflict", "conditional check failed"):
		return ClassVersionConflict
	case containsAny(msg, "deadline exceeded", "timed out", "i/o timeout", "timeout exceeded"):
		return ClassTimeout
	case containsAny(msg, "service unavailable", "temporarily unavailable", "connection refused", "connection reset"),
		eofWord.MatchString(msg):
		return ClassTransient
	}
	return ClassFatal
}

// Map converts an arbitrary transport error into one wrapping the matching
// sentinel, so errors.Is works for callers.
func Map(err error) error {
	if err == nil {
		return nil
	}
	switch Classify(err) {
	case ClassPrecondition, ClassCapacity, ClassConflict, ClassCanceled:
		return err
	case ClassNotSignedIn:
		return Wrap(ErrNotSignedIn, err)
	case ClassNotAuthorized:
		return Wrap(ErrNotAuthorized, err)
	case ClassRateLimited:
		return Wrap(ErrRateLimited, err)
	case ClassVersionConflict:
		return Wrap(ErrVersionConflict, err)
	case ClassTimeout:
		return Wrap(ErrTimeout, err)
	case ClassTransient:
		return Wrap(ErrTransient, err)
	default:
		return Wrap(ErrFatal, err)
	}
}

// Retryable reports whether the caller may retry (with backoff) after err.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassRateLimited, ClassCapacity, ClassTransient, ClassTimeout, ClassConflict:
		return true
	}
	return false
}
