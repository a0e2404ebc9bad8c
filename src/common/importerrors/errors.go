// Package importerrors provides the structured error taxonomy for the video
// import pipeline: a Kind plus a Retryable flag, rather than the HTTP-status
// axis used elsewhere in this codebase's ancestry.
package importerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a failure along the retry/permanent axis described by the
// import pipeline's error handling design.
type Kind string

const (
	KindSourceInvalid      Kind = "source-invalid"
	KindSourceDenied       Kind = "source-denied"
	KindSourceNotFound     Kind = "source-not-found"
	KindSourceQuota        Kind = "source-quota"
	KindSourceUnavailable  Kind = "source-unavailable"
	KindEgressExhausted    Kind = "egress-exhausted"
	KindSizeExceeded       Kind = "size-exceeded"
	KindOriginAPIError     Kind = "origin-api-error"
	KindOriginNetworkError Kind = "origin-network-error"
	KindChildTimeout       Kind = "child-timeout"
	KindManualKill         Kind = "manual-kill"
	KindPermanentFailure   Kind = "permanent-failure"
)

// retryable holds the fixed retryability for each kind, per the taxonomy table.
var retryable = map[Kind]bool{
	KindSourceInvalid:      false,
	KindSourceDenied:       false,
	KindSourceNotFound:     false,
	KindSourceQuota:        true,
	KindSourceUnavailable:  true,
	KindEgressExhausted:    true,
	KindSizeExceeded:       false,
	KindOriginAPIError:     true,
	KindOriginNetworkError: true,
	KindChildTimeout:       true,
	KindManualKill:         false,
	KindPermanentFailure:   false,
}

// Error is a typed failure carrying a Kind, a human-readable message, and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Retryable reports whether the failure should be retried by the Job Store.
func (e *Error) Retryable() bool {
	return retryable[e.Kind]
}

// New creates a new Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a cause to a new Error of the given kind.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// WithCause returns a copy of e with cause attached.
func (e *Error) WithCause(cause error) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, cause: cause}
}

// GetKind returns the Kind of err if it is (or wraps) an *Error, else "".
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err should be retried. Non-*Error values are
// treated as retryable=false (conservative default: an unclassified error is
// assumed permanent rather than silently retried forever).
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Is delegates to errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }

// As delegates to errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// nonRetryableSubstrings are free-form phrases that mark a failure as
// permanent when seen in child-process stderr or another untyped error,
// per the taxonomy's permanent-failure entry.
var nonRetryableSubstrings = []string{
	"file not found",
	"invalid url",
	"invalid share url",
	"file is not a video",
	"access denied",
	"unauthorized",
}

// ClassifyMessage turns a free-form message (typically child-process
// stderr) into a Kind by substring match, falling back to
// KindSourceUnavailable (retryable) when nothing matches. This is the only
// place substring matching is used for classification; every other call
// site constructs a typed *Error directly.
func ClassifyMessage(message string) Kind {
	lower := strings.ToLower(message)
	for _, phrase := range nonRetryableSubstrings {
		if strings.Contains(lower, phrase) {
			return KindPermanentFailure
		}
	}
	return KindSourceUnavailable
}
