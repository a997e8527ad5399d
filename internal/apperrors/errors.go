// Package apperrors defines the closed set of error kinds used across the
// gateway and a small combinator for deciding how a failure should be
// handled: retried, treated as fatal, or swallowed as a cancellation.
//
// # Description
//
// Every worker in this repository (SCP admission, the inference-request
// store, the job repository, data-retrieval, export, the reclaimer)
// classifies failures through Classify instead of branching on concrete
// error types. This keeps retry/backoff policy in one place across a
// closed kind set: Validation, NotFound, AeNotConfigured,
// InsufficientStorage, TransientTransport, PermanentTransport,
// InferenceRequestException, PayloadUploadException, IOFull, IOOther,
// OperationCancelled, InvalidState, DataCorruption.
package apperrors

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the closed set of error categories recognized by the gateway.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindAeNotConfigured
	KindInsufficientStorage
	KindTransientTransport
	KindPermanentTransport
	KindInferenceRequestException
	KindPayloadUploadException
	KindIOFull
	KindIOOther
	KindOperationCancelled
	KindInvalidState
	KindDataCorruption
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "Validation"
	case KindNotFound:
		return "NotFound"
	case KindAeNotConfigured:
		return "AeNotConfigured"
	case KindInsufficientStorage:
		return "InsufficientStorage"
	case KindTransientTransport:
		return "TransientTransport"
	case KindPermanentTransport:
		return "PermanentTransport"
	case KindInferenceRequestException:
		return "InferenceRequestException"
	case KindPayloadUploadException:
		return "PayloadUploadException"
	case KindIOFull:
		return "IOFull"
	case KindIOOther:
		return "IOOther"
	case KindOperationCancelled:
		return "OperationCancelled"
	case KindInvalidState:
		return "InvalidState"
	case KindDataCorruption:
		return "DataCorruption"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried through the gateway. It wraps an
// underlying cause with a Kind so callers can classify without type
// assertions on library-specific error types.
type Error struct {
	Kind      Kind
	Err       error
	// FailureCount is populated for KindPayloadUploadException: the number
	// of files that failed to upload in the PayloadUploading handler.
	FailureCount int
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err (which may be nil) with the given kind.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf builds an Error from a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithFailureCount attaches a file-failure count, used for
// KindPayloadUploadException.
func WithFailureCount(kind Kind, err error, count int) *Error {
	return &Error{Kind: kind, Err: err, FailureCount: count}
}

// KindOf extracts the Kind from err, returning KindUnknown if err does not
// carry one (or is nil, for which it returns KindUnknown too — callers must
// check err != nil themselves).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindOperationCancelled
	}
	return KindUnknown
}

// Decision is the outcome of classifying an error for the retry combinator.
type Decision int

const (
	// DecisionFatal means the operation must not be retried.
	DecisionFatal Decision = iota
	// DecisionRetry means the operation may be retried, bounded by the
	// caller's policy.
	DecisionRetry
	// DecisionCancelled means the context was cancelled; log at warning
	// and stop.
	DecisionCancelled
)

// Classify maps an error to a retry decision. TransientTransport and IOFull
// are retryable; OperationCancelled is swallowed at the worker boundary;
// everything else is fatal to the current attempt.
func Classify(err error) Decision {
	if err == nil {
		return DecisionFatal
	}
	switch KindOf(err) {
	case KindTransientTransport, KindIOFull:
		return DecisionRetry
	case KindOperationCancelled:
		return DecisionCancelled
	default:
		return DecisionFatal
	}
}
