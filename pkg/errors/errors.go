// Package errors provides structured error handling for the nanoflow client.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind categorizes client errors and drives retry decisions.
type Kind string

const (
	// KindNetwork represents transient connection or transport failures.
	KindNetwork Kind = "network"
	// KindProtocol represents malformed or unexpected payload shapes.
	KindProtocol Kind = "protocol"
	// KindRpc represents an application-level error reported by the node.
	KindRpc Kind = "rpc"
	// KindTimeout represents an operation-specific deadline being exceeded.
	KindTimeout Kind = "timeout"
	// KindCancelled represents external cancellation of an operation.
	KindCancelled Kind = "cancelled"
	// KindExhausted represents a consumed retry budget.
	KindExhausted Kind = "exhausted"
	// KindInsufficientDifficulty represents a work value that failed re-validation.
	KindInsufficientDifficulty Kind = "insufficient_difficulty"
	// KindValidation represents invalid local input (hex, lengths, fields).
	KindValidation Kind = "validation"
	// KindInternal represents internal or unclassified errors.
	KindInternal Kind = "internal"
)

// ClientError is a structured error with kind, operation and context.
type ClientError struct {
	Kind      Kind
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Kind, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Kind, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping.
func (e *ClientError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried.
func (e *ClientError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error.
func (e *ClientError) WithContext(key string, value interface{}) *ClientError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new ClientError.
func New(kind Kind, operation, message string) *ClientError {
	return &ClientError{
		Kind:      kind,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableByKind(kind),
	}
}

// Wrap wraps an existing error with kind and operation context.
func Wrap(err error, kind Kind, operation, message string) *ClientError {
	if err == nil {
		return nil
	}

	// Preserve the retry classification of an already-wrapped error.
	if ce, ok := err.(*ClientError); ok {
		return &ClientError{
			Kind:      kind,
			Operation: operation,
			Message:   message,
			Cause:     ce,
			Timestamp: time.Now(),
			Retryable: ce.Retryable,
		}
	}

	return &ClientError{
		Kind:      kind,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryableByKind(kind) || retryableByPattern(err),
	}
}

// retryableByKind determines whether a kind is retryable in general.
func retryableByKind(kind Kind) bool {
	switch kind {
	case KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// retryableByPattern checks common transport failure strings.
func retryableByPattern(err error) bool {
	if err == nil {
		return false
	}

	// Context cancellation is not a transport hiccup.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())

	transient := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"broken pipe",
		"timeout",
		"temporary failure",
		"no route to host",
	}

	for _, pattern := range transient {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

// IsKind checks whether an error carries a specific kind.
func IsKind(err error, kind Kind) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// IsRetryable checks whether an error should be retried.
func IsRetryable(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return retryableByPattern(err)
}

// IsCancelled reports whether an error means the operation was cancelled
// rather than having failed.
func IsCancelled(err error) bool {
	if IsKind(err, KindCancelled) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// GetContext retrieves the context map from a ClientError.
func GetContext(err error) map[string]interface{} {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Context
	}
	return nil
}

// Combine merges the failure causes of two racing work sources into one
// error. Either argument may be nil; at least one must be non-nil.
func Combine(operation string, local, remote error) *ClientError {
	switch {
	case local == nil:
		return Wrap(remote, KindInternal, operation, "remote source failed")
	case remote == nil:
		return Wrap(local, KindInternal, operation, "local source failed")
	default:
		combined := New(KindInternal, operation, "all work sources failed").
			WithContext("local_error", local.Error()).
			WithContext("remote_error", remote.Error())
		combined.Cause = local
		return combined
	}
}
