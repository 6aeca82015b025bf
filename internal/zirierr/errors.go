// Package zirierr provides the structured error type used across the
// indexing engine, implementing the error taxonomy described by the
// engine's error-handling design.
package zirierr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry decisions and caller reporting.
type Kind string

const (
	// Configuration indicates invalid or missing configuration.
	Configuration Kind = "configuration"
	// ProviderAuth indicates an embedding provider rejected credentials.
	ProviderAuth Kind = "provider_auth"
	// ProviderRateLimit indicates an embedding provider throttled a request.
	ProviderRateLimit Kind = "provider_rate_limit"
	// ProviderTimeout indicates an embedding provider request timed out.
	ProviderTimeout Kind = "provider_timeout"
	// ProviderNetwork indicates a transport-level failure reaching a provider.
	ProviderNetwork Kind = "provider_network"
	// ProviderClient indicates a 4xx-class non-retryable provider error.
	ProviderClient Kind = "provider_client"
	// ProviderServer indicates a 5xx-class provider error.
	ProviderServer Kind = "provider_server"
	// FileRead indicates a filesystem read failure for a tracked file.
	FileRead Kind = "file_read"
	// FileTooLarge indicates a file exceeded the configured size ceiling.
	FileTooLarge Kind = "file_too_large"
	// FileBinary indicates a file was classified as binary and skipped.
	FileBinary Kind = "file_binary"
	// Storage indicates a repository store read/write failure.
	Storage Kind = "storage"
	// CheckpointCorrupt indicates a checkpoint file failed validation.
	CheckpointCorrupt Kind = "checkpoint_corrupt"
	// Cancelled indicates the operation was cancelled via context.
	Cancelled Kind = "cancelled"
)

// Error is the structured error type returned by every package in this
// module. It carries enough context for logging, retry classification,
// and caller-facing reporting without string-matching on Error().
type Error struct {
	Kind      Kind
	Message   string
	Cause     error
	Retryable bool
	Details   map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by Kind, so errors.Is(err, &Error{Kind: X})
// works without comparing messages or causes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithDetail attaches a key-value detail and returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates an Error of the given kind. Retryable is derived from Kind
// unless overridden afterward.
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryableKind(kind),
	}
}

// Wrap creates an Error from an existing error, using err.Error() as the
// message. Returns nil if err is nil.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return New(kind, err.Error(), err)
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// isRetryableKind is the pure Kind -> Retryable classifier referenced by
// the error-handling design: retryability is a function of Kind alone.
func isRetryableKind(kind Kind) bool {
	switch kind {
	case ProviderRateLimit, ProviderTimeout, ProviderNetwork, ProviderServer:
		return true
	default:
		return false
	}
}
