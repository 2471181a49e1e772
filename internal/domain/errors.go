package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for callers that need to branch on failure mode
// (retry, surface to a user, log and continue) without string matching.
type Kind string

const (
	KindProviderNotFound      Kind = "provider_not_found"
	KindPipelineNotFound      Kind = "pipeline_not_found"
	KindInvalidProviderType   Kind = "invalid_provider_type"
	KindInvalidConfig         Kind = "invalid_config"
	KindAuthenticationFailed  Kind = "authentication_failed"
	KindConcurrentModification Kind = "concurrent_modification"
	KindProviderError         Kind = "provider_error"
	KindNetwork               Kind = "network"
	KindTimeout               Kind = "timeout"
	KindDatabaseError         Kind = "database_error"
	KindDataConsistency       Kind = "data_consistency"
	KindRateLimited           Kind = "rate_limited"
	KindInternal              Kind = "internal"
)

// Error is the single error type returned across component boundaries.
// It carries a Kind for programmatic branching and wraps an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is match any *Error target with the same Kind, so
// callers can write errors.Is(err, &domain.Error{Kind: domain.KindProviderNotFound})
// or, more conveniently, use the IsKind helper below.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// NewError builds an Error of the given kind, optionally wrapping cause.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IsKind reports whether err (or anything it wraps) is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}
