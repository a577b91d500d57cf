// Package errors provides error handling for batchwatch.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Hints and details for operators
//
// On top of that it defines the failure taxonomy shared by the scheduler,
// the polling engine and the integration clients:
//
//	Validation            malformed input, rejected before persistence
//	NotFound              referenced job, batch or secret missing
//	Conflict              illegal state transition
//	TransientIntegration  retryable outbound failure (rate limit, 5xx, network)
//	PermanentIntegration  non-retryable outbound failure (4xx)
//	Persistence           storage-layer failure
//
// Classification is attached with errors.Mark, so it survives any amount of
// wrapping and is checked with the Is* predicates below.
//
// Usage:
//
//	if err := store.UpdateBatchStatus(ctx, id, status, now); err != nil {
//	    return errors.Wrap(err, "failed to persist batch status")
//	}
//
//	if errors.IsPermanent(err) {
//	    // do not retry
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Failure taxonomy. Use these with errors.Is() or the Is* helpers.
var (
	// ErrValidation indicates malformed input rejected before persistence
	ErrValidation = New("validation failed")

	// ErrNotFound indicates the requested job, batch or secret does not exist
	ErrNotFound = New("not found")

	// ErrConflict indicates an illegal state transition (e.g. pausing a completed job)
	ErrConflict = New("conflict")

	// ErrTransientIntegration indicates a retryable outbound failure
	ErrTransientIntegration = New("transient integration failure")

	// ErrPermanentIntegration indicates a non-retryable outbound failure
	ErrPermanentIntegration = New("permanent integration failure")

	// ErrPersistence indicates a storage-layer failure
	ErrPersistence = New("persistence failure")
)

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConflict)
}

// MarkTransient tags err as a retryable integration failure
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrTransientIntegration)
}

// MarkPermanent tags err as a non-retryable integration failure
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrPermanentIntegration)
}

// WrapPersistence wraps a storage error with context and tags it as a persistence failure.
// Errors already classified (validation, not found, conflict) pass through with context only.
func WrapPersistence(err error, msg string) error {
	if err == nil {
		return nil
	}
	if IsAny(err, ErrValidation, ErrNotFound, ErrConflict, ErrPersistence) {
		return Wrap(err, msg)
	}
	return Mark(Wrap(err, msg), ErrPersistence)
}

// IsValidation checks if an error is or wraps ErrValidation
func IsValidation(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsNotFound checks if an error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflict checks if an error is or wraps ErrConflict
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsTransient checks if an error is tagged as a retryable integration failure
func IsTransient(err error) bool {
	return err != nil && Is(err, ErrTransientIntegration)
}

// IsPermanent checks if an error is tagged as a non-retryable integration failure
func IsPermanent(err error) bool {
	return err != nil && Is(err, ErrPermanentIntegration)
}

// IsPersistence checks if an error is tagged as a storage-layer failure
func IsPersistence(err error) bool {
	return err != nil && Is(err, ErrPersistence)
}
