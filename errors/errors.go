// Package errors provides error handling for ingestd.
//
// This package re-exports github.com/cockroachdb/errors so callers get stack
// traces, wrapping and details through a single import:
//
//	if err := store.Save(ctx, inst); err != nil {
//	    return errors.Wrapf(err, "failed to save instance %s", inst.ID)
//	}
//
// Domain sentinels live at the bottom of this file. Wrap them to add context
// and test for them with errors.Is.
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
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
	GetAllHints    = crdb.GetAllHints
)

var AssertionFailedf = crdb.AssertionFailedf

// Sentinels shared across packages.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a concurrent modification won the race
	ErrConflict = New("resource conflict")

	// ErrInvalidID is returned when a job instance id is not <uuid>_<int>
	ErrInvalidID = New("invalid id")

	// ErrNotLeaseHolder is returned when a worker acts on a lease it does not hold
	ErrNotLeaseHolder = New("not lease holder")

	// ErrNotCancelable is returned when canceling a job that already finished
	ErrNotCancelable = New("job not cancelable")

	// ErrCanceled is returned from a checkpoint once cancellation was requested
	ErrCanceled = New("job canceled")

	// ErrUnknownController is returned when no controller is registered under a name
	ErrUnknownController = New("unknown controller")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
