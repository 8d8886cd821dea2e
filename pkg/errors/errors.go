// Package errors provides sentinel errors shared across arc-sync packages.
// Package-specific errors wrap these so callers can match on either.
package errors

import stderrors "errors"

var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = stderrors.New("not found")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = stderrors.New("closed")

	// ErrInvalidInput indicates the input is invalid.
	ErrInvalidInput = stderrors.New("invalid input")

	// ErrAlreadyExists indicates the resource already exists.
	ErrAlreadyExists = stderrors.New("already exists")

	// ErrNotConnected indicates a required connection is not established.
	ErrNotConnected = stderrors.New("not connected")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = stderrors.New("timeout")

	// ErrUnavailable indicates no source could provide the resource.
	ErrUnavailable = stderrors.New("unavailable")

	// ErrPermission indicates the caller lacks the role for an operation.
	ErrPermission = stderrors.New("permission denied")
)

// Sync engine taxonomy.
var (
	// ErrInvalidTransaction marks a transaction excluded from
	// materialization: malformed, unauthorized or an illegal demotion.
	ErrInvalidTransaction = stderrors.New("invalid transaction")

	// ErrStaleAppend indicates the expected prior session length did not
	// match the stored length.
	ErrStaleAppend = stderrors.New("stale append")

	// ErrKnownStateCorrection signals that a peer's assumption about our
	// known state was wrong and must be renegotiated.
	ErrKnownStateCorrection = stderrors.New("known state correction")

	// ErrKeyUnavailable indicates a read key could not be obtained by the
	// acting account.
	ErrKeyUnavailable = stderrors.New("read key unavailable")

	// ErrInvalidSignature indicates a session signature did not verify.
	ErrInvalidSignature = stderrors.New("invalid signature")
)
