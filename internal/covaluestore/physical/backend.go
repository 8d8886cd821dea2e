// Package physical defines the row-level storage contract that the
// storage-side sync manager writes CoValues through.
package physical

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("row not found")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")
)

// CoValueRow is a stored CoValue header. Header holds the encoded
// header row; backends treat it as opaque.
type CoValueRow struct {
	RowID  string
	ID     string
	Header []byte
}

// SessionRow tracks how far one session of a CoValue has been stored.
type SessionRow struct {
	RowID                   string
	CoValue                 string
	SessionID               string
	LastIdx                 int
	LastSignature           string
	BytesSinceLastSignature int
}

// SessionUpdate is the new state of a session row. CoValue is the row
// ID of the owning CoValue.
type SessionUpdate struct {
	CoValue                 string
	SessionID               string
	LastIdx                 int
	LastSignature           string
	BytesSinceLastSignature int
}

// Signature is a checkpoint signature covering transactions up to and
// including Idx.
type Signature struct {
	Idx       int
	Signature string
}

// TransactionRow is one stored transaction. Data is opaque to backends.
type TransactionRow struct {
	Idx  int
	Data []byte
}

// Backend is the physical storage interface for CoValue rows.
// All implementations must be thread-safe.
type Backend interface {
	// GetCoValue returns ErrNotFound when id is not stored.
	GetCoValue(ctx context.Context, id string) (*CoValueRow, error)
	// AddCoValue stores a header and returns its row ID. Adding an
	// already stored id returns the existing row ID.
	AddCoValue(ctx context.Context, id string, header []byte) (string, error)
	GetCoValueSessions(ctx context.Context, coValueRowID string) ([]*SessionRow, error)
	// GetSignatures returns checkpoints with Idx >= fromIdx in ascending order.
	GetSignatures(ctx context.Context, session *SessionRow, fromIdx int) ([]Signature, error)
	// GetNewTransactionsInSession returns transactions from fromIdx up to
	// the session's LastIdx in ascending order.
	GetNewTransactionsInSession(ctx context.Context, session *SessionRow, fromIdx int) ([]TransactionRow, error)
	// AddSessionUpdate inserts a session row when existing is nil and
	// overwrites it otherwise, returning the session row ID.
	AddSessionUpdate(ctx context.Context, existing *SessionRow, update SessionUpdate) (string, error)
	AddSignatureAfter(ctx context.Context, sessionRowID string, idx int, signature string) error
	AddTransaction(ctx context.Context, sessionRowID string, idx int, data []byte) error
	Close() error
}
