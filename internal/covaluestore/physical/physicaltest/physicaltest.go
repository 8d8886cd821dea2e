// Package physicaltest is a conformance suite shared by every
// physical.Backend implementation.
package physicaltest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gezibash/arc-sync/internal/covaluestore/physical"
)

// NewBackend returns a fresh, empty backend. It should register its own
// cleanup.
type NewBackend func(t *testing.T) physical.Backend

const (
	coID    = "co_z00112233445566778899aabbccddeeff00112233"
	otherID = "co_zffeeddccbbaa99887766554433221100ffeeddcc"
	session = "co_z0123456789abcdef0123456789abcdef01234567_session_zabc"
)

// Run exercises the full backend contract.
func Run(t *testing.T, newBackend NewBackend) {
	tests := []struct {
		name string
		fn   func(*testing.T, physical.Backend)
	}{
		{"GetMissingCoValue", testGetMissingCoValue},
		{"AddCoValueIsIdempotent", testAddCoValueIsIdempotent},
		{"SessionInsertAndUpdate", testSessionInsertAndUpdate},
		{"TransactionsBoundedByLastIdx", testTransactionsBoundedByLastIdx},
		{"SignaturesFromIndex", testSignaturesFromIndex},
		{"SessionsAreScopedToCoValue", testSessionsAreScopedToCoValue},
		{"ClosedBackend", testClosedBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

func addSession(t *testing.T, b physical.Backend, coValueRow string, lastIdx int) *physical.SessionRow {
	t.Helper()
	ctx := context.Background()
	if _, err := b.AddSessionUpdate(ctx, nil, physical.SessionUpdate{
		CoValue:       coValueRow,
		SessionID:     session,
		LastIdx:       lastIdx,
		LastSignature: "sig",
	}); err != nil {
		t.Fatalf("AddSessionUpdate: %v", err)
	}
	rows, err := b.GetCoValueSessions(ctx, coValueRow)
	if err != nil {
		t.Fatalf("GetCoValueSessions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("sessions = %d, want 1", len(rows))
	}
	return rows[0]
}

func testGetMissingCoValue(t *testing.T, b physical.Backend) {
	_, err := b.GetCoValue(context.Background(), coID)
	if !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("GetCoValue = %v, want ErrNotFound", err)
	}
}

func testAddCoValueIsIdempotent(t *testing.T, b physical.Backend) {
	ctx := context.Background()
	first, err := b.AddCoValue(ctx, coID, []byte("header-1"))
	if err != nil {
		t.Fatalf("AddCoValue: %v", err)
	}
	second, err := b.AddCoValue(ctx, coID, []byte("header-2"))
	if err != nil {
		t.Fatalf("AddCoValue again: %v", err)
	}
	if first != second {
		t.Errorf("row IDs differ: %q vs %q", first, second)
	}

	row, err := b.GetCoValue(ctx, coID)
	if err != nil {
		t.Fatalf("GetCoValue: %v", err)
	}
	if row.RowID != first || row.ID != coID {
		t.Errorf("row = %+v", row)
	}
	if !bytes.Equal(row.Header, []byte("header-1")) {
		t.Errorf("header = %q, want the first write", row.Header)
	}
}

func testSessionInsertAndUpdate(t *testing.T, b physical.Backend) {
	ctx := context.Background()
	rowID, err := b.AddCoValue(ctx, coID, []byte("h"))
	if err != nil {
		t.Fatalf("AddCoValue: %v", err)
	}
	sess := addSession(t, b, rowID, 2)
	if sess.SessionID != session || sess.LastIdx != 2 || sess.LastSignature != "sig" {
		t.Fatalf("session = %+v", sess)
	}

	updatedID, err := b.AddSessionUpdate(ctx, sess, physical.SessionUpdate{
		CoValue:                 rowID,
		SessionID:               session,
		LastIdx:                 5,
		LastSignature:           "sig-5",
		BytesSinceLastSignature: 42,
	})
	if err != nil {
		t.Fatalf("AddSessionUpdate: %v", err)
	}
	if updatedID != sess.RowID {
		t.Errorf("update changed row ID: %q -> %q", sess.RowID, updatedID)
	}

	rows, err := b.GetCoValueSessions(ctx, rowID)
	if err != nil {
		t.Fatalf("GetCoValueSessions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("sessions = %d, want 1", len(rows))
	}
	got := rows[0]
	if got.LastIdx != 5 || got.LastSignature != "sig-5" || got.BytesSinceLastSignature != 42 {
		t.Errorf("updated session = %+v", got)
	}
}

func testTransactionsBoundedByLastIdx(t *testing.T, b physical.Backend) {
	ctx := context.Background()
	rowID, err := b.AddCoValue(ctx, coID, []byte("h"))
	if err != nil {
		t.Fatalf("AddCoValue: %v", err)
	}
	sess := addSession(t, b, rowID, 3)
	for i := range 4 {
		if err := b.AddTransaction(ctx, sess.RowID, i, fmt.Appendf(nil, "tx-%d", i)); err != nil {
			t.Fatalf("AddTransaction(%d): %v", i, err)
		}
	}

	tests := []struct {
		from int
		want []string
	}{
		{0, []string{"tx-0", "tx-1", "tx-2"}},
		{1, []string{"tx-1", "tx-2"}},
		{3, nil},
	}
	for _, tt := range tests {
		txs, err := b.GetNewTransactionsInSession(ctx, sess, tt.from)
		if err != nil {
			t.Fatalf("GetNewTransactionsInSession(%d): %v", tt.from, err)
		}
		if len(txs) != len(tt.want) {
			t.Fatalf("from %d: got %d transactions, want %d", tt.from, len(txs), len(tt.want))
		}
		for i, tx := range txs {
			if tx.Idx != tt.from+i || string(tx.Data) != tt.want[i] {
				t.Errorf("from %d: tx[%d] = %d %q", tt.from, i, tx.Idx, tx.Data)
			}
		}
	}
}

func testSignaturesFromIndex(t *testing.T, b physical.Backend) {
	ctx := context.Background()
	rowID, err := b.AddCoValue(ctx, coID, []byte("h"))
	if err != nil {
		t.Fatalf("AddCoValue: %v", err)
	}
	sess := addSession(t, b, rowID, 30)
	for _, idx := range []int{19, 4, 11} {
		if err := b.AddSignatureAfter(ctx, sess.RowID, idx, fmt.Sprintf("sig-%d", idx)); err != nil {
			t.Fatalf("AddSignatureAfter(%d): %v", idx, err)
		}
	}

	sigs, err := b.GetSignatures(ctx, sess, 5)
	if err != nil {
		t.Fatalf("GetSignatures: %v", err)
	}
	want := []physical.Signature{{Idx: 11, Signature: "sig-11"}, {Idx: 19, Signature: "sig-19"}}
	if len(sigs) != len(want) {
		t.Fatalf("signatures = %v, want %v", sigs, want)
	}
	for i := range want {
		if sigs[i] != want[i] {
			t.Errorf("signature[%d] = %v, want %v", i, sigs[i], want[i])
		}
	}
}

func testSessionsAreScopedToCoValue(t *testing.T, b physical.Backend) {
	ctx := context.Background()
	rowID, err := b.AddCoValue(ctx, coID, []byte("h"))
	if err != nil {
		t.Fatalf("AddCoValue: %v", err)
	}
	otherRow, err := b.AddCoValue(ctx, otherID, []byte("h2"))
	if err != nil {
		t.Fatalf("AddCoValue: %v", err)
	}
	addSession(t, b, rowID, 1)

	rows, err := b.GetCoValueSessions(ctx, otherRow)
	if err != nil {
		t.Fatalf("GetCoValueSessions: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("other CoValue has %d sessions, want 0", len(rows))
	}
}

func testClosedBackend(t *testing.T, b physical.Backend) {
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := b.GetCoValue(context.Background(), coID); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("GetCoValue after Close = %v, want ErrClosed", err)
	}
	if _, err := b.AddCoValue(context.Background(), coID, nil); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("AddCoValue after Close = %v, want ErrClosed", err)
	}
}
