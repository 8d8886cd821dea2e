package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gezibash/arc-sync/internal/covaluestore/physical"
	"github.com/gezibash/arc-sync/internal/covaluestore/physical/physicaltest"
)

func newTestBackend(t *testing.T) physical.Backend {
	t.Helper()
	cfg := map[string]string{KeyPath: filepath.Join(t.TempDir(), "test.db")}
	be, err := NewFactory(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { be.Close() })
	return be
}

func TestConformance(t *testing.T) {
	physicaltest.Run(t, newTestBackend)
}

func TestRowIDsAreIntegers(t *testing.T) {
	be := newTestBackend(t)
	ctx := context.Background()
	first, err := be.AddCoValue(ctx, "co_z00112233445566778899aabbccddeeff00112233", []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := be.AddCoValue(ctx, "co_zffeeddccbbaa99887766554433221100ffeeddcc", []byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	if first != "1" || second != "2" {
		t.Errorf("row IDs = %q, %q; want 1, 2", first, second)
	}
}

func TestMalformedRowID(t *testing.T) {
	be := newTestBackend(t)
	if _, err := be.GetCoValueSessions(context.Background(), "not-a-number"); err == nil {
		t.Fatal("expected error for malformed row id")
	}
}
