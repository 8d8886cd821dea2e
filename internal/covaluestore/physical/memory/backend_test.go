package memory

import (
	"context"
	"testing"

	"github.com/gezibash/arc-sync/internal/covaluestore/physical"
	"github.com/gezibash/arc-sync/internal/covaluestore/physical/physicaltest"
)

func TestConformance(t *testing.T) {
	physicaltest.Run(t, func(t *testing.T) physical.Backend {
		be, err := NewFactory(context.Background(), nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { be.Close() })
		return be
	})
}

func TestRegistered(t *testing.T) {
	if !physical.IsRegistered("memory") {
		t.Fatal("memory backend not registered")
	}
	be, err := physical.New(context.Background(), "memory", nil, nil)
	if err != nil {
		t.Fatalf("physical.New: %v", err)
	}
	be.Close()
}
