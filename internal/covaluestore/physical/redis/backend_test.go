package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/gezibash/arc-sync/internal/covaluestore/physical"
	"github.com/gezibash/arc-sync/internal/covaluestore/physical/physicaltest"
)

func TestConformance(t *testing.T) {
	addr := os.Getenv("ARCSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ARCSYNC_TEST_REDIS_ADDR not set")
	}
	physicaltest.Run(t, func(t *testing.T) physical.Backend {
		be, err := NewFactory(context.Background(), map[string]string{
			KeyAddr:      addr,
			KeyDB:        "15",
			KeyKeyPrefix: fmt.Sprintf("arcsync-test-%d:", time.Now().UnixNano()),
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { be.Close() })
		return be
	})
}

func TestFactoryRejectsNegativeDB(t *testing.T) {
	_, err := NewFactory(context.Background(), map[string]string{KeyAddr: "localhost:0", KeyDB: "-1"})
	if err == nil {
		t.Fatal("expected error for negative db")
	}
}
