// Package memory provides an in-memory CoValue row backend for tests
// and ephemeral nodes.
package memory

import (
	"context"
	"maps"

	"github.com/gezibash/arc-sync/internal/covaluestore/physical"
	"github.com/gezibash/arc-sync/internal/covaluestore/physical/badger"
)

func init() {
	physical.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration for the memory backend.
func Defaults() map[string]string {
	return map[string]string{
		badger.KeyInMemory: "true",
	}
}

// NewFactory creates a new in-memory backend using BadgerDB's in-memory mode.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	cfg := maps.Clone(config)
	if cfg == nil {
		cfg = map[string]string{}
	}
	cfg[badger.KeyInMemory] = "true"
	return badger.NewFactory(ctx, cfg)
}
