// Package node builds the storage and sync node of an arcsync server.
package node

import (
	"context"
	"fmt"

	"github.com/gezibash/arc-sync/internal/config"
	"github.com/gezibash/arc-sync/internal/covaluestore"
	"github.com/gezibash/arc-sync/internal/covaluestore/physical"
	"github.com/gezibash/arc-sync/internal/observability"
	"github.com/gezibash/arc-sync/pkg/covalue"
	"github.com/gezibash/arc-sync/pkg/identity"
	"github.com/gezibash/arc-sync/pkg/logging"

	// Register storage backends
	_ "github.com/gezibash/arc-sync/internal/covaluestore/physical/badger"
	_ "github.com/gezibash/arc-sync/internal/covaluestore/physical/memory"
	_ "github.com/gezibash/arc-sync/internal/covaluestore/physical/redis"
	_ "github.com/gezibash/arc-sync/internal/covaluestore/physical/s3"
	_ "github.com/gezibash/arc-sync/internal/covaluestore/physical/sqlite"
)

// NewStore opens the configured backend and wraps it in a storage-side
// sync manager. metrics may be nil.
func NewStore(ctx context.Context, cfg config.StorageConfig, log *logging.Logger, metrics *observability.Metrics) (*covaluestore.SyncManager, error) {
	compression, err := covaluestore.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	backend, err := physical.New(ctx, cfg.Backend, cfg.Config, metrics)
	if err != nil {
		return nil, fmt.Errorf("create storage backend: %w", err)
	}
	log.Info("storage initialized",
		"backend", cfg.Backend,
		"compression", compression.String(),
	)
	return covaluestore.New(backend,
		covaluestore.WithLogger(log),
		covaluestore.WithCompression(compression),
	), nil
}

// NewServerNode creates the node a server syncs through. It never
// authors transactions, so it acts as a throwaway agent.
func NewServerNode(log *logging.Logger, metrics *observability.Metrics) (*covalue.Node, error) {
	kp, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	agent, err := covalue.NewControlledAgent(kp.Secret())
	if err != nil {
		return nil, err
	}
	opts := []covalue.Option{covalue.WithLogger(log)}
	if metrics != nil {
		opts = append(opts, covalue.WithInvalidTxHook(metrics.InvalidTransaction))
	}
	return covalue.NewNode(agent, opts...)
}
