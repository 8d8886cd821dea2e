package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/gezibash/arc-sync/internal/cel"
	"github.com/gezibash/arc-sync/internal/config"
	"github.com/gezibash/arc-sync/internal/middleware"
	"github.com/gezibash/arc-sync/internal/node"
	"github.com/gezibash/arc-sync/internal/observability"
	"github.com/gezibash/arc-sync/internal/server"
	"github.com/gezibash/arc-sync/internal/transport/grpcpeer"
	"github.com/gezibash/arc-sync/pkg/logging"
	"github.com/gezibash/arc-sync/pkg/protocol"
)

// peerRetryInterval is how long an upstream peer connection waits
// before redialing.
const peerRetryInterval = 3 * time.Second

func newStartCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run a sync server",
		Long: "Run a sync server that stores CoValues in the configured backend,\n" +
			"serves clients over gRPC and syncs with upstream peers.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd, v)
		},
	}
	config.BindStartFlags(cmd, v)
	return cmd
}

func runStart(cmd *cobra.Command, v *viper.Viper) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadStart(v, configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	localID := "arcsync-" + uuid.NewString()
	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: serviceVersion(cfg.Observability.ServiceVersion),
		InstanceID:     localID,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	log := obs.Logger

	obs.ServeMetrics(ctx, cfg.Observability.MetricsAddr)

	sm, err := buildSyncManager(ctx, cfg, obs)
	if err != nil {
		_ = obs.Close(context.Background())
		return err
	}

	hooks := (&middleware.Chain{}).Use(middleware.PeerLimit(cfg.GRPC.MaxPeers))
	srv, err := server.New(cfg.GRPC.Addr, obs, cfg.GRPC.EnableReflection, sm,
		grpc.MaxRecvMsgSize(cfg.GRPC.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(cfg.GRPC.MaxSendMsgSize),
		grpc.ChainStreamInterceptor(hooks.StreamServerInterceptor()),
	)
	if err != nil {
		_ = obs.Close(context.Background())
		return fmt.Errorf("create server: %w", err)
	}
	obs.Shutdown.Register(observability.PhaseIngress, "grpc-server", func(ctx context.Context) error {
		srv.Stop(ctx)
		return nil
	})

	for _, addr := range cfg.Sync.Peers {
		go keepPeer(ctx, sm, log, addr, localID)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
			log.Info("shutdown signal received")
		case <-ctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := obs.Close(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	srv.SetServingStatus(grpc_health_v1.HealthCheckResponse_SERVING)
	log.Info("serving",
		"addr", srv.Addr(),
		"metrics", cfg.Observability.MetricsAddr,
		"storage", cfg.Storage.Backend,
		"peers", len(cfg.Sync.Peers),
	)
	return srv.Serve()
}

// buildSyncManager opens storage and returns the server node's sync
// manager with the store attached as its storage peer.
func buildSyncManager(ctx context.Context, cfg config.Config, obs *observability.Observability) (*protocol.SyncManager, error) {
	log := obs.Logger

	store, err := node.NewStore(ctx, cfg.Storage, log, obs.Metrics)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	n, err := node.NewServerNode(log, obs.Metrics)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var filter *cel.Filter
	if cfg.Sync.Filter != "" {
		filter, err = cel.Compile(cfg.Sync.Filter)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("sync.filter: %w", err)
		}
		log.Info("sync filter enabled", "filter", filter.String())
	}

	sm := protocol.NewSyncManager(n,
		protocol.WithLogger(log),
		protocol.WithObserver(obs.Metrics.SyncObserver()),
		protocol.WithFilter(filter.SyncFilter()),
		protocol.WithLoadTimeout(cfg.LoadTimeout()),
	)
	if err := store.Connect(sm, "storage"); err != nil {
		_ = sm.Close()
		_ = store.Close()
		return nil, fmt.Errorf("attach storage: %w", err)
	}

	obs.Shutdown.Register(observability.PhaseSync, "sync-manager", func(context.Context) error {
		return sm.Close()
	})
	obs.Shutdown.Register(observability.PhaseStorage, "covaluestore", func(context.Context) error {
		return store.Close()
	})
	return sm, nil
}

// keepPeer keeps a connection to an upstream server open until ctx ends,
// redialing after each disconnect.
func keepPeer(ctx context.Context, sm *protocol.SyncManager, log *logging.Logger, addr, localID string) {
	log = log.WithPeer(addr)
	for {
		p, err := grpcpeer.Dial(ctx, addr, grpcpeer.DialOptions{
			LocalID:    localID,
			LocalRole:  protocol.RolePeer,
			RemoteID:   addr,
			RemoteRole: protocol.RoleServer,
		})
		if err == nil {
			err = sm.AddPeer(p)
			if err != nil {
				_ = p.Close()
			}
		}
		if err != nil {
			log.Warn("peer connect failed", "error", err)
		} else {
			log.Info("peer connected")
			select {
			case <-p.Done():
				log.Info("peer disconnected")
			case <-ctx.Done():
				_ = p.Close()
				return
			}
		}

		select {
		case <-time.After(peerRetryInterval):
		case <-ctx.Done():
			return
		}
	}
}

// serviceVersion prefers a configured version over the build version.
func serviceVersion(configured string) string {
	if configured != "" && configured != "dev" {
		return configured
	}
	return version
}
