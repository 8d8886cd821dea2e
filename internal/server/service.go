package server

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gezibash/arc-sync/internal/observability"
	"github.com/gezibash/arc-sync/internal/transport/grpcpeer"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
	"github.com/gezibash/arc-sync/pkg/logging"
	"github.com/gezibash/arc-sync/pkg/protocol"
)

// syncService attaches every accepted stream to the node's SyncManager
// and holds the stream open for the life of the peer.
type syncService struct {
	manager *protocol.SyncManager
	metrics *observability.Metrics
	log     *logging.Logger

	mu    sync.Mutex
	peers map[*grpcpeer.Peer]struct{}
}

func newSyncService(manager *protocol.SyncManager, metrics *observability.Metrics, log *logging.Logger) *syncService {
	return &syncService{
		manager: manager,
		metrics: metrics,
		log:     log,
		peers:   make(map[*grpcpeer.Peer]struct{}),
	}
}

func (s *syncService) Accept(ctx context.Context, p *grpcpeer.Peer) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "sync_stream",
		observability.AttrPeer.String(p.ID()),
		observability.AttrPeerRole.String(string(p.Role())),
	)
	defer func() { op.End(err) }()

	if err := s.manager.AddPeer(p); err != nil {
		switch {
		case errors.Is(err, arcerrors.ErrAlreadyExists):
			return status.Errorf(codes.AlreadyExists, "peer %s is already connected", p.ID())
		case errors.Is(err, arcerrors.ErrClosed):
			return status.Error(codes.Unavailable, "sync manager closed")
		default:
			return status.Errorf(codes.Internal, "add peer: %v", err)
		}
	}

	s.track(p, true)
	defer s.track(p, false)

	select {
	case <-p.Done():
	case <-ctx.Done():
		s.log.WithPeer(p.ID()).Debug("stream context ended", "error", ctx.Err())
	}
	return nil
}

func (s *syncService) track(p *grpcpeer.Peer, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.peers[p] = struct{}{}
	} else {
		delete(s.peers, p)
	}
}

func (s *syncService) closeAll() {
	s.mu.Lock()
	peers := make([]*grpcpeer.Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}
}
