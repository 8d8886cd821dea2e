// Package grpcpeer carries sync messages over a gRPC bidirectional stream.
// Each stream frame is a wrapperspb.BytesValue holding one encoded
// protocol message, so no generated service code is needed.
package grpcpeer

import (
	"context"

	"google.golang.org/grpc"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "arcsync.sync.v1.SyncService"
	// SyncMethod is the full method path of the sync stream.
	SyncMethod = "/" + ServiceName + "/Sync"
)

// Metadata keys sent by the dialing side.
const (
	MetaPeerID   = "arcsync-peer-id"
	MetaPeerRole = "arcsync-peer-role"
)

// Acceptor receives peers for incoming sync streams. Accept owns p and
// should return once p is done; returning closes the stream.
type Acceptor interface {
	Accept(ctx context.Context, p *Peer) error
}

var syncStreamDesc = grpc.StreamDesc{
	StreamName:    "Sync",
	Handler:       syncHandler,
	ServerStreams: true,
	ClientStreams: true,
}

// ServiceDesc describes the sync service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Acceptor)(nil),
	Streams:     []grpc.StreamDesc{syncStreamDesc},
	Metadata:    "arcsync/sync.proto",
}

// Register attaches a to s.
func Register(s grpc.ServiceRegistrar, a Acceptor) {
	s.RegisterService(&ServiceDesc, a)
}

func syncHandler(srv any, stream grpc.ServerStream) error {
	p, err := newServerPeer(stream)
	if err != nil {
		return err
	}
	defer p.Close()
	return srv.(Acceptor).Accept(stream.Context(), p)
}
