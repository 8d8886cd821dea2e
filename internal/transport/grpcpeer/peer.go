package grpcpeer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/gezibash/arc-sync/internal/observability"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
	"github.com/gezibash/arc-sync/pkg/protocol"
)

const recvBuffer = 64

type stream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

// Peer is a protocol.Peer backed by one gRPC stream.
type Peer struct {
	id     string
	role   protocol.PeerRole
	stream stream

	// client side only
	conn      *grpc.ClientConn
	closeSend func() error
	cancel    context.CancelFunc

	sendMu sync.Mutex
	in     chan []byte
	errMu  sync.Mutex
	err    error
	done   chan struct{}
	once   sync.Once
}

var _ protocol.Peer = (*Peer)(nil)

func newPeer(id string, role protocol.PeerRole, s stream) *Peer {
	p := &Peer{
		id:     id,
		role:   role,
		stream: s,
		in:     make(chan []byte, recvBuffer),
		done:   make(chan struct{}),
	}
	go p.receiveLoop()
	return p
}

func newServerPeer(ss grpc.ServerStream) (*Peer, error) {
	id, role := "", protocol.RoleClient
	if md, ok := metadata.FromIncomingContext(ss.Context()); ok {
		if v := md.Get(MetaPeerID); len(v) > 0 {
			id = v[0]
		}
		if v := md.Get(MetaPeerRole); len(v) > 0 {
			r, err := ParseRole(v[0])
			if err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			role = r
		}
	}
	if id == "" {
		id = "peer-" + uuid.NewString()
	}
	return newPeer(id, role, ss), nil
}

// DialOptions configure Dial.
type DialOptions struct {
	// LocalID is how the remote side names this node.
	LocalID    string
	// LocalRole is the role the remote side should give this node.
	LocalRole  protocol.PeerRole
	// RemoteID names the remote peer locally. Defaults to the target.
	RemoteID   string
	// RemoteRole is the role given to the remote peer locally.
	RemoteRole protocol.PeerRole
	// GRPC holds extra dial options.
	GRPC       []grpc.DialOption
}

// Dial opens a sync stream to target. Closing the returned peer closes the
// underlying connection.
func Dial(ctx context.Context, target string, opts DialOptions) (*Peer, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStreamInterceptor(observability.StreamClientInterceptor()),
	}
	dialOpts = append(dialOpts, opts.GRPC...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	p, err := Open(ctx, conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// Open starts a sync stream on an existing connection. The connection is
// left open when the peer closes.
func Open(ctx context.Context, conn *grpc.ClientConn, opts DialOptions) (*Peer, error) {
	localRole := cmp.Or(opts.LocalRole, protocol.RoleClient)
	remoteRole := cmp.Or(opts.RemoteRole, protocol.RoleServer)
	md := metadata.Pairs(MetaPeerRole, string(localRole))
	if opts.LocalID != "" {
		md.Set(MetaPeerID, opts.LocalID)
	}

	// The stream outlives ctx; it ends on Close.
	streamCtx, cancel := context.WithCancel(metadata.NewOutgoingContext(context.WithoutCancel(ctx), md))
	cs, err := conn.NewStream(streamCtx, &syncStreamDesc, SyncMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open sync stream: %w", err)
	}

	p := newPeer(cmp.Or(opts.RemoteID, conn.Target()), remoteRole, cs)
	p.closeSend = cs.CloseSend
	p.cancel = cancel
	return p, nil
}

func (p *Peer) ID() string              { return p.id }
func (p *Peer) Role() protocol.PeerRole { return p.role }

// Done is closed once the peer is closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Send writes msg as a single frame.
func (p *Peer) Send(ctx context.Context, msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	select {
	case <-p.done:
		return fmt.Errorf("send to %s: %w", p.id, arcerrors.ErrClosed)
	default:
	}
	if err := p.stream.SendMsg(wrapperspb.Bytes(frame)); err != nil {
		return fmt.Errorf("send to %s: %w: %w", p.id, arcerrors.ErrClosed, err)
	}
	return nil
}

// Recv returns the next decoded message. Malformed frames yield an error
// wrapping ErrInvalidInput and the stream stays usable.
func (p *Peer) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case frame, ok := <-p.in:
		if !ok {
			return nil, p.recvErr()
		}
		return protocol.Decode(frame)
	case <-p.done:
		return nil, fmt.Errorf("recv from %s: %w", p.id, arcerrors.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the stream. It is safe to call more than once.
func (p *Peer) Close() error {
	p.once.Do(func() {
		close(p.done)
		if p.cancel != nil {
			p.cancel()
		}
		if p.closeSend != nil {
			p.sendMu.Lock()
			_ = p.closeSend()
			p.sendMu.Unlock()
		}
		if p.conn != nil {
			_ = p.conn.Close()
		}
	})
	return nil
}

func (p *Peer) receiveLoop() {
	defer close(p.in)
	for {
		frame := &wrapperspb.BytesValue{}
		if err := p.stream.RecvMsg(frame); err != nil {
			p.errMu.Lock()
			p.err = err
			p.errMu.Unlock()
			return
		}
		select {
		case p.in <- frame.GetValue():
		case <-p.done:
			return
		}
	}
}

func (p *Peer) recvErr() error {
	p.errMu.Lock()
	err := p.err
	p.errMu.Unlock()
	if err == nil || errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
		return fmt.Errorf("recv from %s: %w", p.id, arcerrors.ErrClosed)
	}
	return fmt.Errorf("recv from %s: %w: %w", p.id, arcerrors.ErrClosed, err)
}

// ParseRole validates a peer role name.
func ParseRole(s string) (protocol.PeerRole, error) {
	switch r := protocol.PeerRole(s); r {
	case protocol.RoleServer, protocol.RoleStorage, protocol.RoleClient, protocol.RolePeer:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown peer role %q", arcerrors.ErrInvalidInput, s)
}
