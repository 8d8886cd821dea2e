package protocol

import (
	"context"
	"fmt"
	"sync"

	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
)

// PeerRole decides what a SyncManager sends to a peer and whom it asks
// when loading.
type PeerRole string

const (
	// RoleServer peers receive every local change and are asked on load.
	RoleServer PeerRole = "server"
	// RoleStorage behaves like a server backed by persistent storage.
	RoleStorage PeerRole = "storage"
	// RoleClient peers only receive CoValues they have shown interest in.
	RoleClient PeerRole = "client"
	// RolePeer is a symmetric peer: asked on load, pushed what it follows.
	RolePeer PeerRole = "peer"
)

// IsUpstream reports whether peers in this role get every local change.
func (r PeerRole) IsUpstream() bool {
	return r == RoleServer || r == RoleStorage
}

// Peer is an ordered, reliable message channel to a remote party.
type Peer interface {
	ID() string
	Role() PeerRole
	// Send delivers msg or fails once the peer is closed.
	Send(ctx context.Context, msg Message) error
	// Recv blocks for the next message. It returns ErrClosed after Close.
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// DefaultPeerBuffer is the in-memory channel capacity per direction.
const DefaultPeerBuffer = 1024

// pipe is one direction of an in-memory connection. Frames are encoded
// so both ends see wire-identical, unshared values.
type pipe struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newPipe(size int) *pipe {
	return &pipe{frames: make(chan []byte, size), done: make(chan struct{})}
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.done) })
}

type memPeer struct {
	id   string
	role PeerRole
	in   *pipe
	out  *pipe
}

// NewConnectedPeers returns the two ends of an in-memory connection.
// The first represents peer1 and is handed to peer2's SyncManager; the
// second represents peer2 and is handed to peer1's.
func NewConnectedPeers(peer1, peer2 string, role1, role2 PeerRole) (Peer, Peer) {
	toPeer1 := newPipe(DefaultPeerBuffer)
	toPeer2 := newPipe(DefaultPeerBuffer)
	asPeer1 := &memPeer{id: peer1, role: role1, in: toPeer2, out: toPeer1}
	asPeer2 := &memPeer{id: peer2, role: role2, in: toPeer1, out: toPeer2}
	return asPeer1, asPeer2
}

func (p *memPeer) ID() string     { return p.id }
func (p *memPeer) Role() PeerRole { return p.role }

func (p *memPeer) Send(ctx context.Context, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-p.out.done:
		return fmt.Errorf("send to %s: %w", p.id, arcerrors.ErrClosed)
	case <-p.in.done:
		return fmt.Errorf("send to %s: %w", p.id, arcerrors.ErrClosed)
	default:
	}
	select {
	case p.out.frames <- frame:
		return nil
	case <-p.out.done:
		return fmt.Errorf("send to %s: %w", p.id, arcerrors.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *memPeer) Recv(ctx context.Context) (Message, error) {
	select {
	case frame := <-p.in.frames:
		return Decode(frame)
	case <-p.in.done:
		return nil, fmt.Errorf("recv from %s: %w", p.id, arcerrors.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts both directions; the other end observes ErrClosed.
func (p *memPeer) Close() error {
	p.in.close()
	p.out.close()
	return nil
}
