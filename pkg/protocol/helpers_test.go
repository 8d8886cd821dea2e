package protocol

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gezibash/arc-sync/pkg/covalue"
	"github.com/gezibash/arc-sync/pkg/logging"
)

func testClock() *covalue.FakeClock {
	c := covalue.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c.AutoAdvance(time.Millisecond)
	return c
}

func newNode(t *testing.T, clock covalue.Clock) (*covalue.Node, *covalue.ControlledAccount) {
	t.Helper()
	n, acct, err := covalue.NewNodeWithNewAccount(covalue.WithClock(clock), covalue.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("NewNodeWithNewAccount: %v", err)
	}
	return n, acct
}

func newManager(t *testing.T, n *covalue.Node, opts ...Option) *SyncManager {
	t.Helper()
	m := NewSyncManager(n, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// attachTestPeer connects m to a peer driven by the test and returns the
// test's end.
func attachTestPeer(t *testing.T, m *SyncManager, role PeerRole) Peer {
	t.Helper()
	asTest, asNode := NewConnectedPeers("test", "node", role, RoleServer)
	if err := m.AddPeer(asTest); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	t.Cleanup(func() { _ = asNode.Close() })
	return asNode
}

func mustSet(t *testing.T, c *covalue.Core, key string, value any, privacy covalue.Privacy) {
	t.Helper()
	if err := c.MakeTransaction([]covalue.Change{covalue.Set(key, value)}, privacy); err != nil {
		t.Fatalf("MakeTransaction(%s): %v", key, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// recvUntil reads from p until match accepts a message.
func recvUntil(t *testing.T, p Peer, what string, match func(Message) bool) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		msg, err := p.Recv(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(msg) {
			return msg
		}
	}
}

func missingID() covalue.CoID {
	return covalue.CoID("co_z" + strings.Repeat("0", 40))
}

// barrier returns once the manager behind p has processed everything
// sent before it. Messages from one peer are handled in order.
func barrier(t *testing.T, p Peer) {
	t.Helper()
	if err := p.Send(context.Background(), &LoadMessage{KnownState: covalue.EmptyKnownState(missingID())}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	recvUntil(t, p, "barrier reply", func(msg Message) bool { return msg.CoID() == missingID() })
}
