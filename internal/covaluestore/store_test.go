package covaluestore

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gezibash/arc-sync/internal/covaluestore/physical"
	"github.com/gezibash/arc-sync/internal/covaluestore/physical/memory"
	"github.com/gezibash/arc-sync/pkg/covalue"
	"github.com/gezibash/arc-sync/pkg/logging"
	"github.com/gezibash/arc-sync/pkg/protocol"
)

func testClock() *covalue.FakeClock {
	c := covalue.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c.AutoAdvance(time.Millisecond)
	return c
}

func newBackend(t *testing.T) physical.Backend {
	t.Helper()
	be, err := memory.NewFactory(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { be.Close() })
	return be
}

func newStore(t *testing.T, be physical.Backend, opts ...Option) *SyncManager {
	t.Helper()
	s := New(be, append([]Option{WithLogger(logging.Discard())}, opts...)...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newNode(t *testing.T, clock covalue.Clock) (*covalue.Node, *covalue.ControlledAccount) {
	t.Helper()
	n, acct, err := covalue.NewNodeWithNewAccount(covalue.WithClock(clock), covalue.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("NewNodeWithNewAccount: %v", err)
	}
	return n, acct
}

func connect(t *testing.T, s *SyncManager, n *covalue.Node) *protocol.SyncManager {
	t.Helper()
	m := protocol.NewSyncManager(n, protocol.WithLogger(logging.Discard()))
	t.Cleanup(func() { _ = m.Close() })
	if err := s.Connect(m, "storage"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return m
}

// serveTestPeer runs s against a peer driven by the test and returns
// the test's end.
func serveTestPeer(t *testing.T, s *SyncManager) protocol.Peer {
	t.Helper()
	asTest, asStore := protocol.NewConnectedPeers("test", "store", protocol.RoleClient, protocol.RoleStorage)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(ctx, asTest)
	}()
	t.Cleanup(func() {
		cancel()
		_ = asStore.Close()
		<-done
	})
	return asStore
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

func recvUntil(t *testing.T, p protocol.Peer, what string, match func(protocol.Message) bool) protocol.Message {
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

// storedKnownState reads what the backend holds for id.
func storedKnownState(t *testing.T, be physical.Backend, id covalue.CoID) covalue.KnownState {
	t.Helper()
	ctx := context.Background()
	ks := covalue.EmptyKnownState(id)
	row, err := be.GetCoValue(ctx, string(id))
	if err != nil {
		return ks
	}
	ks.Header = true
	sessions, err := be.GetCoValueSessions(ctx, row.RowID)
	if err != nil {
		t.Fatalf("GetCoValueSessions: %v", err)
	}
	for _, s := range sessions {
		ks.Sessions[covalue.SessionID(s.SessionID)] = s.LastIdx
	}
	return ks
}

func waitPersisted(t *testing.T, be physical.Backend, cores ...*covalue.Core) {
	t.Helper()
	for _, c := range cores {
		waitFor(t, "persisted "+string(c.ID()), func() bool {
			return storedKnownState(t, be, c.ID()).Covers(c.KnownState())
		})
	}
}

func sendAll(t *testing.T, p protocol.Peer, c *covalue.Core) {
	t.Helper()
	for _, piece := range c.NewContentSince(nil) {
		if err := p.Send(context.Background(), protocol.ContentMessage(piece)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
}

func TestPersistAndReload(t *testing.T) {
	clock := testClock()
	be := newBackend(t)
	s := newStore(t, be, WithCompression(CompressionZstd))

	n1, acct := newNode(t, clock)
	connect(t, s, n1)
	g, err := n1.CreateGroup(nil)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	m, err := g.CreateMap(map[string]any{"name": "notes"})
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	mustSet(t, m, "title", "hello", covalue.PrivacyPrivate)
	mustSet(t, m, "count", int64(3), covalue.PrivacyTrusting)

	accountCore, _ := n1.Get(acct.AccountID())
	waitPersisted(t, be, accountCore, g.Core(), m)

	n2, err := covalue.NewNode(acct, covalue.WithClock(clock), covalue.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	connect(t, s, n2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	loaded, err := n2.Load(ctx, m.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(loaded.Header().Meta, m.Header().Meta) {
		t.Errorf("meta = %v, want %v", loaded.Header().Meta, m.Header().Meta)
	}
	want := m.Content().AsObject()
	waitFor(t, "reloaded content", func() bool {
		return reflect.DeepEqual(loaded.Content().AsObject(), want)
	})
}

func TestLoadMissingAnswersEmptyKnownState(t *testing.T) {
	s := newStore(t, newBackend(t))
	p := serveTestPeer(t, s)

	id := covalue.CoID("co_z" + strings.Repeat("ab", 20))
	if err := p.Send(context.Background(), &protocol.LoadMessage{KnownState: covalue.EmptyKnownState(id)}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := recvUntil(t, p, "known", func(msg protocol.Message) bool { return msg.CoID() == id })
	known, ok := msg.(*protocol.KnownStateMessage)
	if !ok {
		t.Fatalf("reply = %T, want known state", msg)
	}
	if known.Header || len(known.Sessions) != 0 || known.IsCorrection {
		t.Errorf("reply = %+v, want empty known state", known)
	}
}

func TestContentWithoutHeaderForUnknownCoValue(t *testing.T) {
	src, _ := newNode(t, testClock())
	g, _ := src.CreateGroup(nil)
	m, _ := g.CreateMap(nil)
	mustSet(t, m, "a", "1", covalue.PrivacyTrusting)

	be := newBackend(t)
	p := serveTestPeer(t, newStore(t, be))

	piece := m.NewContentSince(nil)[0]
	piece.Header = nil
	if err := p.Send(context.Background(), protocol.ContentMessage(piece)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := recvUntil(t, p, "correction", func(msg protocol.Message) bool { return msg.CoID() == m.ID() })
	known, ok := msg.(*protocol.KnownStateMessage)
	if !ok || !known.IsCorrection || known.Header {
		t.Fatalf("reply = %+v, want header:false correction", msg)
	}
	if ks := storedKnownState(t, be, m.ID()); ks.Header {
		t.Error("headerless content created a row")
	}
}

func TestGapTriggersCorrection(t *testing.T) {
	src, _ := newNode(t, testClock())
	g, _ := src.CreateGroup(nil)
	m, _ := g.CreateMap(nil)
	for _, k := range []string{"a", "b", "c"} {
		mustSet(t, m, k, k, covalue.PrivacyTrusting)
	}

	be := newBackend(t)
	p := serveTestPeer(t, newStore(t, be))

	assumed := covalue.KnownState{ID: m.ID(), Header: true, Sessions: map[covalue.SessionID]int{src.SessionID(): 2}}
	piece := m.NewContentSince(&assumed)[0]
	piece.Header = m.Header()
	if err := p.Send(context.Background(), protocol.ContentMessage(piece)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg := recvUntil(t, p, "correction", func(msg protocol.Message) bool { return msg.CoID() == m.ID() })
	known, ok := msg.(*protocol.KnownStateMessage)
	if !ok || !known.IsCorrection {
		t.Fatalf("reply = %+v, want correction", msg)
	}
	if !known.Header || known.Sessions[src.SessionID()] != 0 {
		t.Errorf("correction = %+v, want header and no transactions", known.KnownState)
	}

	// Resending from the corrected state fills the gap.
	sendAll(t, p, m)
	waitPersisted(t, be, m)
}

func TestNegativeOffsetIsDropped(t *testing.T) {
	src, _ := newNode(t, testClock())
	g, _ := src.CreateGroup(nil)
	m, _ := g.CreateMap(nil)
	mustSet(t, m, "a", "1", covalue.PrivacyTrusting)

	be := newBackend(t)
	p := serveTestPeer(t, newStore(t, be))
	sendAll(t, p, m)
	waitPersisted(t, be, m)

	mustSet(t, m, "b", "2", covalue.PrivacyTrusting)
	mustSet(t, m, "c", "3", covalue.PrivacyTrusting)
	piece := m.NewContentSince(nil)[0]
	content := piece.New[src.SessionID()]
	content.After = -1
	piece.New[src.SessionID()] = content
	if err := p.Send(context.Background(), protocol.ContentMessage(piece)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Messages are handled in order, so the load reply means the
	// content above was processed.
	if err := p.Send(context.Background(), &protocol.LoadMessage{KnownState: covalue.EmptyKnownState(m.ID())}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	recvUntil(t, p, "load reply", func(msg protocol.Message) bool { return msg.Action() == protocol.ActionDone })
	if got := storedKnownState(t, be, m.ID()).Sessions[src.SessionID()]; got != 1 {
		t.Errorf("stored length = %d after negative offset, want 1", got)
	}

	sendAll(t, p, m)
	waitPersisted(t, be, m)
}

func TestLoadReplyEndsWithDone(t *testing.T) {
	src, _ := newNode(t, testClock())
	g, _ := src.CreateGroup(nil)
	m, _ := g.CreateMap(nil)
	mustSet(t, m, "a", "1", covalue.PrivacyTrusting)

	be := newBackend(t)
	p := serveTestPeer(t, newStore(t, be))
	sendAll(t, p, g.Core())
	sendAll(t, p, m)
	waitPersisted(t, be, g.Core(), m)

	if err := p.Send(context.Background(), &protocol.LoadMessage{KnownState: covalue.EmptyKnownState(m.ID())}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sawContent := false
	msg := recvUntil(t, p, "done", func(msg protocol.Message) bool {
		if c, ok := msg.(*protocol.NewContentMessage); ok && c.ID == m.ID() {
			sawContent = true
		}
		return msg.Action() == protocol.ActionDone
	})
	if msg.CoID() != m.ID() {
		t.Errorf("done for %s, want %s", msg.CoID(), m.ID())
	}
	if !sawContent {
		t.Error("done arrived before the map content")
	}
}

func TestOverlappingContentIsIdempotent(t *testing.T) {
	src, _ := newNode(t, testClock())
	g, _ := src.CreateGroup(nil)
	m, _ := g.CreateMap(nil)
	mustSet(t, m, "a", "1", covalue.PrivacyTrusting)
	mustSet(t, m, "b", "2", covalue.PrivacyTrusting)

	be := newBackend(t)
	p := serveTestPeer(t, newStore(t, be))
	sendAll(t, p, m)
	sendAll(t, p, m)
	mustSet(t, m, "c", "3", covalue.PrivacyTrusting)
	sendAll(t, p, m)

	waitPersisted(t, be, m)
	if got := storedKnownState(t, be, m.ID()).Sessions[src.SessionID()]; got != 3 {
		t.Errorf("stored length = %d, want 3", got)
	}
}

func TestLoadSendsDependenciesFirst(t *testing.T) {
	src, acct := newNode(t, testClock())
	g, _ := src.CreateGroup(nil)
	m, _ := g.CreateMap(nil)
	mustSet(t, m, "a", "1", covalue.PrivacyPrivate)
	accountCore, _ := src.Get(acct.AccountID())

	be := newBackend(t)
	p := serveTestPeer(t, newStore(t, be))
	for _, c := range []*covalue.Core{accountCore, g.Core(), m} {
		sendAll(t, p, c)
	}
	waitPersisted(t, be, accountCore, g.Core(), m)

	if err := p.Send(context.Background(), &protocol.LoadMessage{KnownState: covalue.EmptyKnownState(m.ID())}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	var order []covalue.CoID
	recvUntil(t, p, "map content", func(msg protocol.Message) bool {
		known, ok := msg.(*protocol.KnownStateMessage)
		if !ok {
			return msg.CoID() == m.ID()
		}
		order = append(order, known.ID)
		if known.ID != m.ID() && known.AsDependencyOf != m.ID() {
			t.Errorf("known state for %s has AsDependencyOf %q", known.ID, known.AsDependencyOf)
		}
		return false
	})

	pos := map[covalue.CoID]int{}
	for i, id := range order {
		pos[id] = i
	}
	if len(order) != 3 {
		t.Fatalf("known states = %v, want account, group and map", order)
	}
	if pos[acct.AccountID()] > pos[g.ID()] || pos[g.ID()] > pos[m.ID()] {
		t.Errorf("order = %v, want account before group before map", order)
	}
}

func TestLargeSessionsWriteCheckpoints(t *testing.T) {
	clock := testClock()
	src, acct := newNode(t, clock)
	g, _ := src.CreateGroup(nil)
	m, _ := g.CreateMap(nil)
	big := strings.Repeat("x", 60*1024)
	for _, k := range []string{"a", "b", "c"} {
		mustSet(t, m, k, big, covalue.PrivacyTrusting)
	}
	accountCore, _ := src.Get(acct.AccountID())

	be := newBackend(t)
	s := newStore(t, be, WithCompression(CompressionLZ4))
	p := serveTestPeer(t, s)
	for _, c := range []*covalue.Core{accountCore, g.Core(), m} {
		sendAll(t, p, c)
	}
	waitPersisted(t, be, accountCore, g.Core(), m)

	ctx := context.Background()
	row, err := be.GetCoValue(ctx, string(m.ID()))
	if err != nil {
		t.Fatalf("GetCoValue: %v", err)
	}
	sessions, err := be.GetCoValueSessions(ctx, row.RowID)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions = %v, %v", sessions, err)
	}
	sigs, err := be.GetSignatures(ctx, sessions[0], 0)
	if err != nil {
		t.Fatalf("GetSignatures: %v", err)
	}
	if len(sigs) == 0 {
		t.Fatal("no checkpoint written for a session over the size threshold")
	}

	dst, err := covalue.NewNode(acct, covalue.WithClock(clock), covalue.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	connect(t, s, dst)
	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	loaded, err := dst.Load(loadCtx, m.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	waitFor(t, "all transactions", func() bool { return loaded.KnownState().Covers(m.KnownState()) })
	if v, _ := loaded.Content().Get("c"); v != big {
		t.Error("reloaded value differs")
	}
}

func TestConnectAfterClose(t *testing.T) {
	s := New(newBackend(t), WithLogger(logging.Discard()))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	n, _ := newNode(t, testClock())
	m := protocol.NewSyncManager(n, protocol.WithLogger(logging.Discard()))
	defer m.Close()
	if err := s.Connect(m, "storage"); err == nil {
		t.Fatal("Connect after Close succeeded")
	}
}
