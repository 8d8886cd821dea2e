package protocol

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
)

func TestTwoNodesSyncPrivateMap(t *testing.T) {
	clock := testClock()
	server, _ := newNode(t, clock)
	client, clientAcct := newNode(t, clock)
	sm := newManager(t, server)
	cm := newManager(t, client)

	asClient, asServer := NewConnectedPeers("client", "server", RoleClient, RoleServer)
	if err := sm.AddPeer(asClient); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := cm.AddPeer(asServer); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	g, err := server.CreateGroup(nil)
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	m, err := g.CreateMap(nil)
	if err != nil {
		t.Fatalf("CreateMap: %v", err)
	}
	mustSet(t, m, "greeting", "hello", covalue.PrivacyPrivate)

	waitFor(t, "client account on server", func() bool {
		_, ok := server.Get(clientAcct.AccountID())
		return ok
	})
	if err := g.AddMember(clientAcct.ID(), covalue.RoleWriter); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmap, err := client.Load(ctx, m.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	waitFor(t, "client reads greeting", func() bool {
		v, _ := cmap.Content().GetString("greeting")
		return v == "hello"
	})

	mustSet(t, cmap, "reply", "hi back", covalue.PrivacyPrivate)
	waitFor(t, "server reads reply", func() bool {
		v, _ := m.Content().GetString("reply")
		return v == "hi back"
	})

	mustSet(t, m, "greeting", "hello again", covalue.PrivacyPrivate)
	waitFor(t, "client sees update", func() bool {
		v, _ := cmap.Content().GetString("greeting")
		return v == "hello again"
	})

	if got, want := cmap.Content().AsObject(), m.Content().AsObject(); !reflect.DeepEqual(got, want) {
		t.Errorf("client content %v, server content %v", got, want)
	}
	if !cmap.KnownState().Covers(m.KnownState()) || !m.KnownState().Covers(cmap.KnownState()) {
		t.Error("known states diverged")
	}
}

func TestTwoNodesRemovedMemberLosesNewContent(t *testing.T) {
	clock := testClock()
	alice, _ := newNode(t, clock)
	bob, bobAcct := newNode(t, clock)
	am := newManager(t, alice)
	bm := newManager(t, bob)

	asBob, asAlice := NewConnectedPeers("bob", "alice", RoleClient, RoleServer)
	if err := am.AddPeer(asBob); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := bm.AddPeer(asAlice); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	g, _ := alice.CreateGroup(nil)
	m, _ := g.CreateMap(nil)
	waitFor(t, "bob's account on alice", func() bool {
		_, ok := alice.Get(bobAcct.AccountID())
		return ok
	})
	if err := g.AddMember(bobAcct.ID(), covalue.RoleReader); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	mustSet(t, m, "foo", "bar", covalue.PrivacyPrivate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bmap, err := bob.Load(ctx, m.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	waitFor(t, "bob reads bar", func() bool {
		v, _ := bmap.Content().GetString("foo")
		return v == "bar"
	})

	if err := g.RemoveMember(bobAcct.ID()); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	mustSet(t, m, "foo", "baz", covalue.PrivacyPrivate)

	waitFor(t, "bob receives the new transaction", func() bool {
		return bmap.KnownState().Covers(m.KnownState())
	})
	if v, _ := bmap.Content().GetString("foo"); v != "bar" {
		t.Errorf("bob reads foo = %q, want bar", v)
	}
	if v, _ := m.Content().GetString("foo"); v != "baz" {
		t.Errorf("alice reads foo = %q, want baz", v)
	}
}

func TestContentIsAcknowledged(t *testing.T) {
	src, acct := newNode(t, testClock())
	dst, _ := newNode(t, testClock())
	remote := attachTestPeer(t, newManager(t, dst), RoleClient)

	c, _ := src.Get(acct.AccountID())
	for _, piece := range c.NewContentSince(nil) {
		if err := remote.Send(context.Background(), ContentMessage(piece)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	msg := recvUntil(t, remote, "acknowledgement", func(msg Message) bool {
		k, ok := msg.(*KnownStateMessage)
		return ok && k.ID == acct.AccountID()
	})
	k := msg.(*KnownStateMessage)
	if k.IsCorrection || !k.Covers(c.KnownState()) {
		t.Errorf("acknowledgement = %+v, want the full known state", k)
	}
}

func TestWaitForPeerConfirmsPushedContent(t *testing.T) {
	clock := testClock()
	server, _ := newNode(t, clock)
	client, _ := newNode(t, clock)
	g, _ := client.CreateGroup(nil)
	m, _ := g.CreateMap(nil)
	mustSet(t, m, "a", "1", covalue.PrivacyTrusting)

	sm := newManager(t, server)
	cm := newManager(t, client)
	asClient, asServer := NewConnectedPeers("client", "server", RoleClient, RoleServer)
	if err := sm.AddPeer(asClient); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := cm.AddPeer(asServer); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cm.WaitForPeer(ctx, "server"); err != nil {
		t.Fatalf("WaitForPeer: %v", err)
	}
	for _, id := range client.IDs() {
		c, _ := client.Get(id)
		sc, ok := server.Get(id)
		if !ok || !sc.KnownState().Covers(c.KnownState()) {
			t.Errorf("server is missing content of %s", id)
		}
	}
}

func TestLoadUnavailable(t *testing.T) {
	clock := testClock()
	server, _ := newNode(t, clock)
	client, _ := newNode(t, clock)
	if err := newManager(t, server).AddPeer(mustPair(t, client)); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if _, err := client.Load(ctx, missingID()); !errors.Is(err, arcerrors.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("load waited for the deadline instead of the peer's answer")
	}
}

// mustPair connects client upstream to server and returns the end the
// server's manager should add.
func mustPair(t *testing.T, client *covalue.Node) Peer {
	t.Helper()
	asClient, asServer := NewConnectedPeers("client", "server", RoleClient, RoleServer)
	if err := newManager(t, client).AddPeer(asServer); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	return asClient
}

func TestLoadWithoutPeers(t *testing.T) {
	n, _ := newNode(t, testClock())
	newManager(t, n)
	if _, err := n.Load(context.Background(), missingID()); !errors.Is(err, arcerrors.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestLoadTimesOutOnSilentPeer(t *testing.T) {
	n, _ := newNode(t, testClock())
	m := newManager(t, n)
	attachTestPeer(t, m, RoleServer)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.LoadCoValue(ctx, missingID()); !errors.Is(err, arcerrors.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestLoadResolvesOnDone(t *testing.T) {
	n, _ := newNode(t, testClock())
	m := newManager(t, n)
	remote := attachTestPeer(t, m, RoleStorage)

	done := make(chan error, 1)
	go func() { done <- m.LoadCoValue(context.Background(), missingID()) }()
	recvUntil(t, remote, "load", func(msg Message) bool { return msg.Action() == ActionLoad && msg.CoID() == missingID() })
	if err := remote.Send(context.Background(), &DoneMessage{ID: missingID()}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, arcerrors.ErrUnavailable) {
			t.Errorf("err = %v, want ErrUnavailable", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("load did not resolve on done")
	}
}

func TestLoadResolvesWhenPeerDisconnects(t *testing.T) {
	n, _ := newNode(t, testClock())
	m := newManager(t, n)
	remote := attachTestPeer(t, m, RoleServer)

	done := make(chan error, 1)
	go func() { done <- m.LoadCoValue(context.Background(), missingID()) }()
	recvUntil(t, remote, "load", func(msg Message) bool { return msg.Action() == ActionLoad && msg.CoID() == missingID() })
	_ = remote.Close()

	select {
	case err := <-done:
		if !errors.Is(err, arcerrors.ErrUnavailable) {
			t.Errorf("err = %v, want ErrUnavailable", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("load did not resolve after disconnect")
	}
}

func TestContentIsIdempotent(t *testing.T) {
	clock := testClock()
	src, acct := newNode(t, clock)
	g, _ := src.CreateGroup(nil)
	m, _ := g.CreateMap(nil)
	mustSet(t, m, "a", "1", covalue.PrivacyTrusting)
	mustSet(t, m, "b", "2", covalue.PrivacyTrusting)

	dst, _ := newNode(t, clock)
	mgr := newManager(t, dst)
	remote := attachTestPeer(t, mgr, RoleClient)
	ctx := context.Background()

	for _, id := range []covalue.CoID{acct.AccountID(), g.ID(), m.ID()} {
		c, _ := src.Get(id)
		for _, piece := range c.NewContentSince(nil) {
			for range 2 {
				if err := remote.Send(ctx, ContentMessage(piece)); err != nil {
					t.Fatalf("Send: %v", err)
				}
			}
		}
	}
	waitFor(t, "map replayed", func() bool {
		c, ok := dst.Get(m.ID())
		return ok && c.KnownState().Covers(m.KnownState())
	})

	// Overlapping delivery: resend everything from offset 0.
	c, _ := src.Get(m.ID())
	if err := remote.Send(ctx, ContentMessage(c.NewContentSince(nil)[0])); err != nil {
		t.Fatalf("Send: %v", err)
	}
	barrier(t, remote)

	dm, _ := dst.Get(m.ID())
	if ks, ok := mgr.PeerKnownState("test", m.ID()); !ok || !ks.Covers(m.KnownState()) {
		t.Errorf("peer known state = %+v", ks)
	}
	if got := dm.KnownState().Sessions[src.SessionID()]; got != 2 {
		t.Errorf("session length = %d after redelivery, want 2", got)
	}
	want := map[string]any{"a": "1", "b": "2"}
	if got := dm.Content().AsObject(); !reflect.DeepEqual(got, want) {
		t.Errorf("content = %v, want %v", got, want)
	}
}

func TestGapTriggersCorrection(t *testing.T) {
	clock := testClock()
	src, acct := newNode(t, clock)
	g, _ := src.CreateGroup(nil)
	m, _ := g.CreateMap(nil)
	mustSet(t, m, "a", "1", covalue.PrivacyTrusting)
	mustSet(t, m, "b", "2", covalue.PrivacyTrusting)

	dst, _ := newNode(t, clock)
	obs := &countingObserver{}
	remote := attachTestPeer(t, newManager(t, dst, WithObserver(obs)), RoleClient)
	ctx := context.Background()

	for _, id := range []covalue.CoID{acct.AccountID(), g.ID()} {
		c, _ := src.Get(id)
		for _, piece := range c.NewContentSince(nil) {
			if err := remote.Send(ctx, ContentMessage(piece)); err != nil {
				t.Fatalf("Send: %v", err)
			}
		}
	}

	// Pretend the receiver already holds the first transaction.
	assumed := covalue.KnownState{ID: m.ID(), Header: true, Sessions: map[covalue.SessionID]int{src.SessionID(): 1}}
	pieces := m.NewContentSince(&assumed)
	pieces[0].Header = m.Header()
	if err := remote.Send(ctx, ContentMessage(pieces[0])); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg := recvUntil(t, remote, "correction", func(msg Message) bool {
		k, ok := msg.(*KnownStateMessage)
		return ok && k.IsCorrection && k.ID == m.ID()
	})
	corr := msg.(*KnownStateMessage)
	if !corr.Header || corr.Sessions[src.SessionID()] != 0 {
		t.Errorf("correction = %+v, want header and empty session", corr.KnownState)
	}
	dm, _ := dst.Get(m.ID())
	if got := len(dm.Transactions(src.SessionID())); got != 0 {
		t.Errorf("gap content applied: %d transactions", got)
	}

	// Resending from the corrected offset completes the session.
	full := m.NewContentSince(&corr.KnownState)
	for _, piece := range full {
		if err := remote.Send(ctx, ContentMessage(piece)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	waitFor(t, "session completed", func() bool {
		return len(dm.Transactions(src.SessionID())) == 2
	})
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.applied < 2 {
		t.Errorf("observer saw %d applied transactions", obs.applied)
	}
}

func TestContentWithoutHeaderForUnknownCoValue(t *testing.T) {
	src, _ := newNode(t, testClock())
	g, _ := src.CreateGroup(nil)
	dst, _ := newNode(t, testClock())
	remote := attachTestPeer(t, newManager(t, dst), RoleClient)

	piece := g.Core().NewContentSince(nil)[0]
	piece.Header = nil
	if err := remote.Send(context.Background(), ContentMessage(piece)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := recvUntil(t, remote, "correction", func(msg Message) bool {
		k, ok := msg.(*KnownStateMessage)
		return ok && k.ID == g.ID()
	})
	k := msg.(*KnownStateMessage)
	if !k.IsCorrection || k.Header {
		t.Errorf("reply = %+v, want header:false correction", k)
	}
}

func TestCorrectionTriggersResend(t *testing.T) {
	n, _ := newNode(t, testClock())
	g, _ := n.CreateGroup(nil)
	m, _ := g.CreateMap(nil)
	mustSet(t, m, "a", "1", covalue.PrivacyTrusting)

	obs := &countingObserver{}
	remote := attachTestPeer(t, newManager(t, n, WithObserver(obs)), RoleClient)
	ctx := context.Background()

	if err := remote.Send(ctx, &LoadMessage{KnownState: covalue.EmptyKnownState(m.ID())}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	recvUntil(t, remote, "map content", func(msg Message) bool {
		c, ok := msg.(*NewContentMessage)
		return ok && c.ID == m.ID() && c.Header != nil
	})

	// The test peer lost everything; the manager must start over.
	if err := remote.Send(ctx, &KnownStateMessage{KnownState: covalue.EmptyKnownState(m.ID()), IsCorrection: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := recvUntil(t, remote, "resent content", func(msg Message) bool {
		c, ok := msg.(*NewContentMessage)
		return ok && c.ID == m.ID() && c.Header != nil
	})
	if got := len(msg.(*NewContentMessage).New[n.SessionID()].NewTransactions); got != 1 {
		t.Errorf("resent %d transactions, want 1", got)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.corrections != 1 {
		t.Errorf("observer saw %d corrections, want 1", obs.corrections)
	}
}

func TestLoadSendsDependenciesFirst(t *testing.T) {
	n, acct := newNode(t, testClock())
	parent, _ := n.CreateGroup(nil)
	g, _ := n.CreateGroup(nil)
	if err := g.Extend(parent); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	m, _ := g.CreateMap(nil)
	mustSet(t, m, "a", "1", covalue.PrivacyTrusting)

	remote := attachTestPeer(t, newManager(t, n), RoleClient)
	if err := remote.Send(context.Background(), &LoadMessage{KnownState: covalue.EmptyKnownState(m.ID())}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var order []covalue.CoID
	recvUntil(t, remote, "top-level content", func(msg Message) bool {
		c, ok := msg.(*NewContentMessage)
		if !ok || c.Header == nil {
			return false
		}
		order = append(order, c.ID)
		return c.ID == m.ID()
	})
	pos := map[covalue.CoID]int{}
	for i, id := range order {
		pos[id] = i
	}
	for _, dep := range []covalue.CoID{acct.AccountID(), parent.ID(), g.ID()} {
		if _, ok := pos[dep]; !ok {
			t.Fatalf("dependency %s not sent; order %v", dep, order)
		}
	}
	if pos[parent.ID()] > pos[g.ID()] || pos[acct.AccountID()] > pos[g.ID()] || pos[g.ID()] > pos[m.ID()] {
		t.Errorf("dependencies out of order: %v", order)
	}
}

func TestFilterHidesCoValue(t *testing.T) {
	n, _ := newNode(t, testClock())
	g, _ := n.CreateGroup(nil)
	hidden, _ := g.CreateMap(map[string]any{"hidden": true})

	filter := func(_ Peer, c *covalue.Core) bool {
		return c.Header().Meta["hidden"] != true
	}
	remote := attachTestPeer(t, newManager(t, n, WithFilter(filter)), RoleClient)
	if err := remote.Send(context.Background(), &LoadMessage{KnownState: covalue.EmptyKnownState(hidden.ID())}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg := recvUntil(t, remote, "reply", func(msg Message) bool { return msg.CoID() == hidden.ID() })
	k, ok := msg.(*KnownStateMessage)
	if !ok || k.Header {
		t.Errorf("filtered covalue answered with %T %+v", msg, msg)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	n, _ := newNode(t, testClock())
	m := NewSyncManager(n)
	remote := attachTestPeer(t, m, RoleClient)
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := remote.Recv(context.Background()); !errors.Is(err, arcerrors.ErrClosed) {
		t.Errorf("remote Recv err = %v, want ErrClosed", err)
	}
	if err := m.AddPeer(remote); !errors.Is(err, arcerrors.ErrClosed) {
		t.Errorf("AddPeer after Close err = %v", err)
	}
}

type countingObserver struct {
	mu          sync.Mutex
	corrections int
	applied     int
}

func (o *countingObserver) PeerConnected(string, PeerRole) {}
func (o *countingObserver) PeerDisconnected(string)        {}
func (o *countingObserver) MessageSent(string, Action)     {}
func (o *countingObserver) MessageReceived(string, Action) {}
func (o *countingObserver) MessageDropped(string, string)  {}
func (o *countingObserver) Correction(string) {
	o.mu.Lock()
	o.corrections++
	o.mu.Unlock()
}
func (o *countingObserver) TransactionsApplied(_ string, n int) {
	o.mu.Lock()
	o.applied += n
	o.mu.Unlock()
}

func TestWaitForPeerConfirmsWrites(t *testing.T) {
	clock := testClock()
	server, _ := newNode(t, clock)
	client, _ := newNode(t, clock)
	sm := newManager(t, server)
	cm := newManager(t, client)

	asClient, asServer := NewConnectedPeers("client", "server", RoleClient, RoleServer)
	if err := sm.AddPeer(asClient); err != nil {
		t.Fatal(err)
	}
	if err := cm.AddPeer(asServer); err != nil {
		t.Fatal(err)
	}

	g, err := client.CreateGroup(nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := g.CreateMap(nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range 20 {
		mustSet(t, m, "counter", i, covalue.PrivacyTrusting)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cm.WaitForPeer(ctx, "server"); err != nil {
		t.Fatalf("WaitForPeer: %v", err)
	}

	got, ok := server.Get(m.ID())
	if !ok {
		t.Fatal("server does not hold the map after WaitForPeer")
	}
	if !reflect.DeepEqual(got.KnownState(), m.KnownState()) {
		t.Errorf("server known state = %+v, want %+v", got.KnownState(), m.KnownState())
	}
}

func TestWaitForPeerErrors(t *testing.T) {
	n, _ := newNode(t, testClock())
	m := newManager(t, n)

	if err := m.WaitForPeer(context.Background(), "nobody"); !errors.Is(err, arcerrors.ErrNotConnected) {
		t.Errorf("unknown peer = %v, want ErrNotConnected", err)
	}

	attachTestPeer(t, m, RoleServer)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.WaitForPeer(ctx, "test"); !errors.Is(err, arcerrors.ErrTimeout) {
		t.Errorf("silent peer = %v, want ErrTimeout", err)
	}
}
