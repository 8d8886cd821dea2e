package server

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/gezibash/arc-sync/internal/observability"
	"github.com/gezibash/arc-sync/internal/transport/grpcpeer"
	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
	"github.com/gezibash/arc-sync/pkg/logging"
	"github.com/gezibash/arc-sync/pkg/protocol"
)

func newNode(t *testing.T) *covalue.Node {
	t.Helper()
	n, _, err := covalue.NewNodeWithNewAccount(covalue.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("NewNodeWithNewAccount: %v", err)
	}
	return n
}

func newManager(t *testing.T, n *covalue.Node) *protocol.SyncManager {
	t.Helper()
	m := protocol.NewSyncManager(n, protocol.WithLogger(logging.Discard()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newTestServer(t *testing.T, m *protocol.SyncManager) *Server {
	t.Helper()
	ctx := context.Background()
	obs, err := observability.New(ctx, observability.ObsConfig{LogLevel: "error"}, io.Discard)
	if err != nil {
		t.Fatalf("create observability: %v", err)
	}
	t.Cleanup(func() { _ = obs.Close(ctx) })

	srv, err := New("127.0.0.1:0", obs, true, m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func dial(t *testing.T, srv *Server, localID string) *grpcpeer.Peer {
	t.Helper()
	p, err := grpcpeer.Dial(context.Background(), srv.Addr(), grpcpeer.DialOptions{LocalID: localID, RemoteID: "server"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
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

func TestHealthStatus(t *testing.T) {
	srv := newTestServer(t, newManager(t, newNode(t)))

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	hc := grpc_health_v1.NewHealthClient(conn)

	check := func() grpc_health_v1.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := hc.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: grpcpeer.ServiceName})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("initial status = %v, want NOT_SERVING", got)
	}
	srv.SetServingStatus(grpc_health_v1.HealthCheckResponse_SERVING)
	if got := check(); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", got)
	}
}

func TestPeerAttachesToManager(t *testing.T) {
	sm := newManager(t, newNode(t))
	srv := newTestServer(t, sm)

	p := dial(t, srv, "laptop")
	cm := newManager(t, newNode(t))
	if err := cm.AddPeer(p); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	waitFor(t, "server sees laptop", func() bool {
		peers := sm.Peers()
		return len(peers) == 1 && peers[0] == "laptop"
	})

	_ = p.Close()
	waitFor(t, "server drops laptop", func() bool { return len(sm.Peers()) == 0 })
}

func TestDuplicatePeerRejected(t *testing.T) {
	sm := newManager(t, newNode(t))
	srv := newTestServer(t, sm)

	dial(t, srv, "same")
	waitFor(t, "first peer", func() bool { return len(sm.Peers()) == 1 })

	second := dial(t, srv, "same")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := second.Recv(ctx); !errors.Is(err, arcerrors.ErrClosed) {
		t.Fatalf("duplicate Recv = %v, want stream closed", err)
	}
	if got := len(sm.Peers()); got != 1 {
		t.Errorf("server has %d peers, want 1", got)
	}
}

func TestStopClosesPeers(t *testing.T) {
	sm := newManager(t, newNode(t))
	srv := newTestServer(t, sm)
	p := dial(t, srv, "laptop")
	waitFor(t, "peer attached", func() bool { return len(sm.Peers()) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Stop(ctx)

	if _, err := p.Recv(ctx); !errors.Is(err, arcerrors.ErrClosed) {
		t.Fatalf("Recv after Stop = %v, want ErrClosed", err)
	}
	waitFor(t, "manager drops peer", func() bool { return len(sm.Peers()) == 0 })
}

func TestEndToEndOverServer(t *testing.T) {
	serverNode := newNode(t)
	srv := newTestServer(t, newManager(t, serverNode))
	srv.SetServingStatus(grpc_health_v1.HealthCheckResponse_SERVING)

	writer := newNode(t)
	wm := newManager(t, writer)
	if err := wm.AddPeer(dial(t, srv, "writer")); err != nil {
		t.Fatal(err)
	}

	g, err := writer.CreateGroup(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.AddMember(covalue.EveryoneKey, covalue.RoleReader); err != nil {
		t.Fatalf("AddMember(everyone): %v", err)
	}
	m, err := g.CreateMap(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.MakeTransaction([]covalue.Change{covalue.Set("status", "published")}, covalue.PrivacyPrivate); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "server stores map", func() bool {
		c, ok := serverNode.Get(m.ID())
		return ok && len(c.KnownState().Sessions) > 0
	})

	reader := newNode(t)
	rm := newManager(t, reader)
	if err := rm.AddPeer(dial(t, srv, "reader")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := reader.Load(ctx, m.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	waitFor(t, "reader decrypts status", func() bool {
		v, _ := got.Content().GetString("status")
		return v == "published"
	})
}
