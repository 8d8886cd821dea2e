package cli

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/gezibash/arc-sync/internal/config"
	"github.com/gezibash/arc-sync/internal/keyring"
	"github.com/gezibash/arc-sync/internal/server"
	"github.com/gezibash/arc-sync/pkg/covalue"
	"github.com/gezibash/arc-sync/pkg/logging"
	"github.com/gezibash/arc-sync/pkg/protocol"
)

// startServer runs a sync server backed by an in-memory node.
func startServer(t *testing.T) (string, *covalue.Node) {
	t.Helper()
	n, _, err := covalue.NewNodeWithNewAccount(covalue.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	m := protocol.NewSyncManager(n, protocol.WithLogger(logging.Discard()))
	srv, err := server.New("127.0.0.1:0", nil, false, m)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
		_ = m.Close()
	})
	return srv.Addr(), n
}

func testConfig(t *testing.T, addr string) config.BaseConfig {
	return config.BaseConfig{
		Server:  addr,
		DataDir: t.TempDir(),
		Sync:    config.SyncConfig{LoadTimeout: 5 * time.Second},
	}
}

// registerAccount creates an account, uploads it and stores it in the
// keyring under alias.
func registerAccount(t *testing.T, cfg config.BaseConfig, alias string) *covalue.ControlledAccount {
	t.Helper()
	ctx := context.Background()
	n, acct, err := covalue.NewNodeWithNewAccount(covalue.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	s, err := OpenSession(ctx, cfg, SessionOptions{Node: n, LogWriter: io.Discard})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer s.Close()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := keyring.New(cfg.KeyringDir()).Save(ctx, acct, alias, ""); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return acct
}

func TestSessionRoundTrip(t *testing.T) {
	addr, serverNode := startServer(t)
	cfg := testConfig(t, addr)
	acct := registerAccount(t, cfg, "alice")
	ctx := context.Background()

	writer, err := OpenSession(ctx, cfg, SessionOptions{LogWriter: io.Discard})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if writer.Account.ID() != acct.AccountID() {
		t.Fatalf("session acts as %s, want %s", writer.Account.ID(), acct.AccountID())
	}
	g, err := writer.Node.CreateGroup(nil)
	if err != nil {
		t.Fatal(err)
	}
	m, err := g.CreateMap(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.MakeTransaction([]covalue.Change{covalue.Set("draft", "v1")}, covalue.PrivacyPrivate); err != nil {
		t.Fatal(err)
	}
	if err := writer.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	_ = writer.Close()

	if _, ok := serverNode.Get(m.ID()); !ok {
		t.Fatal("server does not hold the map after Flush")
	}

	reader, err := OpenSession(ctx, cfg, SessionOptions{LogWriter: io.Discard})
	if err != nil {
		t.Fatalf("second OpenSession: %v", err)
	}
	defer reader.Close()
	got, err := reader.Load(ctx, m.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v, _ := got.Content().GetString("draft"); v != "v1" {
		t.Errorf("draft = %q, want v1", v)
	}
	if _, err := reader.Group(ctx, g.ID()); err != nil {
		t.Errorf("Group: %v", err)
	}
}

func TestSessionSelectsAccount(t *testing.T) {
	addr, _ := startServer(t)
	cfg := testConfig(t, addr)
	registerAccount(t, cfg, "alice")
	bob := registerAccount(t, cfg, "bob")

	cfg.Account = "bob"
	s, err := OpenSession(context.Background(), cfg, SessionOptions{LogWriter: io.Discard})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	defer s.Close()
	if s.Account.ID() != bob.AccountID() {
		t.Errorf("session acts as %s, want bob", s.Account.ID())
	}
}

func TestSessionWithoutAccount(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1:1")
	_, err := OpenSession(context.Background(), cfg, SessionOptions{LogWriter: io.Discard, Offline: true})
	if !errors.Is(err, keyring.ErrNoDefault) {
		t.Fatalf("OpenSession = %v, want ErrNoDefault", err)
	}
}

func TestOfflineSessionLoadFails(t *testing.T) {
	n, _, err := covalue.NewNodeWithNewAccount(covalue.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}
	s, err := OpenSession(context.Background(), testConfig(t, ""), SessionOptions{Node: n, Offline: true, LogWriter: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.Peer != nil {
		t.Error("offline session dialed a server")
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Errorf("offline Flush = %v", err)
	}
	if _, err := s.Load(context.Background(), testCoID); err == nil {
		t.Error("offline Load of an unknown CoValue succeeded")
	}
}

func TestRunCommandFlushesWrites(t *testing.T) {
	addr, serverNode := startServer(t)
	cfg := testConfig(t, addr)
	registerAccount(t, cfg, "alice")

	v := viper.New()
	v.Set("server", cfg.Server)
	v.Set("data_dir", cfg.DataDir)
	v.Set("sync.load_timeout", "5s")

	var id covalue.CoID
	err := RunCommand(context.Background(), CommandConfig{
		Viper:   v,
		Session: SessionOptions{LogWriter: io.Discard},
		Run: func(ctx context.Context, s *Session, out *Output) error {
			g, err := s.Node.CreateGroup(nil)
			if err != nil {
				return err
			}
			id = g.ID()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if _, ok := serverNode.Get(id); !ok {
		t.Error("group was not flushed to the server")
	}
}

func TestRunCommandValidation(t *testing.T) {
	if err := RunCommand(context.Background(), CommandConfig{}); err == nil {
		t.Error("expected error without viper")
	}
	if err := RunCommand(context.Background(), CommandConfig{Viper: viper.New()}); err == nil {
		t.Error("expected error without run function")
	}
}
