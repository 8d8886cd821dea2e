package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"github.com/gezibash/arc-sync/internal/config"
	"github.com/gezibash/arc-sync/internal/keyring"
	"github.com/gezibash/arc-sync/internal/observability"
	"github.com/gezibash/arc-sync/internal/transport/grpcpeer"
	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
	"github.com/gezibash/arc-sync/pkg/logging"
	"github.com/gezibash/arc-sync/pkg/protocol"
)

// Session is a client command's view of the network: a keyring account
// acting through a local node that syncs with one server.
type Session struct {
	Config  config.BaseConfig
	Account *keyring.Account
	Node    *covalue.Node
	Sync    *protocol.SyncManager
	Peer    *grpcpeer.Peer
	Log     *logging.Logger

	logFile io.Closer
}

// SessionOptions tune OpenSession.
type SessionOptions struct {
	// Node acts instead of loading the configured account from the
	// keyring, e.g. right after creating an account.
	Node      *covalue.Node
	// Offline skips dialing the server.
	Offline   bool
	// Dial adds gRPC dial options, e.g. a bufconn dialer in tests.
	Dial      []grpc.DialOption
	// LogWriter overrides the data_dir/log/cli.log destination.
	LogWriter io.Writer
}

// OpenSession loads the account, starts a node and connects it to the
// configured server. The account CoValue itself is fetched from the
// server before returning.
func OpenSession(ctx context.Context, cfg config.BaseConfig, opts SessionOptions) (*Session, error) {
	s := &Session{Config: cfg}

	w := opts.LogWriter
	if w == nil {
		f, err := openLogFile(cfg.ResolvedDataDir())
		if err != nil {
			w = io.Discard
		} else {
			w = f
			s.logFile = f
		}
	}
	s.Log = observability.SetupLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, w).WithComponent("cli")

	n := opts.Node
	if n == nil {
		kr := keyring.New(cfg.KeyringDir())
		acct, err := loadAccount(ctx, kr, cfg.Account)
		if err != nil {
			s.close()
			return nil, err
		}
		s.Account = acct
		n, err = covalue.NewNode(acct.Controlled, covalue.WithLogger(s.Log))
		if err != nil {
			s.close()
			return nil, err
		}
	}
	s.Node = n
	s.Sync = protocol.NewSyncManager(n,
		protocol.WithLogger(s.Log),
		protocol.WithLoadTimeout(cfg.LoadTimeout()),
	)

	if opts.Offline {
		return s, nil
	}

	addr := cfg.ResolvedServer()
	p, err := grpcpeer.Dial(ctx, addr, grpcpeer.DialOptions{
		LocalID:    "cli-" + uuid.NewString(),
		LocalRole:  protocol.RoleClient,
		RemoteID:   addr,
		RemoteRole: protocol.RoleServer,
		GRPC:       opts.Dial,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %w", arcerrors.ErrNotConnected, err)
	}
	s.Peer = p
	if err := s.Sync.AddPeer(p); err != nil {
		_ = s.Close()
		return nil, err
	}

	if s.Account != nil {
		if _, err := s.Load(ctx, s.Account.ID()); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("load account %s: %w", s.Account.ID(), err)
		}
	}
	return s, nil
}

func loadAccount(ctx context.Context, kr *keyring.Keyring, name string) (*keyring.Account, error) {
	if name == "" || name == config.Common.Account {
		acct, err := kr.Load(ctx, config.Common.Account)
		if errors.Is(err, keyring.ErrAliasNotFound) {
			return kr.LoadDefault(ctx)
		}
		return acct, err
	}
	return kr.Load(ctx, name)
}

// Load fetches id, bounded by the configured load timeout.
func (s *Session) Load(ctx context.Context, id covalue.CoID) (*covalue.Core, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Config.LoadTimeout())
	defer cancel()
	return s.Node.Load(ctx, id)
}

// Group loads id and returns it as a group.
func (s *Session) Group(ctx context.Context, id covalue.CoID) (*covalue.Group, error) {
	c, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return covalue.AsGroup(c)
}

// Flush waits until the server confirms holding everything the node
// holds. RunCommand calls it after a successful Run.
func (s *Session) Flush(ctx context.Context) error {
	if s.Peer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.Config.LoadTimeout())
	defer cancel()
	return s.Sync.WaitForPeer(ctx, s.Peer.ID())
}

// Close disconnects and releases the log file.
func (s *Session) Close() error {
	var err error
	if s.Sync != nil {
		err = s.Sync.Close()
	}
	s.close()
	return err
}

func (s *Session) close() {
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
}

func openLogFile(dataDir string) (*os.File, error) {
	dir := filepath.Join(dataDir, "log")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, "cli.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path is built from the data dir
}

// CommandConfig describes a client command run through RunCommand.
type CommandConfig struct {
	// Viper holds the loaded configuration.
	Viper   *viper.Viper
	// Timeout bounds the whole command. Zero means none.
	Timeout time.Duration
	// Session customises how the session is opened.
	Session SessionOptions
	// Out receives rendered output. Defaults to stdout.
	Out     io.Writer
	// Run is the command's logic. Writes are flushed to the server after
	// it returns successfully.
	Run     func(ctx context.Context, s *Session, out *Output) error
}

// RunCommand opens a session from cfg.Viper, runs the command, flushes its
// writes and renders a failure in the configured output format.
func RunCommand(ctx context.Context, cfg CommandConfig) error {
	if cfg.Viper == nil {
		return errors.New("viper required")
	}
	if cfg.Run == nil {
		return errors.New("run function required")
	}

	var base config.BaseConfig
	if err := cfg.Viper.Unmarshal(&base); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	out := NewOutputFromViper(cfg.Viper)
	if cfg.Out != nil {
		out = NewOutput(out.Format(), cfg.Out)
	}
	s, err := OpenSession(ctx, base, cfg.Session)
	if err != nil {
		return renderFailure(out, err)
	}
	defer func() { _ = s.Close() }()

	if s.Account != nil {
		out.WithAccount(string(s.Account.ID()))
	}
	if s.Peer != nil {
		out.WithServer(s.Peer.ID())
	}

	if err := cfg.Run(ctx, s, out); err != nil {
		return renderFailure(out, err)
	}
	if err := s.Flush(ctx); err != nil {
		return renderFailure(out, err)
	}
	return nil
}

// renderFailure prints err for JSON and markdown callers and returns it
// so the process exits non-zero. Text mode leaves printing to cobra.
func renderFailure(out *Output, err error) error {
	if out.Format() != FormatText {
		_ = out.Error("command", err).Render()
	}
	return err
}
