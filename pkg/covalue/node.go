package covalue

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
	"github.com/gezibash/arc-sync/pkg/crypto"
	"github.com/gezibash/arc-sync/pkg/identity"
	"github.com/gezibash/arc-sync/pkg/logging"
)

// Syncer propagates local changes and fetches missing CoValues. It is
// implemented by the protocol package.
type Syncer interface {
	// SyncCoValue is called after a local transaction is appended.
	SyncCoValue(c *Core)
	// LoadCoValue asks peers for id and returns once it is held locally
	// or no peer can provide it.
	LoadCoValue(ctx context.Context, id CoID) error
}

// InvalidTxFunc observes transactions excluded from materialization.
type InvalidTxFunc func(id CoID, txID TransactionID, reason string)

// Option configures a Node.
type Option func(*registry)

// WithCrypto sets the crypto provider. Defaults to NaCl.
func WithCrypto(p crypto.Provider) Option {
	return func(r *registry) { r.crypto = p }
}

// WithClock sets the clock used for transaction timestamps.
func WithClock(c Clock) Option {
	return func(r *registry) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *registry) { r.log = l }
}

// WithInvalidTxHook registers an observer for excluded transactions.
func WithInvalidTxHook(fn InvalidTxFunc) Option {
	return func(r *registry) { r.onInvalid = fn }
}

// registry is the set of CoValues shared by Node handles.
type registry struct {
	mu        sync.RWMutex
	values    map[CoID]*entry
	syncer    Syncer
	crypto    crypto.Provider
	clock     Clock
	log       *logging.Logger
	onInvalid InvalidTxFunc
}

// Node is a handle onto a CoValue registry acting as one Actor through
// one session.
type Node struct {
	reg       *registry
	actor     Actor
	sessionID SessionID
}

// NewNode creates a node with an empty registry acting as actor.
func NewNode(actor Actor, opts ...Option) (*Node, error) {
	reg := &registry{
		values: map[CoID]*entry{},
		crypto: crypto.NewNaCl(),
		clock:  RealClock(),
	}
	for _, opt := range opts {
		opt(reg)
	}
	if reg.log == nil {
		reg.log = logging.New(nil).WithComponent("covalue")
	}
	return newHandle(reg, actor)
}

func newHandle(reg *registry, actor Actor) (*Node, error) {
	sid, err := reg.crypto.NewRandomSessionID(actor.ID())
	if err != nil {
		return nil, err
	}
	return &Node{reg: reg, actor: actor, sessionID: SessionID(sid)}, nil
}

// As returns a handle on the same registry acting as actor through a
// fresh session. Writes through it are visible to n and synced.
func (n *Node) As(actor Actor) (*Node, error) {
	return newHandle(n.reg, actor)
}

// Actor returns the acting identity.
func (n *Node) Actor() Actor { return n.actor }

// SessionID returns the session this handle writes to.
func (n *Node) SessionID() SessionID { return n.sessionID }

// Crypto returns the crypto provider.
func (n *Node) Crypto() crypto.Provider { return n.reg.crypto }

// Logger returns the node logger.
func (n *Node) Logger() *logging.Logger { return n.reg.log }

// SetSyncer attaches the sync layer.
func (n *Node) SetSyncer(s Syncer) {
	n.reg.mu.Lock()
	n.reg.syncer = s
	n.reg.mu.Unlock()
}

func (n *Node) syncer() Syncer {
	n.reg.mu.RLock()
	defer n.reg.mu.RUnlock()
	return n.reg.syncer
}

func (n *Node) now() int64 {
	return n.reg.clock.Now().UnixMilli()
}

// Get returns a locally held CoValue.
func (n *Node) Get(id CoID) (*Core, bool) {
	n.reg.mu.RLock()
	e, ok := n.reg.values[id]
	n.reg.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &Core{e: e, node: n}, true
}

// Expect returns a locally held CoValue or ErrUnavailable.
func (n *Node) Expect(id CoID) (*Core, error) {
	c, ok := n.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s not loaded", arcerrors.ErrUnavailable, id)
	}
	return c, nil
}

// IDs returns the IDs of all held CoValues in sorted order.
func (n *Node) IDs() []CoID {
	n.reg.mu.RLock()
	ids := make([]CoID, 0, len(n.reg.values))
	for id := range n.reg.values {
		ids = append(ids, id)
	}
	n.reg.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Load returns id, asking the sync layer for it when it is not held.
// ErrUnavailable is returned when no source has it.
func (n *Node) Load(ctx context.Context, id CoID) (*Core, error) {
	if c, ok := n.Get(id); ok {
		return c, nil
	}
	s := n.syncer()
	if s == nil {
		return nil, fmt.Errorf("%w: %s", arcerrors.ErrUnavailable, id)
	}
	if err := s.LoadCoValue(ctx, id); err != nil {
		return nil, err
	}
	return n.Expect(id)
}

// CreateCoValue registers a new CoValue from a locally built header.
func (n *Node) CreateCoValue(h *Header) (*Core, error) {
	id, err := IDForHeader(h)
	if err != nil {
		return nil, err
	}
	c, err := n.AddCoValue(id, h)
	if err != nil {
		return nil, err
	}
	if s := n.syncer(); s != nil {
		s.SyncCoValue(c)
	}
	return c, nil
}

// AddCoValue registers a CoValue received from a peer or storage. The ID
// must match the header and the ruleset must be valid. Adding a held
// CoValue returns it unchanged.
func (n *Node) AddCoValue(id CoID, h *Header) (*Core, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: missing header for %s", arcerrors.ErrInvalidInput, id)
	}
	if err := h.Ruleset.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", arcerrors.ErrInvalidInput, id, err)
	}
	computed, err := IDForHeader(h)
	if err != nil {
		return nil, err
	}
	if computed != id {
		return nil, fmt.Errorf("%w: header hashes to %s, not %s", arcerrors.ErrInvalidInput, computed, id)
	}
	n.reg.mu.Lock()
	e, ok := n.reg.values[id]
	if !ok {
		e = newEntry(id, h)
		n.reg.values[id] = e
	}
	n.reg.mu.Unlock()
	return &Core{e: e, node: n}, nil
}

// Fork returns a node over a deep copy of the registry acting as actor.
// Nothing written through the fork reaches n, and the fork has no syncer.
func (n *Node) Fork(actor Actor, sessionID SessionID) *Node {
	n.reg.mu.RLock()
	reg := &registry{
		values:    make(map[CoID]*entry, len(n.reg.values)),
		crypto:    n.reg.crypto,
		clock:     n.reg.clock,
		log:       n.reg.log,
		onInvalid: n.reg.onInvalid,
	}
	for id, e := range n.reg.values {
		reg.values[id] = e.clone()
	}
	n.reg.mu.RUnlock()
	return &Node{reg: reg, actor: actor, sessionID: sessionID}
}

// sessionFor returns the session this handle appends to in c. Accounts
// edit their own account CoValue through their agent.
func (n *Node) sessionFor(c *Core) SessionID {
	acct, ok := n.actor.(*ControlledAccount)
	if !ok || c.Header().Type != TypeAccount || c.ID() != acct.accountID {
		return n.sessionID
	}
	suffix := strings.TrimPrefix(string(n.sessionID), acct.ID())
	return SessionID(string(acct.AgentID()) + suffix)
}

// AgentFor resolves the agent that signs for an account or agent ID.
func (n *Node) AgentFor(owner string) (identity.AgentID, error) {
	if identity.IsAgentID(owner) {
		return identity.AgentID(owner), nil
	}
	if !IsCoID(owner) {
		return "", fmt.Errorf("%w: %q is neither an agent nor an account", arcerrors.ErrInvalidInput, owner)
	}
	c, ok := n.Get(CoID(owner))
	if !ok {
		return "", fmt.Errorf("%w: account %s not loaded", arcerrors.ErrUnavailable, owner)
	}
	h := c.Header()
	if h.Type != TypeAccount || h.Ruleset.Kind != RulesetKindGroup || !identity.IsAgentID(h.Ruleset.InitialAdmin) {
		return "", fmt.Errorf("%w: %s is not an account", arcerrors.ErrInvalidInput, owner)
	}
	return identity.AgentID(h.Ruleset.InitialAdmin), nil
}
