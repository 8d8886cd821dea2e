package protocol

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
	"github.com/gezibash/arc-sync/pkg/logging"
)

const (
	// DefaultOutgoingBuffer is the per-peer outgoing queue size.
	DefaultOutgoingBuffer = 256
	// DefaultLoadTimeout bounds a Load whose context has no deadline.
	DefaultLoadTimeout = 10 * time.Second
)

// Filter decides whether a CoValue is offered to a peer. Dependencies of
// an offered CoValue are always sent.
type Filter func(peer Peer, c *covalue.Core) bool

// Option configures a SyncManager.
type Option func(*SyncManager)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *SyncManager) { m.log = l }
}

// WithObserver registers sync event hooks.
func WithObserver(o Observer) Option {
	return func(m *SyncManager) { m.obs = o }
}

// WithFilter restricts what is offered to peers.
func WithFilter(f Filter) Option {
	return func(m *SyncManager) { m.filter = f }
}

// WithLoadTimeout overrides DefaultLoadTimeout.
func WithLoadTimeout(d time.Duration) Option {
	return func(m *SyncManager) { m.loadTimeout = d }
}

// SyncManager reconciles a node's CoValues with its peers. Each peer
// gets a reader and a writer goroutine; what a peer holds is tracked
// optimistically and fixed up by correction messages.
type SyncManager struct {
	node        *covalue.Node
	log         *logging.Logger
	obs         Observer
	filter      Filter
	loadTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	peers   map[string]*peerState
	waiters map[covalue.CoID][]*loadWaiter
	closed  bool
}

// NewSyncManager creates a SyncManager and attaches it to node.
func NewSyncManager(node *covalue.Node, opts ...Option) *SyncManager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &SyncManager{
		node:        node,
		obs:         nopObserver{},
		loadTimeout: DefaultLoadTimeout,
		ctx:         ctx,
		cancel:      cancel,
		peers:       map[string]*peerState{},
		waiters:     map[covalue.CoID][]*loadWaiter{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = node.Logger()
	}
	m.log = m.log.WithComponent("sync")
	node.SetSyncer(m)
	return m
}

// AddPeer starts syncing with p. Upstream peers are told the known
// state of every held CoValue so both sides can fill their gaps.
func (m *SyncManager) AddPeer(p Peer) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return arcerrors.ErrClosed
	}
	if _, dup := m.peers[p.ID()]; dup {
		m.mu.Unlock()
		return fmt.Errorf("%w: peer %s", arcerrors.ErrAlreadyExists, p.ID())
	}
	ps := newPeerState(p, m.log.WithPeer(p.ID()))
	m.peers[p.ID()] = ps
	m.mu.Unlock()

	m.obs.PeerConnected(p.ID(), p.Role())
	ps.log.Info("peer connected", "role", string(p.Role()))

	m.wg.Add(2)
	go m.writeLoop(ps)
	go m.readLoop(ps)

	if p.Role().IsUpstream() {
		for _, id := range m.withDependencies(m.node.IDs()...) {
			if c, ok := m.node.Get(id); ok {
				ps.send(&LoadMessage{KnownState: c.KnownState()})
			}
		}
	}
	return nil
}

// Peers returns the IDs of connected peers in sorted order.
func (m *SyncManager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.peers))
}

// PeerKnownState returns what the manager currently assumes peerID holds
// of id.
func (m *SyncManager) PeerKnownState(peerID string, id covalue.CoID) (covalue.KnownState, bool) {
	m.mu.Lock()
	ps, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return covalue.KnownState{}, false
	}
	ks := ps.knownPtr(id)
	if ks == nil {
		return covalue.KnownState{}, false
	}
	return *ks, true
}

// WaitForPeer asks peerID to report its known state of every local
// CoValue and blocks until the reports cover everything the node holds.
// Messages are ordered, so the reports reflect all content sent before.
func (m *SyncManager) WaitForPeer(ctx context.Context, peerID string) error {
	m.mu.Lock()
	ps, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: peer %s", arcerrors.ErrNotConnected, peerID)
	}

	for _, id := range m.withDependencies(m.node.IDs()...) {
		if c, ok := m.node.Get(id); ok && m.allowed(ps, c) {
			ps.send(&LoadMessage{KnownState: c.KnownState()})
		}
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.peerHoldsAll(ps) {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ps.done:
			return fmt.Errorf("%w: peer %s", arcerrors.ErrNotConnected, peerID)
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", peerID, arcerrors.ErrTimeout)
		}
	}
}

func (m *SyncManager) peerHoldsAll(ps *peerState) bool {
	for _, id := range m.node.IDs() {
		c, ok := m.node.Get(id)
		if !ok || !m.allowed(ps, c) {
			continue
		}
		if !ps.holds(c.KnownState()) {
			return false
		}
	}
	return true
}

// Close disconnects all peers and detaches from the node.
func (m *SyncManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := slices.Collect(maps.Values(m.peers))
	m.mu.Unlock()

	m.cancel()
	for _, ps := range peers {
		ps.close()
	}
	m.wg.Wait()
	m.node.SetSyncer(nil)
	return nil
}

// SyncCoValue pushes local changes to upstream peers and to peers that
// follow c.
func (m *SyncManager) SyncCoValue(c *covalue.Core) {
	m.syncToPeers(c, nil)
}

// LoadCoValue asks every non-client peer for id. It returns nil once id
// is held and ErrUnavailable once every asked peer has answered without
// it or ctx expires.
func (m *SyncManager) LoadCoValue(ctx context.Context, id covalue.CoID) error {
	return m.loadFrom(ctx, id, "")
}

func (m *SyncManager) loadFrom(ctx context.Context, id covalue.CoID, except string) error {
	if _, ok := m.node.Get(id); ok {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && m.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.loadTimeout)
		defer cancel()
	}

	m.mu.Lock()
	var targets []*peerState
	for pid, ps := range m.peers {
		if pid != except && ps.peer.Role() != RoleClient {
			targets = append(targets, ps)
		}
	}
	if len(targets) == 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: no peer to load %s from", arcerrors.ErrUnavailable, id)
	}
	w := &loadWaiter{pending: map[string]bool{}, done: make(chan struct{})}
	for _, ps := range targets {
		w.pending[ps.peer.ID()] = true
	}
	m.waiters[id] = append(m.waiters[id], w)
	m.mu.Unlock()

	if _, ok := m.node.Get(id); ok {
		m.resolveLoaded(id)
		return nil
	}
	for _, ps := range targets {
		ps.send(&LoadMessage{KnownState: covalue.EmptyKnownState(id)})
	}

	select {
	case <-w.done:
	case <-ctx.Done():
		m.dropWaiter(id, w)
		return fmt.Errorf("%w: %s: %v", arcerrors.ErrUnavailable, id, ctx.Err())
	case <-m.ctx.Done():
		return arcerrors.ErrClosed
	}
	if _, ok := m.node.Get(id); ok {
		return nil
	}
	return fmt.Errorf("%w: no peer has %s", arcerrors.ErrUnavailable, id)
}

func (m *SyncManager) readLoop(ps *peerState) {
	defer m.wg.Done()
	defer m.removePeer(ps)
	for {
		msg, err := ps.peer.Recv(m.ctx)
		if err != nil {
			if errors.Is(err, arcerrors.ErrInvalidInput) {
				ps.log.Warn("dropping malformed message", "error", err)
				m.obs.MessageDropped(ps.peer.ID(), "malformed")
				continue
			}
			if m.ctx.Err() == nil {
				ps.log.Debug("peer receive ended", "error", err)
			}
			return
		}
		m.obs.MessageReceived(ps.peer.ID(), msg.Action())
		m.handle(ps, msg)
	}
}

func (m *SyncManager) writeLoop(ps *peerState) {
	defer m.wg.Done()
	for {
		select {
		case msg := <-ps.out:
			if err := ps.peer.Send(m.ctx, msg); err != nil {
				ps.log.Debug("peer send failed", "error", err)
				ps.close()
				return
			}
			m.obs.MessageSent(ps.peer.ID(), msg.Action())
		case <-ps.done:
			return
		}
	}
}

func (m *SyncManager) removePeer(ps *peerState) {
	ps.close()
	id := ps.peer.ID()

	m.mu.Lock()
	if m.peers[id] == ps {
		delete(m.peers, id)
	}
	var waiting []covalue.CoID
	for coID := range m.waiters {
		waiting = append(waiting, coID)
	}
	m.mu.Unlock()

	for _, coID := range waiting {
		m.peerAnswered(coID, id)
	}
	m.obs.PeerDisconnected(id)
	ps.log.Info("peer disconnected")
}

func (m *SyncManager) handle(ps *peerState, msg Message) {
	switch msg := msg.(type) {
	case *LoadMessage:
		m.handleLoad(ps, msg)
	case *KnownStateMessage:
		m.handleKnown(ps, msg)
	case *NewContentMessage:
		m.handleContent(ps, msg)
	case *DoneMessage:
		m.peerAnswered(msg.ID, ps.peer.ID())
	}
}

func (m *SyncManager) handleLoad(ps *peerState, msg *LoadMessage) {
	id := msg.ID
	ps.replaceKnown(msg.KnownState)
	ps.markInterested(id)

	if _, ok := m.node.Get(id); !ok && m.hasSourceExcept(ps) {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.loadFrom(m.ctx, id, ps.peer.ID()); err != nil {
				ps.log.Debug("forwarded load failed", "covalue", logging.ShortID(string(id)), "error", err)
			}
			m.respondLoad(ps, id)
		}()
		return
	}
	m.respondLoad(ps, id)
}

func (m *SyncManager) respondLoad(ps *peerState, id covalue.CoID) {
	c, ok := m.node.Get(id)
	if !ok || !m.allowed(ps, c) {
		ps.send(&KnownStateMessage{KnownState: covalue.EmptyKnownState(id)})
		return
	}
	m.sendContent(ps, id, true)
}

func (m *SyncManager) handleKnown(ps *peerState, msg *KnownStateMessage) {
	id := msg.ID
	ps.confirm(msg.KnownState, msg.IsCorrection)
	if msg.IsCorrection {
		ps.replaceKnown(msg.KnownState)
		m.obs.Correction(ps.peer.ID())
		ps.log.Debug("known state corrected", "covalue", logging.ShortID(string(id)))
	} else {
		ps.combineKnown(msg.KnownState)
	}
	ps.markInterested(id)

	c, ok := m.node.Get(id)
	if !ok {
		// With a header the content follows on the same stream.
		if !msg.Header {
			m.peerAnswered(id, ps.peer.ID())
		}
		return
	}
	if msg.AsDependencyOf == "" && !m.allowed(ps, c) {
		return
	}
	m.sendContent(ps, id, false)
}

func (m *SyncManager) handleContent(ps *peerState, msg *NewContentMessage) {
	id := msg.ID
	log := ps.log.WithCoValue(string(id))
	c, ok := m.node.Get(id)
	if !ok {
		if msg.Header == nil {
			ps.send(&KnownStateMessage{KnownState: covalue.EmptyKnownState(id), IsCorrection: true})
			log.Debug("content without header for unknown covalue")
			return
		}
		var err error
		if c, err = m.node.AddCoValue(id, msg.Header); err != nil {
			log.Warn("dropping content with invalid header", "error", err)
			m.obs.MessageDropped(ps.peer.ID(), "header")
			return
		}
	}
	ps.markInterested(id)

	theirs := covalue.KnownState{ID: id, Header: true, Sessions: map[covalue.SessionID]int{}}
	invalidAssumptions := false
	applied := 0
	for _, sid := range slices.Sorted(maps.Keys(msg.New)) {
		content := msg.New[sid]
		if content.After < 0 {
			log.Warn("dropping session with negative offset", "session", logging.ShortID(string(sid)))
			continue
		}
		end := content.After + len(content.NewTransactions)
		theirs.Sessions[sid] = end

		ours := c.KnownState().Sessions[sid]
		if content.After > ours {
			invalidAssumptions = true
			continue
		}
		if end <= ours {
			continue
		}
		fresh := content.NewTransactions[ours-content.After:]
		if _, err := c.TryAddTransactions(sid, fresh, ours, content.LastSignature); err != nil {
			if errors.Is(err, arcerrors.ErrStaleAppend) {
				invalidAssumptions = true
				continue
			}
			log.WithSession(string(sid)).Warn("rejecting session content", "error", err)
			continue
		}
		applied += len(fresh)
	}
	ps.combineKnown(theirs)
	ps.confirm(theirs, false)

	if invalidAssumptions {
		ps.send(&KnownStateMessage{KnownState: c.KnownState(), IsCorrection: true})
		log.Debug("sent known state correction")
	} else {
		// Acknowledge so the sender's confirmed state advances.
		ps.send(&KnownStateMessage{KnownState: c.KnownState()})
	}
	if applied > 0 {
		m.obs.TransactionsApplied(ps.peer.ID(), applied)
		m.syncToPeers(c, ps)
	}
	m.resolveLoaded(id)
}

func (m *SyncManager) syncToPeers(c *covalue.Core, except *peerState) {
	m.mu.Lock()
	peers := slices.Collect(maps.Values(m.peers))
	m.mu.Unlock()
	for _, ps := range peers {
		if ps == except {
			continue
		}
		if !ps.peer.Role().IsUpstream() && !ps.isInterested(c.ID()) {
			continue
		}
		if !m.allowed(ps, c) {
			continue
		}
		m.sendContent(ps, c.ID(), false)
	}
}

// sendContent sends what ps lacks of top and everything top depends on,
// dependencies first. With withKnown each CoValue is preceded by our
// known state so the peer can answer with what we lack.
func (m *SyncManager) sendContent(ps *peerState, top covalue.CoID, withKnown bool) {
	for _, id := range m.withDependencies(top) {
		c, ok := m.node.Get(id)
		if !ok {
			continue
		}
		ks := c.KnownState()
		if withKnown {
			km := &KnownStateMessage{KnownState: ks}
			if id != top {
				km.AsDependencyOf = top
			}
			ps.send(km)
		}
		for _, piece := range c.NewContentSince(ps.knownPtr(id)) {
			ps.send(ContentMessage(piece))
		}
		ps.combineKnown(ks)
	}
}

// withDependencies orders ids after everything they depend on.
func (m *SyncManager) withDependencies(ids ...covalue.CoID) []covalue.CoID {
	var order []covalue.CoID
	seen := map[covalue.CoID]bool{}
	var visit func(covalue.CoID)
	visit = func(id covalue.CoID) {
		if seen[id] {
			return
		}
		seen[id] = true
		c, ok := m.node.Get(id)
		if !ok {
			return
		}
		for _, dep := range c.Dependencies() {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, id := range ids {
		visit(id)
	}
	return order
}

func (m *SyncManager) allowed(ps *peerState, c *covalue.Core) bool {
	return m.filter == nil || m.filter(ps.peer, c)
}

func (m *SyncManager) hasSourceExcept(except *peerState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ps := range m.peers {
		if ps != except && ps.peer.Role() != RoleClient {
			return true
		}
	}
	return false
}

type loadWaiter struct {
	pending map[string]bool
	done    chan struct{}
	once    sync.Once
}

func (w *loadWaiter) finish() {
	w.once.Do(func() { close(w.done) })
}

func (m *SyncManager) resolveLoaded(id covalue.CoID) {
	if _, ok := m.node.Get(id); !ok {
		return
	}
	m.mu.Lock()
	ws := m.waiters[id]
	delete(m.waiters, id)
	m.mu.Unlock()
	for _, w := range ws {
		w.finish()
	}
}

func (m *SyncManager) peerAnswered(id covalue.CoID, peerID string) {
	m.mu.Lock()
	var finished []*loadWaiter
	remaining := m.waiters[id][:0]
	for _, w := range m.waiters[id] {
		delete(w.pending, peerID)
		if len(w.pending) == 0 {
			finished = append(finished, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(m.waiters, id)
	} else {
		m.waiters[id] = remaining
	}
	m.mu.Unlock()
	for _, w := range finished {
		w.finish()
	}
}

func (m *SyncManager) dropWaiter(id covalue.CoID, w *loadWaiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := slices.DeleteFunc(m.waiters[id], func(x *loadWaiter) bool { return x == w })
	if len(ws) == 0 {
		delete(m.waiters, id)
	} else {
		m.waiters[id] = ws
	}
}
