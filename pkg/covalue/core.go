package covalue

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/gezibash/arc-sync/pkg/codec"
	"github.com/gezibash/arc-sync/pkg/crypto"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
)

type sessionLog struct {
	txs            []Transaction
	hash           crypto.StreamingHash
	lastSignature  string
	signatureAfter map[int]string
	bytesSinceSig  int
}

func (s *sessionLog) clone() *sessionLog {
	return &sessionLog{
		txs:            slices.Clone(s.txs),
		hash:           s.hash,
		lastSignature:  s.lastSignature,
		signatureAfter: maps.Clone(s.signatureAfter),
		bytesSinceSig:  s.bytesSinceSig,
	}
}

// entry is the shared state of one CoValue.
type entry struct {
	id     CoID
	header *Header

	mu       sync.RWMutex
	sessions map[SessionID]*sessionLog

	// editMu serializes local transaction construction so the nonce
	// position a change is sealed for is the position it lands at.
	editMu sync.Mutex

	lmu          sync.Mutex
	listeners    map[uint64]func()
	nextListener uint64
	reported     map[TransactionID]struct{}
}

func newEntry(id CoID, h *Header) *entry {
	return &entry{
		id:        id,
		header:    h,
		sessions:  map[SessionID]*sessionLog{},
		listeners: map[uint64]func(){},
		reported:  map[TransactionID]struct{}{},
	}
}

func (e *entry) clone() *entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c := newEntry(e.id, e.header)
	for sid, s := range e.sessions {
		c.sessions[sid] = s.clone()
	}
	return c
}

// snapshot returns the current transactions per session. The slices
// are append-only so the returned headers stay valid after unlock.
func (e *entry) snapshot() map[SessionID][]Transaction {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[SessionID][]Transaction, len(e.sessions))
	for sid, s := range e.sessions {
		out[sid] = s.txs[:len(s.txs):len(s.txs)]
	}
	return out
}

// Core is a handle on one CoValue bound to the Node that obtained it.
type Core struct {
	e    *entry
	node *Node
}

// ID returns the CoValue ID.
func (c *Core) ID() CoID { return c.e.id }

// Header returns the immutable header.
func (c *Core) Header() *Header { return c.e.header }

// Node returns the node this handle acts through.
func (c *Core) Node() *Node { return c.node }

// KnownState summarizes the held sessions.
func (c *Core) KnownState() KnownState {
	c.e.mu.RLock()
	defer c.e.mu.RUnlock()
	ks := KnownState{ID: c.e.id, Header: true, Sessions: make(map[SessionID]int, len(c.e.sessions))}
	for sid, s := range c.e.sessions {
		ks.Sessions[sid] = len(s.txs)
	}
	return ks
}

// Sessions returns the IDs of all sessions in sorted order.
func (c *Core) Sessions() []SessionID {
	c.e.mu.RLock()
	ids := make([]SessionID, 0, len(c.e.sessions))
	for sid := range c.e.sessions {
		ids = append(ids, sid)
	}
	c.e.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Transactions returns a copy of a session's transactions.
func (c *Core) Transactions(sid SessionID) []Transaction {
	c.e.mu.RLock()
	defer c.e.mu.RUnlock()
	s, ok := c.e.sessions[sid]
	if !ok {
		return nil
	}
	return slices.Clone(s.txs)
}

// TryAddTransactions appends txs to a session after checking that the
// session currently holds expectedPriorLength transactions and that
// lastSignature signs the extended hash chain under the session owner's
// agent. Nothing is appended on failure.
func (c *Core) TryAddTransactions(sid SessionID, txs []Transaction, expectedPriorLength int, lastSignature string) (KnownState, error) {
	owner, ok := sid.Owner()
	if !ok {
		return KnownState{}, fmt.Errorf("%w: malformed session id %q", arcerrors.ErrInvalidInput, sid)
	}
	signer, err := c.node.AgentFor(owner)
	if err != nil {
		return KnownState{}, fmt.Errorf("resolve signer for %s: %w", sid, err)
	}

	c.e.mu.Lock()
	s, exists := c.e.sessions[sid]
	if !exists {
		s = &sessionLog{signatureAfter: map[int]string{}}
	}
	if len(s.txs) != expectedPriorLength {
		have := len(s.txs)
		c.e.mu.Unlock()
		return KnownState{}, fmt.Errorf("%w: session %s has %d transactions, expected %d",
			arcerrors.ErrStaleAppend, sid, have, expectedPriorLength)
	}
	if len(txs) == 0 {
		c.e.mu.Unlock()
		return c.KnownState(), nil
	}

	hash := s.hash
	size := 0
	for i := range txs {
		data, err := codec.Marshal(&txs[i])
		if err != nil {
			c.e.mu.Unlock()
			return KnownState{}, fmt.Errorf("%w: encode transaction: %v", arcerrors.ErrInvalidInput, err)
		}
		hash.Update(data)
		size += txs[i].Size()
	}
	if !c.node.reg.crypto.Verify(signer, []byte(hash.Digest()), lastSignature) {
		c.e.mu.Unlock()
		return KnownState{}, fmt.Errorf("%w: session %s", arcerrors.ErrInvalidSignature, sid)
	}

	s.txs = append(s.txs, txs...)
	s.hash = hash
	s.lastSignature = lastSignature
	s.bytesSinceSig += size
	if s.bytesSinceSig > MaxRecommendedTxSize {
		s.signatureAfter[len(s.txs)-1] = lastSignature
		s.bytesSinceSig = 0
	}
	if !exists {
		c.e.sessions[sid] = s
	}
	c.e.mu.Unlock()

	c.notify()
	return c.KnownState(), nil
}

// MakeTransaction appends a locally authored transaction to this node's
// session. Private transactions are encrypted under the current read key
// of the owning group.
func (c *Core) MakeTransaction(changes []Change, privacy Privacy) error {
	_, err := c.makeTransaction(privacy, func(TransactionID) ([]Change, error) {
		return changes, nil
	})
	return err
}

// makeTransaction builds changes for the position they will occupy,
// signs and appends them.
func (c *Core) makeTransaction(privacy Privacy, build func(TransactionID) ([]Change, error)) (TransactionID, error) {
	c.e.editMu.Lock()
	defer c.e.editMu.Unlock()

	sid := c.node.sessionFor(c)
	c.e.mu.RLock()
	var prior int
	var hash crypto.StreamingHash
	if s, ok := c.e.sessions[sid]; ok {
		prior = len(s.txs)
		hash = s.hash
	}
	c.e.mu.RUnlock()

	txID := TransactionID{SessionID: sid, TxIndex: prior}
	changes, err := build(txID)
	if err != nil {
		return txID, err
	}
	encoded, err := encodeChanges(changes)
	if err != nil {
		return txID, err
	}

	p := c.node.reg.crypto
	tx := Transaction{Privacy: privacy, MadeAt: c.node.now()}
	switch privacy {
	case PrivacyTrusting:
		tx.Changes = encoded
	case PrivacyPrivate:
		key, err := c.encryptionKey()
		if err != nil {
			return txID, err
		}
		enc, err := p.Encrypt(encoded, key.Secret, txNonce{In: c.ID(), Tx: txID})
		if err != nil {
			return txID, err
		}
		tx.KeyUsed = key.ID
		tx.EncryptedChanges = enc
	default:
		return txID, fmt.Errorf("%w: unknown privacy %q", arcerrors.ErrInvalidInput, privacy)
	}

	data, err := codec.Marshal(&tx)
	if err != nil {
		return txID, err
	}
	hash.Update(data)
	sig, err := p.Sign(c.node.actor.AgentSecret(), []byte(hash.Digest()))
	if err != nil {
		return txID, err
	}
	if _, err := c.TryAddTransactions(sid, []Transaction{tx}, prior, sig); err != nil {
		return txID, err
	}
	if s := c.node.syncer(); s != nil {
		s.SyncCoValue(c)
	}
	return txID, nil
}

// NextTransactionID returns the position the next local transaction
// will occupy.
func (c *Core) NextTransactionID() TransactionID {
	sid := c.node.sessionFor(c)
	c.e.mu.RLock()
	defer c.e.mu.RUnlock()
	n := 0
	if s, ok := c.e.sessions[sid]; ok {
		n = len(s.txs)
	}
	return TransactionID{SessionID: sid, TxIndex: n}
}

// SessionNewContent is a contiguous run of transactions in one session
// starting at After, signed by LastSignature.
type SessionNewContent struct {
	After           int           `cbor:"after"`
	NewTransactions []Transaction `cbor:"newTransactions"`
	LastSignature   string        `cbor:"lastSignature"`
}

// NewContent is a piece of a CoValue not yet held by a peer.
type NewContent struct {
	ID       CoID
	Header   *Header
	New      map[SessionID]SessionNewContent
	Priority Priority
}

// NewContentSince returns the content missing from known, split at
// signature checkpoints so that every piece carries a verifiable
// signature. A nil known state means nothing is held. It returns nil
// when there is nothing to send.
func (c *Core) NewContentSince(known *KnownState) []NewContent {
	c.e.mu.RLock()
	defer c.e.mu.RUnlock()

	prio := PriorityOf(c.e.header)
	var pieces []NewContent
	piece := func(i int) *NewContent {
		for len(pieces) <= i {
			pieces = append(pieces, NewContent{ID: c.e.id, New: map[SessionID]SessionNewContent{}, Priority: prio})
		}
		return &pieces[i]
	}
	first := piece(0)
	if known == nil || !known.Header {
		first.Header = c.e.header
	}

	sids := slices.Sorted(maps.Keys(c.e.sessions))
	for _, sid := range sids {
		s := c.e.sessions[sid]
		from := 0
		if known != nil {
			from = known.Sessions[sid]
		}
		if from >= len(s.txs) {
			continue
		}
		checkpoints := slices.Sorted(maps.Keys(s.signatureAfter))
		start, idx := from, 0
		for _, cp := range checkpoints {
			if cp < start || cp >= len(s.txs)-1 {
				continue
			}
			piece(idx).New[sid] = SessionNewContent{
				After:           start,
				NewTransactions: slices.Clone(s.txs[start : cp+1]),
				LastSignature:   s.signatureAfter[cp],
			}
			start = cp + 1
			idx++
		}
		piece(idx).New[sid] = SessionNewContent{
			After:           start,
			NewTransactions: slices.Clone(s.txs[start:]),
			LastSignature:   s.lastSignature,
		}
	}

	if pieces[0].Header == nil && len(pieces[0].New) == 0 {
		return nil
	}
	return pieces
}

// Dependencies returns the CoValues that must be held before this one
// can be validated: owning group, parent groups and author accounts.
func (c *Core) Dependencies() []CoID {
	deps := map[CoID]struct{}{}
	h := c.e.header
	switch h.Ruleset.Kind {
	case RulesetKindGroup:
		for _, p := range h.Ruleset.ParentGroups {
			deps[p] = struct{}{}
		}
		content := c.Content()
		for _, key := range content.Keys() {
			if id, ok := parentKeyID(key); ok {
				deps[id] = struct{}{}
			}
		}
	case RulesetKindOwnedByGroup:
		deps[h.Ruleset.Group] = struct{}{}
	case RulesetKindUnsafeAllowAll, RulesetKindAgent:
	}
	for _, sid := range c.Sessions() {
		if owner, ok := sid.Owner(); ok && IsCoID(owner) {
			deps[CoID(owner)] = struct{}{}
		}
	}
	delete(deps, c.e.id)
	return slices.Sorted(maps.Keys(deps))
}

// Subscribe registers fn to run after every append. The returned
// function unsubscribes and is safe to call more than once.
func (c *Core) Subscribe(fn func(*Core)) func() {
	c.e.lmu.Lock()
	id := c.e.nextListener
	c.e.nextListener++
	c.e.listeners[id] = func() { fn(c) }
	c.e.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.e.lmu.Lock()
			delete(c.e.listeners, id)
			c.e.lmu.Unlock()
		})
	}
}

func (c *Core) notify() {
	c.e.lmu.Lock()
	fns := make([]func(), 0, len(c.e.listeners))
	for _, id := range slices.Sorted(maps.Keys(c.e.listeners)) {
		fns = append(fns, c.e.listeners[id])
	}
	c.e.lmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// TestWithDifferentAccount returns this CoValue in a forked node acting
// as actor through sessionID. Writes through the fork never reach the
// original node.
func (c *Core) TestWithDifferentAccount(actor Actor, sessionID SessionID) *Core {
	fork := c.node.Fork(actor, sessionID)
	fc, _ := fork.Get(c.e.id)
	return fc
}

func (c *Core) reportInvalid(txID TransactionID, reason string) {
	c.e.lmu.Lock()
	_, seen := c.e.reported[txID]
	c.e.reported[txID] = struct{}{}
	c.e.lmu.Unlock()
	if seen {
		return
	}
	c.node.reg.log.WithCoValue(string(c.e.id)).Warn("excluding invalid transaction",
		"tx", txID.String(), "reason", reason)
	if fn := c.node.reg.onInvalid; fn != nil {
		fn(c.e.id, txID, reason)
	}
}
