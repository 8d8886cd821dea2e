// Package covaluestore persists CoValues for a node. It speaks the sync
// protocol as a storage peer: loads are answered from stored rows and
// content pushed by the node is appended to them.
package covaluestore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/gezibash/arc-sync/internal/covaluestore/physical"
	"github.com/gezibash/arc-sync/internal/observability"
	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
	"github.com/gezibash/arc-sync/pkg/logging"
	"github.com/gezibash/arc-sync/pkg/protocol"
)

// Option configures a SyncManager.
type Option func(*SyncManager)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *SyncManager) { s.log = l }
}

// WithCompression selects how new rows are compressed.
func WithCompression(c Compression) Option {
	return func(s *SyncManager) { s.compression = c }
}

// SyncManager answers sync messages from a node out of a physical
// backend. Messages are handled one at a time per connection.
type SyncManager struct {
	backend     physical.Backend
	compression Compression
	log         *logging.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	peers  []protocol.Peer
	closed bool
}

// New creates a storage sync manager over backend.
func New(backend physical.Backend, opts ...Option) *SyncManager {
	s := &SyncManager{backend: backend}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.New(nil)
	}
	s.log = s.log.WithComponent("covaluestore")
	return s
}

// Connect attaches the store to m as a storage peer named peerID and
// serves it in the background until either side closes.
func (s *SyncManager) Connect(m *protocol.SyncManager, peerID string) error {
	asStorage, asNode := protocol.NewConnectedPeers(peerID, "node", protocol.RoleStorage, protocol.RoleClient)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return arcerrors.ErrClosed
	}
	s.peers = append(s.peers, asNode)
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_ = s.Serve(context.Background(), asNode)
	}()

	if err := m.AddPeer(asStorage); err != nil {
		_ = asNode.Close()
		return err
	}
	return nil
}

// Serve handles messages arriving on p until it closes or ctx ends.
func (s *SyncManager) Serve(ctx context.Context, p protocol.Peer) error {
	log := s.log.WithPeer(p.ID())
	for {
		msg, err := p.Recv(ctx)
		if err != nil {
			if errors.Is(err, arcerrors.ErrInvalidInput) {
				log.Warn("dropping malformed message", "error", err)
				continue
			}
			if errors.Is(err, arcerrors.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := s.handle(ctx, p, msg); err != nil {
			log.WithCoValue(string(msg.CoID())).Error("storage sync failed", "action", msg.Action(), "error", err)
		}
	}
}

// Close disconnects every peer attached with Connect, waits for their
// handlers and closes the backend.
func (s *SyncManager) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := s.peers
	s.peers = nil
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}
	s.wg.Wait()
	return s.backend.Close()
}

func (s *SyncManager) handle(ctx context.Context, p protocol.Peer, msg protocol.Message) (err error) {
	ctx, span := observability.StartSpan(ctx, "covaluestore."+string(msg.Action()),
		observability.AttrCoValue.String(string(msg.CoID())),
		observability.AttrAction.String(string(msg.Action())),
		observability.AttrPeer.String(p.ID()),
	)
	defer func() { observability.EndSpan(span, err) }()

	switch msg := msg.(type) {
	case *protocol.LoadMessage:
		return s.sendNewContent(ctx, p, msg.KnownState)
	case *protocol.NewContentMessage:
		return s.handleContent(ctx, p, msg)
	case *protocol.KnownStateMessage, *protocol.DoneMessage:
		// Only the node writes to storage, so its known states carry
		// nothing to act on.
		return nil
	}
	return nil
}

// collected is the reply for one CoValue: its known state followed by
// its content pieces.
type collected struct {
	known   *protocol.KnownStateMessage
	content []*protocol.NewContentMessage
}

// sendNewContent replies to a load with everything beyond known, each
// dependency before the CoValue that needs it and the loaded CoValue
// last. A done message closes the reply.
func (s *SyncManager) sendNewContent(ctx context.Context, p protocol.Peer, known covalue.KnownState) error {
	seen := map[covalue.CoID]bool{}
	var order []collected
	if err := s.collect(ctx, known, "", seen, &order); err != nil {
		return err
	}
	for _, c := range order {
		if err := p.Send(ctx, c.known); err != nil {
			return err
		}
		for _, msg := range c.content {
			if err := p.Send(ctx, msg); err != nil {
				return err
			}
		}
	}
	return p.Send(ctx, &protocol.DoneMessage{ID: known.ID})
}

func (s *SyncManager) collect(ctx context.Context, theirs covalue.KnownState, asDependencyOf covalue.CoID, seen map[covalue.CoID]bool, order *[]collected) error {
	if seen[theirs.ID] {
		return nil
	}
	seen[theirs.ID] = true

	row, err := s.backend.GetCoValue(ctx, string(theirs.ID))
	if errors.Is(err, physical.ErrNotFound) {
		*order = append(*order, collected{known: &protocol.KnownStateMessage{
			KnownState:     covalue.EmptyKnownState(theirs.ID),
			AsDependencyOf: asDependencyOf,
		}})
		return nil
	}
	if err != nil {
		return err
	}
	header, err := decodeHeader(row.Header)
	if err != nil {
		return err
	}

	sessions, err := s.backend.GetCoValueSessions(ctx, row.RowID)
	if err != nil {
		return err
	}

	ours := covalue.KnownState{ID: theirs.ID, Header: true, Sessions: map[covalue.SessionID]int{}}
	prio := covalue.PriorityOf(header)
	var pieces []*protocol.NewContentMessage
	piece := func(i int) *protocol.NewContentMessage {
		for len(pieces) <= i {
			pieces = append(pieces, &protocol.NewContentMessage{
				ID:       theirs.ID,
				New:      map[covalue.SessionID]covalue.SessionNewContent{},
				Priority: prio,
			})
		}
		return pieces[i]
	}
	first := piece(0)
	if !theirs.Header {
		first.Header = header
	}

	for _, sess := range sessions {
		sid := covalue.SessionID(sess.SessionID)
		ours.Sessions[sid] = sess.LastIdx
		from := theirs.Sessions[sid]
		if sess.LastIdx <= from {
			continue
		}
		runs, err := s.sessionRuns(ctx, sess, from)
		if err != nil {
			return err
		}
		for i, run := range runs {
			piece(i).New[sid] = run
		}
	}

	var content []*protocol.NewContentMessage
	for _, msg := range pieces {
		if msg.Header != nil || len(msg.New) > 0 {
			content = append(content, msg)
		}
	}

	for _, dep := range dependencies(header, content) {
		if err := s.collect(ctx, covalue.EmptyKnownState(dep), cmp.Or(asDependencyOf, theirs.ID), seen, order); err != nil {
			return err
		}
	}

	*order = append(*order, collected{
		known:   &protocol.KnownStateMessage{KnownState: ours, AsDependencyOf: asDependencyOf},
		content: content,
	})
	return nil
}

// sessionRuns reads a session's transactions from fromIdx and splits
// them at stored signature checkpoints so every run is verifiable on
// its own. A run that ends without a signature is dropped.
func (s *SyncManager) sessionRuns(ctx context.Context, sess *physical.SessionRow, fromIdx int) ([]covalue.SessionNewContent, error) {
	sigs, err := s.backend.GetSignatures(ctx, sess, fromIdx)
	if err != nil {
		return nil, err
	}
	rows, err := s.backend.GetNewTransactionsInSession(ctx, sess, fromIdx)
	if err != nil {
		return nil, err
	}
	sigAt := make(map[int]string, len(sigs))
	for _, sig := range sigs {
		sigAt[sig.Idx] = sig.Signature
	}

	var (
		runs []covalue.SessionNewContent
		cur  = covalue.SessionNewContent{After: fromIdx}
	)
	for i, row := range rows {
		idx := fromIdx + i
		if row.Idx != idx {
			s.log.WithSession(sess.SessionID).Warn("stored session has a gap", "at", idx, "last_idx", sess.LastIdx)
			break
		}
		tx, err := decodeTransaction(row.Data)
		if err != nil {
			return nil, fmt.Errorf("session %s tx %d: %w", sess.SessionID, idx, err)
		}
		cur.NewTransactions = append(cur.NewTransactions, tx)

		switch {
		case idx == sess.LastIdx-1:
			cur.LastSignature = sess.LastSignature
		case sigAt[idx] != "":
			cur.LastSignature = sigAt[idx]
		default:
			continue
		}
		runs = append(runs, cur)
		cur = covalue.SessionNewContent{After: idx + 1}
	}
	return runs, nil
}

// dependencies lists the CoValues a receiver needs before content can
// be validated: for groups the parents and member accounts named in the
// transactions being sent, for owned values the owning group, plus the
// accounts that authored sessions.
func dependencies(h *covalue.Header, content []*protocol.NewContentMessage) []covalue.CoID {
	deps := map[covalue.CoID]struct{}{}
	addAuthors := func() {
		for _, msg := range content {
			for sid := range msg.New {
				if owner, ok := sid.Owner(); ok && covalue.IsCoID(owner) {
					deps[covalue.CoID(owner)] = struct{}{}
				}
			}
		}
	}

	switch h.Ruleset.Kind {
	case covalue.RulesetKindGroup:
		for _, p := range h.Ruleset.ParentGroups {
			deps[p] = struct{}{}
		}
		for _, msg := range content {
			for _, run := range msg.New {
				for i := range run.NewTransactions {
					changes, err := run.NewTransactions[i].TrustingChanges()
					if err != nil {
						continue
					}
					for _, ch := range changes {
						key := strings.TrimPrefix(ch.Key, "parent_")
						if covalue.IsCoID(key) {
							deps[covalue.CoID(key)] = struct{}{}
						}
					}
				}
			}
		}
		addAuthors()
	case covalue.RulesetKindOwnedByGroup:
		deps[h.Ruleset.Group] = struct{}{}
		addAuthors()
	case covalue.RulesetKindUnsafeAllowAll, covalue.RulesetKindAgent:
		addAuthors()
	}
	return slices.Sorted(maps.Keys(deps))
}

// handleContent appends pushed transactions. Content for an unknown
// CoValue without a header, or starting past what is stored, is
// answered with a correcting known state.
func (s *SyncManager) handleContent(ctx context.Context, p protocol.Peer, msg *protocol.NewContentMessage) error {
	row, err := s.backend.GetCoValue(ctx, string(msg.ID))
	if err != nil && !errors.Is(err, physical.ErrNotFound) {
		return err
	}

	if row == nil && msg.Header == nil {
		return p.Send(ctx, &protocol.KnownStateMessage{
			KnownState:   covalue.EmptyKnownState(msg.ID),
			IsCorrection: true,
		})
	}

	rowID := ""
	if row != nil {
		rowID = row.RowID
	} else {
		id, err := covalue.IDForHeader(msg.Header)
		if err != nil {
			return err
		}
		if id != msg.ID {
			return fmt.Errorf("%w: header hashes to %s", arcerrors.ErrInvalidInput, id)
		}
		data, err := s.encodeHeader(msg.Header)
		if err != nil {
			return err
		}
		if rowID, err = s.backend.AddCoValue(ctx, string(msg.ID), data); err != nil {
			return err
		}
	}

	stored, err := s.backend.GetCoValueSessions(ctx, rowID)
	if err != nil {
		return err
	}
	ours := covalue.KnownState{ID: msg.ID, Header: true, Sessions: map[covalue.SessionID]int{}}
	bySession := make(map[covalue.SessionID]*physical.SessionRow, len(stored))
	for _, sess := range stored {
		sid := covalue.SessionID(sess.SessionID)
		bySession[sid] = sess
		ours.Sessions[sid] = sess.LastIdx
	}

	invalidAssumptions := false
	for _, sid := range slices.Sorted(maps.Keys(msg.New)) {
		if msg.New[sid].After < 0 {
			s.log.WithCoValue(string(msg.ID)).WithSession(string(sid)).Warn("dropping session with negative offset")
			continue
		}
		sess := bySession[sid]
		lastIdx := 0
		if sess != nil {
			lastIdx = sess.LastIdx
		}
		if lastIdx < msg.New[sid].After {
			invalidAssumptions = true
			continue
		}
		newLast, err := s.putNewTxs(ctx, rowID, sid, sess, msg.New[sid])
		if err != nil {
			return err
		}
		ours.Sessions[sid] = newLast
	}

	if invalidAssumptions {
		s.log.WithCoValue(string(msg.ID)).Debug("content gap, sending correction")
		return p.Send(ctx, &protocol.KnownStateMessage{KnownState: ours, IsCorrection: true})
	}
	return nil
}

// putNewTxs stores the part of content not yet held and returns the
// session's new length. Transactions are written before the session row
// that makes them visible.
func (s *SyncManager) putNewTxs(ctx context.Context, coValueRowID string, sid covalue.SessionID, sess *physical.SessionRow, content covalue.SessionNewContent) (int, error) {
	lastIdx, bytesSince := 0, 0
	if sess != nil {
		lastIdx, bytesSince = sess.LastIdx, sess.BytesSinceLastSignature
	}
	offset := lastIdx - content.After
	if offset >= len(content.NewTransactions) {
		return lastIdx, nil
	}
	fresh := content.NewTransactions[offset:]

	sessionRowID := ""
	if sess != nil {
		sessionRowID = sess.RowID
	} else {
		id, err := s.backend.AddSessionUpdate(ctx, nil, physical.SessionUpdate{
			CoValue:   coValueRowID,
			SessionID: string(sid),
		})
		if err != nil {
			return 0, err
		}
		sessionRowID = id
		sess = &physical.SessionRow{RowID: id, CoValue: coValueRowID, SessionID: string(sid)}
	}

	for i, tx := range fresh {
		data, err := s.encodeTransaction(tx)
		if err != nil {
			return 0, err
		}
		if err := s.backend.AddTransaction(ctx, sessionRowID, lastIdx+i, data); err != nil {
			return 0, err
		}
		bytesSince += tx.Size()
	}

	newLast := lastIdx + len(fresh)
	if bytesSince > covalue.MaxRecommendedTxSize {
		if err := s.backend.AddSignatureAfter(ctx, sessionRowID, newLast-1, content.LastSignature); err != nil {
			return 0, err
		}
		bytesSince = 0
	}

	if _, err := s.backend.AddSessionUpdate(ctx, sess, physical.SessionUpdate{
		CoValue:                 coValueRowID,
		SessionID:               string(sid),
		LastIdx:                 newLast,
		LastSignature:           content.LastSignature,
		BytesSinceLastSignature: bytesSince,
	}); err != nil {
		return 0, err
	}
	return newLast, nil
}
