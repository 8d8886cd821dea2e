package protocol

import (
	"sync"

	"github.com/gezibash/arc-sync/pkg/covalue"
	"github.com/gezibash/arc-sync/pkg/logging"
)

// peerState is the manager's view of one peer.
type peerState struct {
	peer Peer
	log  *logging.Logger
	out  chan Message

	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	known      map[covalue.CoID]covalue.KnownState
	confirmed  map[covalue.CoID]covalue.KnownState
	interested map[covalue.CoID]bool
}

func newPeerState(p Peer, log *logging.Logger) *peerState {
	return &peerState{
		peer:       p,
		log:        log,
		out:        make(chan Message, DefaultOutgoingBuffer),
		done:       make(chan struct{}),
		known:      map[covalue.CoID]covalue.KnownState{},
		confirmed:  map[covalue.CoID]covalue.KnownState{},
		interested: map[covalue.CoID]bool{},
	}
}

// send queues msg, blocking while the queue is full. Messages for a
// closed peer are discarded.
func (ps *peerState) send(msg Message) {
	select {
	case <-ps.done:
		return
	default:
	}
	select {
	case ps.out <- msg:
	case <-ps.done:
	}
}

func (ps *peerState) close() {
	ps.closeOnce.Do(func() {
		close(ps.done)
		_ = ps.peer.Close()
	})
}

// knownPtr returns the assumed known state for id, or nil when nothing
// is assumed.
func (ps *peerState) knownPtr(id covalue.CoID) *covalue.KnownState {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ks, ok := ps.known[id]
	if !ok {
		return nil
	}
	ks = ks.Clone()
	return &ks
}

func (ps *peerState) combineKnown(ks covalue.KnownState) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	cur, ok := ps.known[ks.ID]
	if !ok {
		ps.known[ks.ID] = ks.Clone()
		return
	}
	cur.Combine(ks)
	ps.known[ks.ID] = cur
}

func (ps *peerState) replaceKnown(ks covalue.KnownState) {
	ps.mu.Lock()
	ps.known[ks.ID] = ks.Clone()
	ps.mu.Unlock()
}

// confirm records what the peer itself reported holding, as opposed to
// what we assume after sending.
func (ps *peerState) confirm(ks covalue.KnownState, replace bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	cur, ok := ps.confirmed[ks.ID]
	if !ok || replace {
		ps.confirmed[ks.ID] = ks.Clone()
		return
	}
	cur.Combine(ks)
	ps.confirmed[ks.ID] = cur
}

// holds reports whether the peer confirmed at least ours.
func (ps *peerState) holds(ours covalue.KnownState) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	theirs, ok := ps.confirmed[ours.ID]
	if !ok || !theirs.Header {
		return false
	}
	for sid, n := range ours.Sessions {
		if theirs.Sessions[sid] < n {
			return false
		}
	}
	return true
}

func (ps *peerState) markInterested(id covalue.CoID) {
	ps.mu.Lock()
	ps.interested[id] = true
	ps.mu.Unlock()
}

func (ps *peerState) isInterested(id covalue.CoID) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.interested[id]
}
