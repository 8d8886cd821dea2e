package observability

import (
	"sync"

	"github.com/gezibash/arc-sync/pkg/covalue"
	"github.com/gezibash/arc-sync/pkg/protocol"
)

// SyncObserver feeds protocol events into Metrics.
type SyncObserver struct {
	m *Metrics

	mu    sync.Mutex
	roles map[string]protocol.PeerRole
}

var _ protocol.Observer = (*SyncObserver)(nil)

// SyncObserver returns an observer for protocol.WithObserver.
func (m *Metrics) SyncObserver() *SyncObserver {
	return &SyncObserver{m: m, roles: map[string]protocol.PeerRole{}}
}

func (o *SyncObserver) PeerConnected(peerID string, role protocol.PeerRole) {
	o.mu.Lock()
	o.roles[peerID] = role
	o.mu.Unlock()
	o.m.PeersConnected.WithLabelValues(string(role)).Inc()
}

func (o *SyncObserver) PeerDisconnected(peerID string) {
	o.mu.Lock()
	role, ok := o.roles[peerID]
	delete(o.roles, peerID)
	o.mu.Unlock()
	if ok {
		o.m.PeersConnected.WithLabelValues(string(role)).Dec()
	}
}

func (o *SyncObserver) MessageSent(_ string, action protocol.Action) {
	o.m.MessagesTotal.WithLabelValues("sent", string(action)).Inc()
}

func (o *SyncObserver) MessageReceived(_ string, action protocol.Action) {
	o.m.MessagesTotal.WithLabelValues("received", string(action)).Inc()
}

func (o *SyncObserver) MessageDropped(_ string, reason string) {
	o.m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (o *SyncObserver) Correction(string) { o.m.Corrections.Inc() }

func (o *SyncObserver) TransactionsApplied(_ string, n int) {
	o.m.TransactionsApplied.Add(float64(n))
}

// InvalidTransaction counts a transaction excluded from materialization.
// Its signature matches covalue.InvalidTxFunc; reasons form a small fixed
// set and are used as the label.
func (m *Metrics) InvalidTransaction(_ covalue.CoID, _ covalue.TransactionID, reason string) {
	m.InvalidTransactions.WithLabelValues(reason).Inc()
}
