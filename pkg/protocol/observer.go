package protocol

// Observer receives sync events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	PeerConnected(peerID string, role PeerRole)
	PeerDisconnected(peerID string)
	MessageSent(peerID string, action Action)
	MessageReceived(peerID string, action Action)
	MessageDropped(peerID string, reason string)
	Correction(peerID string)
	TransactionsApplied(peerID string, n int)
}

type nopObserver struct{}

func (nopObserver) PeerConnected(string, PeerRole)  {}
func (nopObserver) PeerDisconnected(string)         {}
func (nopObserver) MessageSent(string, Action)      {}
func (nopObserver) MessageReceived(string, Action)  {}
func (nopObserver) MessageDropped(string, string)   {}
func (nopObserver) Correction(string)               {}
func (nopObserver) TransactionsApplied(string, int) {}
