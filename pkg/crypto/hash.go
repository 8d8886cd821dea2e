package crypto

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// StreamingHash is the running hash over a session's transactions.
// Each Update folds the previous digest and the next encoded transaction,
// so the digest after n transactions commits to the whole prefix.
type StreamingHash struct {
	state [32]byte
}

// Update extends the chain with one encoded transaction.
func (h *StreamingHash) Update(encodedTx []byte) {
	hasher := blake3.New()
	_, _ = hasher.Write(h.state[:])
	_, _ = hasher.Write(encodedTx)
	copy(h.state[:], hasher.Sum(nil))
}

// Digest returns the current chain head.
func (h *StreamingHash) Digest() Hash {
	return Hash(prefixHash + hex.EncodeToString(h.state[:]))
}

// Clone returns an independent copy of the chain.
func (h *StreamingHash) Clone() *StreamingHash {
	c := *h
	return &c
}
