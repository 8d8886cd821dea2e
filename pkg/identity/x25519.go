package identity

import (
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

// SealerPrivate converts an Ed25519 seed to an X25519 private key.
// This mirrors the Ed25519 key expansion: SHA-512(seed)[:32] with clamping.
func SealerPrivate(seed []byte) [32]byte {
	h := sha512.Sum512(seed)
	// Clamp per RFC 7748.
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var priv [32]byte
	copy(priv[:], h[:32])
	return priv
}

// SealerPublic converts an agent's Ed25519 public key to its X25519 public
// key using the birational map from Edwards to Montgomery form.
func SealerPublic(id AgentID) ([32]byte, error) {
	pub, err := DecodeAgentID(id)
	if err != nil {
		return [32]byte{}, err
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return *(*[32]byte)(p.BytesMontgomery()), nil
}
