// Package identity provides agent identities: an ed25519 signing keypair
// whose X25519 counterpart is used as the agent's sealing key.
//
// An agent is identified by its encoded public key ("ed25519:<hex>"). The
// same identifier doubles as the recipient for sealed read-key revelations,
// so there is no separate sealer ID to distribute.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
)

// Algorithm identifies a signing algorithm.
type Algorithm string

const AlgEd25519 Algorithm = "ed25519"

const secretPrefix = "ed25519secret:"

// AgentID is the public identifier of an agent ("ed25519:<hex>").
type AgentID string

// AgentSecret is the encoded private seed of an agent.
type AgentSecret string

var (
	// ErrUnknownAlgorithm indicates an unknown algorithm.
	ErrUnknownAlgorithm = errors.New("unknown algorithm")
	// ErrInvalidEncoding indicates an invalid encoded key, secret or signature.
	ErrInvalidEncoding = errors.New("invalid encoding")
)

// Keypair is an ed25519 agent keypair.
type Keypair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// Generate creates a new random keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{private: priv, public: pub}, nil
}

// FromSeed creates a keypair from a 32-byte seed.
func FromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("invalid seed length")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, _ := priv.Public().(ed25519.PublicKey)
	return &Keypair{private: priv, public: pub}, nil
}

// FromSecret decodes an AgentSecret into its keypair.
func FromSecret(secret AgentSecret) (*Keypair, error) {
	hexPart, ok := strings.CutPrefix(string(secret), secretPrefix)
	if !ok {
		return nil, ErrInvalidEncoding
	}
	seed, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	return FromSeed(seed)
}

// Seed returns the 32-byte seed for this keypair.
func (k *Keypair) Seed() []byte {
	return k.private.Seed()
}

// Secret returns the encoded seed.
func (k *Keypair) Secret() AgentSecret {
	return AgentSecret(secretPrefix + hex.EncodeToString(k.private.Seed()))
}

// PublicKey returns a copy of the raw public key.
func (k *Keypair) PublicKey() []byte {
	out := make([]byte, len(k.public))
	copy(out, k.public)
	return out
}

// ID returns the agent identifier for this keypair.
func (k *Keypair) ID() AgentID {
	return EncodeAgentID(k.public)
}

// Sign signs a payload.
func (k *Keypair) Sign(payload []byte) []byte {
	return ed25519.Sign(k.private, payload)
}

// EncodeAgentID encodes a raw ed25519 public key as "ed25519:<hex>".
func EncodeAgentID(pub []byte) AgentID {
	return AgentID(string(AlgEd25519) + ":" + hex.EncodeToString(pub))
}

// DecodeAgentID returns the raw public key of an agent identifier.
func DecodeAgentID(id AgentID) ([]byte, error) {
	algo, hexPart, ok := strings.Cut(string(id), ":")
	if !ok {
		return nil, ErrInvalidEncoding
	}
	if Algorithm(strings.ToLower(algo)) != AlgEd25519 {
		return nil, ErrUnknownAlgorithm
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidEncoding
	}
	return raw, nil
}

// IsAgentID reports whether s has the shape of an agent identifier.
func IsAgentID(s string) bool {
	_, err := DecodeAgentID(AgentID(s))
	return err == nil
}

// EncodeSignature encodes a signature as "ed25519:<hex>".
func EncodeSignature(sig []byte) string {
	return string(AlgEd25519) + ":" + hex.EncodeToString(sig)
}

// DecodeSignature decodes a signature from "ed25519:<hex>".
func DecodeSignature(s string) ([]byte, error) {
	algo, hexPart, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return nil, ErrInvalidEncoding
	}
	if Algorithm(strings.ToLower(algo)) != AlgEd25519 {
		return nil, ErrUnknownAlgorithm
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	return raw, nil
}

// Verify checks an encoded signature over payload for the given agent.
func Verify(id AgentID, payload []byte, sig string) bool {
	pub, err := DecodeAgentID(id)
	if err != nil {
		return false
	}
	raw, err := DecodeSignature(sig)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, raw)
}
