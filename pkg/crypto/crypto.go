// Package crypto defines the crypto provider consumed by the CoValue core
// and a NaCl-based implementation of it.
//
// Every value that ends up inside a transaction (sealed revelations,
// encrypted key secrets, signatures) is a prefixed, printable string so it
// can be stored as a map value and hashed deterministically.
package crypto

import (
	"errors"

	"github.com/gezibash/arc-sync/pkg/identity"
)

// KeyID identifies a symmetric read key ("key_z<hex>").
type KeyID string

// KeySecret is an encoded symmetric read key ("keySecret_z<hex>").
type KeySecret string

// Sealed is an asymmetrically sealed message ("sealed_U<hex>").
type Sealed string

// Encrypted is a symmetrically encrypted message ("encrypted_U<hex>").
type Encrypted string

// Hash is an encoded blake3 digest ("hash_z<hex>").
type Hash string

// KeyPair couples a read key with its identifier.
type KeyPair struct {
	ID     KeyID
	Secret KeySecret
}

var (
	// ErrDecryptFailed indicates authentication of a ciphertext failed.
	ErrDecryptFailed = errors.New("decryption failed")
	// ErrMalformed indicates an encoded value could not be parsed.
	ErrMalformed = errors.New("malformed encoded value")
)

// Provider is the crypto contract the core depends on.
type Provider interface {
	Sign(secret identity.AgentSecret, message []byte) (string, error)
	Verify(id identity.AgentID, message []byte, signature string) bool

	// Seal encrypts message from one agent to another. The nonce is
	// derived from nonceMaterial, which must be unique per sealing.
	Seal(message []byte, from identity.AgentSecret, to identity.AgentID, nonceMaterial any) (Sealed, error)
	Unseal(sealed Sealed, to identity.AgentSecret, from identity.AgentID, nonceMaterial any) ([]byte, error)

	Encrypt(plaintext []byte, key KeySecret, nonceMaterial any) (Encrypted, error)
	Decrypt(ciphertext Encrypted, key KeySecret, nonceMaterial any) ([]byte, error)

	// EncryptKeySecret wraps one read key under another.
	EncryptKeySecret(toEncrypt, encrypting KeyPair) (Encrypted, error)
	DecryptKeySecret(encrypted Encrypted, encryptedID KeyID, encrypting KeyPair) (KeySecret, error)

	NewRandomKeySecret() (KeyPair, error)
	NewRandomSessionID(ownerID string) (string, error)
	NewRandomAgentSecret() (identity.AgentSecret, error)
	GetAgentID(secret identity.AgentSecret) (identity.AgentID, error)

	SecureHash(value any) (Hash, error)
	ShortHash(value any) string
}
