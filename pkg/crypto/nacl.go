package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/gezibash/arc-sync/pkg/codec"
	"github.com/gezibash/arc-sync/pkg/identity"
)

const (
	prefixKeyID     = "key_z"
	prefixKeySecret = "keySecret_z"
	prefixSealed    = "sealed_U"
	prefixEncrypted = "encrypted_U"
	prefixHash      = "hash_z"
	sessionInfix    = "_session_z"

	shortHashLen = 19
)

// NaCl implements Provider with ed25519 signatures, NaCl box for sealing
// (X25519 + XSalsa20-Poly1305), NaCl secretbox for symmetric encryption
// and blake3 for hashing and nonce derivation.
type NaCl struct{}

// NewNaCl returns the NaCl provider.
func NewNaCl() *NaCl { return &NaCl{} }

var _ Provider = (*NaCl)(nil)

func (NaCl) Sign(secret identity.AgentSecret, message []byte) (string, error) {
	kp, err := identity.FromSecret(secret)
	if err != nil {
		return "", err
	}
	return identity.EncodeSignature(kp.Sign(message)), nil
}

func (NaCl) Verify(id identity.AgentID, message []byte, signature string) bool {
	return identity.Verify(id, message, signature)
}

func (NaCl) Seal(message []byte, from identity.AgentSecret, to identity.AgentID, nonceMaterial any) (Sealed, error) {
	sender, err := identity.FromSecret(from)
	if err != nil {
		return "", fmt.Errorf("seal: sender: %w", err)
	}
	recipient, err := identity.SealerPublic(to)
	if err != nil {
		return "", fmt.Errorf("seal: recipient: %w", err)
	}
	senderPriv := identity.SealerPrivate(sender.Seed())
	nonce, err := deriveNonce(nonceMaterial)
	if err != nil {
		return "", err
	}
	out := box.Seal(nil, message, &nonce, &recipient, &senderPriv)
	return Sealed(prefixSealed + hex.EncodeToString(out)), nil
}

func (NaCl) Unseal(sealed Sealed, to identity.AgentSecret, from identity.AgentID, nonceMaterial any) ([]byte, error) {
	raw, err := decodePrefixed(string(sealed), prefixSealed)
	if err != nil {
		return nil, err
	}
	recipient, err := identity.FromSecret(to)
	if err != nil {
		return nil, fmt.Errorf("unseal: recipient: %w", err)
	}
	sender, err := identity.SealerPublic(from)
	if err != nil {
		return nil, fmt.Errorf("unseal: sender: %w", err)
	}
	recipientPriv := identity.SealerPrivate(recipient.Seed())
	nonce, err := deriveNonce(nonceMaterial)
	if err != nil {
		return nil, err
	}
	plaintext, ok := box.Open(nil, raw, &nonce, &sender, &recipientPriv)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func (NaCl) Encrypt(plaintext []byte, key KeySecret, nonceMaterial any) (Encrypted, error) {
	k, err := decodeKeySecret(key)
	if err != nil {
		return "", err
	}
	nonce, err := deriveNonce(nonceMaterial)
	if err != nil {
		return "", err
	}
	out := secretbox.Seal(nil, plaintext, &nonce, &k)
	return Encrypted(prefixEncrypted + hex.EncodeToString(out)), nil
}

func (NaCl) Decrypt(ciphertext Encrypted, key KeySecret, nonceMaterial any) ([]byte, error) {
	raw, err := decodePrefixed(string(ciphertext), prefixEncrypted)
	if err != nil {
		return nil, err
	}
	k, err := decodeKeySecret(key)
	if err != nil {
		return nil, err
	}
	nonce, err := deriveNonce(nonceMaterial)
	if err != nil {
		return nil, err
	}
	plaintext, ok := secretbox.Open(nil, raw, &nonce, &k)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

type keyWrapNonce struct {
	EncryptedID  KeyID `cbor:"encryptedID"`
	EncryptingID KeyID `cbor:"encryptingID"`
}

func (p NaCl) EncryptKeySecret(toEncrypt, encrypting KeyPair) (Encrypted, error) {
	return p.Encrypt([]byte(toEncrypt.Secret), encrypting.Secret, keyWrapNonce{
		EncryptedID:  toEncrypt.ID,
		EncryptingID: encrypting.ID,
	})
}

func (p NaCl) DecryptKeySecret(encrypted Encrypted, encryptedID KeyID, encrypting KeyPair) (KeySecret, error) {
	plaintext, err := p.Decrypt(encrypted, encrypting.Secret, keyWrapNonce{
		EncryptedID:  encryptedID,
		EncryptingID: encrypting.ID,
	})
	if err != nil {
		return "", err
	}
	secret := KeySecret(plaintext)
	if KeyIDFor(secret) != encryptedID {
		return "", fmt.Errorf("%w: key id mismatch", ErrDecryptFailed)
	}
	return secret, nil
}

func (NaCl) NewRandomKeySecret() (KeyPair, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return KeyPair{}, fmt.Errorf("generate key secret: %w", err)
	}
	secret := KeySecret(prefixKeySecret + hex.EncodeToString(raw[:]))
	return KeyPair{ID: KeyIDFor(secret), Secret: secret}, nil
}

func (NaCl) NewRandomSessionID(ownerID string) (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return ownerID + sessionInfix + hex.EncodeToString(raw[:]), nil
}

func (NaCl) NewRandomAgentSecret() (identity.AgentSecret, error) {
	kp, err := identity.Generate()
	if err != nil {
		return "", err
	}
	return kp.Secret(), nil
}

func (NaCl) GetAgentID(secret identity.AgentSecret) (identity.AgentID, error) {
	kp, err := identity.FromSecret(secret)
	if err != nil {
		return "", err
	}
	return kp.ID(), nil
}

func (NaCl) SecureHash(value any) (Hash, error) {
	data, err := codec.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	sum := blake3.Sum256(data)
	return Hash(prefixHash + hex.EncodeToString(sum[:])), nil
}

func (NaCl) ShortHash(value any) string {
	sum := blake3.Sum256(codec.MustMarshal(value))
	return "shortHash_z" + hex.EncodeToString(sum[:shortHashLen])
}

// KeyIDFor derives the identifier of a read key from its secret.
func KeyIDFor(secret KeySecret) KeyID {
	sum := blake3.Sum256([]byte(secret))
	return KeyID(prefixKeyID + hex.EncodeToString(sum[:12]))
}

// IsKeyID reports whether s has the shape of a read key identifier.
func IsKeyID(s string) bool {
	return strings.HasPrefix(s, prefixKeyID)
}

// SessionOwner returns the account or agent that owns sessionID.
func SessionOwner(sessionID string) (string, bool) {
	i := strings.LastIndex(sessionID, sessionInfix)
	if i <= 0 {
		return "", false
	}
	return sessionID[:i], true
}

func deriveNonce(material any) ([24]byte, error) {
	var nonce [24]byte
	data, err := codec.Marshal(material)
	if err != nil {
		return nonce, fmt.Errorf("nonce material: %w", err)
	}
	sum := blake3.Sum256(data)
	copy(nonce[:], sum[:24])
	return nonce, nil
}

func decodeKeySecret(key KeySecret) ([32]byte, error) {
	var k [32]byte
	raw, err := decodePrefixed(string(key), prefixKeySecret)
	if err != nil {
		return k, err
	}
	if len(raw) != 32 {
		return k, ErrMalformed
	}
	copy(k[:], raw)
	return k, nil
}

func decodePrefixed(s, prefix string) ([]byte, error) {
	hexPart, ok := strings.CutPrefix(s, prefix)
	if !ok {
		return nil, ErrMalformed
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, ErrMalformed
	}
	return raw, nil
}
