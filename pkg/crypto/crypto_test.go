package crypto

import (
	"errors"
	"strings"
	"testing"

	"github.com/gezibash/arc-sync/pkg/identity"
)

type nonceMat struct {
	In string `cbor:"in"`
	Tx string `cbor:"tx"`
}

func newAgent(t *testing.T, p Provider) (identity.AgentSecret, identity.AgentID) {
	t.Helper()
	secret, err := p.NewRandomAgentSecret()
	if err != nil {
		t.Fatalf("NewRandomAgentSecret: %v", err)
	}
	id, err := p.GetAgentID(secret)
	if err != nil {
		t.Fatalf("GetAgentID: %v", err)
	}
	return secret, id
}

func TestSealUnseal(t *testing.T) {
	p := NewNaCl()
	aliceSecret, aliceID := newAgent(t, p)
	bobSecret, bobID := newAgent(t, p)
	nonce := nonceMat{In: "co_zabc", Tx: "s1:0"}

	sealed, err := p.Seal([]byte("hello"), aliceSecret, bobID, nonce)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !strings.HasPrefix(string(sealed), "sealed_U") {
		t.Errorf("sealed prefix = %q", sealed)
	}

	got, err := p.Unseal(sealed, bobSecret, aliceID, nonce)
	if err != nil {
		t.Fatalf("Unseal: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Unseal = %q, want hello", got)
	}

	if _, err := p.Unseal(sealed, bobSecret, aliceID, nonceMat{In: "co_zabc", Tx: "s1:1"}); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("wrong nonce: err = %v, want ErrDecryptFailed", err)
	}
	eveSecret, _ := newAgent(t, p)
	if _, err := p.Unseal(sealed, eveSecret, aliceID, nonce); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("wrong recipient: err = %v, want ErrDecryptFailed", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	p := NewNaCl()
	key, err := p.NewRandomKeySecret()
	if err != nil {
		t.Fatalf("NewRandomKeySecret: %v", err)
	}
	other, _ := p.NewRandomKeySecret()
	nonce := nonceMat{In: "co_z1", Tx: "s:3"}

	ct, err := p.Encrypt([]byte("payload"), key.Secret, nonce)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := p.Decrypt(ct, key.Secret, nonce)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "payload" {
		t.Errorf("Decrypt = %q", pt)
	}
	if _, err := p.Decrypt(ct, other.Secret, nonce); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("wrong key: err = %v", err)
	}
	if _, err := p.Decrypt("garbage", key.Secret, nonce); !errors.Is(err, ErrMalformed) {
		t.Errorf("garbage: err = %v", err)
	}
}

func TestKeySecretWrapping(t *testing.T) {
	p := NewNaCl()
	inner, _ := p.NewRandomKeySecret()
	outer, _ := p.NewRandomKeySecret()

	wrapped, err := p.EncryptKeySecret(inner, outer)
	if err != nil {
		t.Fatalf("EncryptKeySecret: %v", err)
	}
	got, err := p.DecryptKeySecret(wrapped, inner.ID, outer)
	if err != nil {
		t.Fatalf("DecryptKeySecret: %v", err)
	}
	if got != inner.Secret {
		t.Errorf("unwrapped secret mismatch")
	}
	if _, err := p.DecryptKeySecret(wrapped, outer.ID, outer); err == nil {
		t.Error("expected error for wrong encrypted id")
	}
}

func TestKeyIDDeterministic(t *testing.T) {
	p := NewNaCl()
	k, _ := p.NewRandomKeySecret()
	if KeyIDFor(k.Secret) != k.ID {
		t.Errorf("KeyIDFor mismatch")
	}
	if !IsKeyID(string(k.ID)) {
		t.Errorf("IsKeyID(%q) = false", k.ID)
	}
}

func TestSessionOwner(t *testing.T) {
	p := NewNaCl()
	tests := []struct {
		owner string
	}{
		{"co_zdeadbeef"},
		{"ed25519:0011"},
	}
	for _, tt := range tests {
		sid, err := p.NewRandomSessionID(tt.owner)
		if err != nil {
			t.Fatalf("NewRandomSessionID: %v", err)
		}
		got, ok := SessionOwner(sid)
		if !ok || got != tt.owner {
			t.Errorf("SessionOwner(%q) = %q, %v", sid, got, ok)
		}
	}
	if _, ok := SessionOwner("nope"); ok {
		t.Error("SessionOwner accepted malformed id")
	}
}

func TestSignVerify(t *testing.T) {
	p := NewNaCl()
	secret, id := newAgent(t, p)
	sig, err := p.Sign(secret, []byte("msg"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !p.Verify(id, []byte("msg"), sig) {
		t.Error("Verify = false")
	}
	if p.Verify(id, []byte("other"), sig) {
		t.Error("Verify accepted tampered message")
	}
}

func TestStreamingHash(t *testing.T) {
	var a, b StreamingHash
	a.Update([]byte("one"))
	b.Update([]byte("one"))
	if a.Digest() != b.Digest() {
		t.Fatal("same input produced different digests")
	}
	c := a.Clone()
	c.Update([]byte("two"))
	if c.Digest() == a.Digest() {
		t.Error("clone shares state with original")
	}
	var d StreamingHash
	d.Update([]byte("two"))
	d.Update([]byte("one"))
	if d.Digest() == c.Digest() {
		t.Error("order did not affect digest")
	}
}

func TestSecureHashStable(t *testing.T) {
	p := NewNaCl()
	h1, _ := p.SecureHash(map[string]any{"a": 1, "b": "x"})
	h2, _ := p.SecureHash(map[string]any{"b": "x", "a": 1})
	if h1 != h2 {
		t.Errorf("hash depends on map order: %s vs %s", h1, h2)
	}
}
