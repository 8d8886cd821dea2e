package covalue

import (
	"fmt"

	"github.com/gezibash/arc-sync/pkg/codec"
	"github.com/gezibash/arc-sync/pkg/crypto"
)

// Privacy selects whether a transaction's changes are encrypted.
type Privacy string

const (
	PrivacyTrusting Privacy = "trusting"
	PrivacyPrivate  Privacy = "private"
)

// OpInsert is the only change operation: a last-writer-wins set.
const OpInsert = "insert"

// MaxRecommendedTxSize is the number of change bytes after which a
// session records a signature checkpoint.
const MaxRecommendedTxSize = 100 * 1024

// Change sets Key to Value.
type Change struct {
	Op    string `cbor:"op"`
	Key   string `cbor:"key"`
	Value any    `cbor:"value"`
}

// Set returns an insert change.
func Set(key string, value any) Change {
	return Change{Op: OpInsert, Key: key, Value: value}
}

// Transaction is one signed entry in a session.
type Transaction struct {
	Privacy          Privacy          `cbor:"privacy"`
	MadeAt           int64            `cbor:"madeAt"`
	KeyUsed          crypto.KeyID     `cbor:"keyUsed,omitempty"`
	EncryptedChanges crypto.Encrypted `cbor:"encryptedChanges,omitempty"`
	Changes          []byte           `cbor:"changes,omitempty"`
}

// Size is the payload size counted toward signature checkpoints.
func (t *Transaction) Size() int {
	if t.Privacy == PrivacyPrivate {
		return len(t.EncryptedChanges)
	}
	return len(t.Changes)
}

// TrustingChanges decodes the plaintext changes of a trusting transaction.
func (t *Transaction) TrustingChanges() ([]Change, error) {
	if t.Privacy != PrivacyTrusting {
		return nil, fmt.Errorf("transaction is %s", t.Privacy)
	}
	return decodeChanges(t.Changes)
}

func encodeChanges(changes []Change) ([]byte, error) {
	return codec.Marshal(changes)
}

func decodeChanges(data []byte) ([]Change, error) {
	var changes []Change
	if err := codec.Unmarshal(data, &changes); err != nil {
		return nil, fmt.Errorf("decode changes: %w", err)
	}
	return changes, nil
}

// txNonce is the nonce material binding ciphertext to its position.
type txNonce struct {
	In CoID          `cbor:"in"`
	Tx TransactionID `cbor:"tx"`
}
