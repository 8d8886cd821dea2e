package covalue

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/gezibash/arc-sync/pkg/codec"
	"github.com/gezibash/arc-sync/pkg/crypto"
	"github.com/gezibash/arc-sync/pkg/identity"
)

const coIDPrefix = "co_z"

// CoID identifies a CoValue. It is derived from the header at creation.
type CoID string

// SessionID identifies a single-writer append channel within a CoValue.
type SessionID string

// TransactionID addresses one transaction within a CoValue's log.
type TransactionID struct {
	SessionID SessionID `cbor:"sessionID"`
	TxIndex   int       `cbor:"txIndex"`
}

func (t TransactionID) String() string {
	return fmt.Sprintf("%s:%d", t.SessionID, t.TxIndex)
}

// IDForHeader computes the CoID of a header.
func IDForHeader(h *Header) (CoID, error) {
	data, err := codec.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode header: %w", err)
	}
	sum := blake3.Sum256(data)
	return CoID(coIDPrefix + hex.EncodeToString(sum[:20])), nil
}

// IsCoID reports whether s has the shape of a CoValue ID.
func IsCoID(s string) bool {
	rest, ok := strings.CutPrefix(s, coIDPrefix)
	if !ok || len(rest) != 40 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

// Owner returns the account ID or agent ID that owns the session.
func (s SessionID) Owner() (string, bool) {
	return crypto.SessionOwner(string(s))
}

// isMemberID reports whether key names a group member: an account, an
// agent or the everyone pseudo-member.
func isMemberID(key string) bool {
	return key == EveryoneKey || IsCoID(key) || identity.IsAgentID(key)
}
