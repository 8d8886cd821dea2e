package covalue

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/gezibash/arc-sync/pkg/identity"
)

// Header types.
const (
	TypeCoMap   = "comap"
	TypeGroup   = "group"
	TypeAccount = "account"
)

// Header is the immutable creation record of a CoValue.
type Header struct {
	Type       string         `cbor:"type"`
	Ruleset    Ruleset        `cbor:"ruleset"`
	Meta       map[string]any `cbor:"meta,omitempty"`
	CreatedAt  int64          `cbor:"createdAt"`
	Uniqueness string         `cbor:"uniqueness"`
}

// RulesetKind tags the validity algorithm applied to a CoValue's log.
type RulesetKind string

const (
	RulesetKindGroup          RulesetKind = "group"
	RulesetKindOwnedByGroup   RulesetKind = "ownedByGroup"
	RulesetKindUnsafeAllowAll RulesetKind = "unsafeAllowAll"
	RulesetKindAgent          RulesetKind = "agent"
)

// Ruleset is a closed tagged union. Only the fields belonging to Kind are
// set; use the constructors below.
type Ruleset struct {
	Kind RulesetKind `cbor:"kind"`

	// group
	InitialAdmin string `cbor:"initialAdmin,omitempty"`
	ParentGroups []CoID `cbor:"parentGroups,omitempty"`

	// ownedByGroup
	Group CoID `cbor:"group,omitempty"`

	// agent
	InitialSignatoryID identity.AgentID `cbor:"initialSignatoryID,omitempty"`
	InitialRecipientID identity.AgentID `cbor:"initialRecipientID,omitempty"`
}

// GroupRuleset returns a group ruleset trusting initialAdmin a priori.
func GroupRuleset(initialAdmin string, parents ...CoID) Ruleset {
	return Ruleset{Kind: RulesetKindGroup, InitialAdmin: initialAdmin, ParentGroups: parents}
}

// OwnedByGroupRuleset returns a ruleset delegating validity to group.
func OwnedByGroupRuleset(group CoID) Ruleset {
	return Ruleset{Kind: RulesetKindOwnedByGroup, Group: group}
}

// UnsafeAllowAllRuleset accepts every transaction.
func UnsafeAllowAllRuleset() Ruleset {
	return Ruleset{Kind: RulesetKindUnsafeAllowAll}
}

// AgentRuleset anchors a CoValue to a fixed signatory and recipient.
func AgentRuleset(signatory, recipient identity.AgentID) Ruleset {
	return Ruleset{Kind: RulesetKindAgent, InitialSignatoryID: signatory, InitialRecipientID: recipient}
}

// Validate checks that the fields required by Kind are present.
func (r Ruleset) Validate() error {
	switch r.Kind {
	case RulesetKindGroup:
		if r.InitialAdmin == "" {
			return fmt.Errorf("group ruleset: missing initial admin")
		}
	case RulesetKindOwnedByGroup:
		if !IsCoID(string(r.Group)) {
			return fmt.Errorf("ownedByGroup ruleset: invalid group %q", r.Group)
		}
	case RulesetKindUnsafeAllowAll:
	case RulesetKindAgent:
		if r.InitialSignatoryID == "" || r.InitialRecipientID == "" {
			return fmt.Errorf("agent ruleset: missing signatory or recipient")
		}
	default:
		return fmt.Errorf("unknown ruleset kind %q", r.Kind)
	}
	return nil
}

// IsGroupLike reports whether the header describes a group or account.
func (h *Header) IsGroupLike() bool {
	return h.Ruleset.Kind == RulesetKindGroup
}

// Owner names who governs the CoValue: the initial admin of a group, the
// owning group, or the signatory agent. UnsafeAllowAll has no owner.
func (r Ruleset) Owner() string {
	switch r.Kind {
	case RulesetKindGroup:
		return r.InitialAdmin
	case RulesetKindOwnedByGroup:
		return string(r.Group)
	case RulesetKindAgent:
		return string(r.InitialSignatoryID)
	case RulesetKindUnsafeAllowAll:
	}
	return ""
}

// Priority orders content transmission. Lower values are sent first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityMedium Priority = 3
	PriorityLow    Priority = 6
)

// PriorityOf derives the transmission priority from a header.
func PriorityOf(h *Header) Priority {
	if h == nil {
		return PriorityMedium
	}
	switch h.Type {
	case TypeGroup, TypeAccount:
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

func newUniqueness() string {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
