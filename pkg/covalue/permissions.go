package covalue

import (
	"cmp"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/gezibash/arc-sync/pkg/crypto"
)

const (
	readKeyKey      = "readKey"
	parentPrefix    = "parent_"
	childPrefix     = "child_"
	writeKeyPrefix  = "writeKeyFor_"
	revelationInfix = "_for_"
	extendValue     = "extend"
	latest          = math.MaxInt64

	reasonNotAdmin    = "transactor is not an admin"
	reasonImmutable   = "revelation already set"
	reasonOneChange   = "group transaction must have exactly one change"
	reasonNotInsert   = "group transaction must be an insert"
	reasonPrivate     = "private transaction in group"
	reasonNoGroup     = "owning group not loaded"
	reasonCannotWrite = "transactor may not write"
)

// candidate is a transaction considered for validity.
type candidate struct {
	id      TransactionID
	tx      *Transaction
	author  string
	changes []Change
}

func compareCandidates(a, b candidate) int {
	if c := cmp.Compare(a.tx.MadeAt, b.tx.MadeAt); c != 0 {
		return c
	}
	if c := cmp.Compare(a.id.SessionID, b.id.SessionID); c != 0 {
		return c
	}
	return cmp.Compare(a.id.TxIndex, b.id.TxIndex)
}

func parentKeyID(key string) (CoID, bool) {
	id, ok := strings.CutPrefix(key, parentPrefix)
	return CoID(id), ok && IsCoID(id)
}

func childKeyID(key string) (CoID, bool) {
	id, ok := strings.CutPrefix(key, childPrefix)
	return CoID(id), ok && IsCoID(id)
}

// splitRevelation parses "<keyID>_for_<target>".
func splitRevelation(key string) (crypto.KeyID, string, bool) {
	i := strings.Index(key, revelationInfix)
	if i <= 0 {
		return "", "", false
	}
	keyID := key[:i]
	if !crypto.IsKeyID(keyID) {
		return "", "", false
	}
	return crypto.KeyID(keyID), key[i+len(revelationInfix):], true
}

func revelationKey(keyID crypto.KeyID, target string) string {
	return string(keyID) + revelationInfix + target
}

func roleValue(v any, ok bool) (Role, bool) {
	if !ok {
		return "", false
	}
	return ParseRole(v)
}

// groupState is a group's validated content.
type groupState struct {
	id      CoID
	header  *Header
	content *MapContent
}

// resolver memoizes group validation and key lookups for one read.
// building marks groups under validation so self- and mutually-
// extending groups terminate.
type resolver struct {
	node     *Node
	groups   map[CoID]*groupState
	building map[CoID]bool
	keys     map[CoID]map[crypto.KeyID]crypto.KeySecret
}

func newResolver(n *Node) *resolver {
	return &resolver{
		node:     n,
		groups:   map[CoID]*groupState{},
		building: map[CoID]bool{},
		keys:     map[CoID]map[crypto.KeyID]crypto.KeySecret{},
	}
}

// group returns the validated state of a held group, or nil when it is
// not held, not a group or currently being validated.
func (r *resolver) group(id CoID) *groupState {
	if gs, ok := r.groups[id]; ok {
		return gs
	}
	if r.building[id] {
		return nil
	}
	c, ok := r.node.Get(id)
	if !ok || !c.Header().IsGroupLike() {
		return nil
	}
	gs := r.buildGroup(c)
	r.groups[id] = gs
	return gs
}

// buildGroup replays a group's trusting transactions in global
// (madeAt, sessionID, txIndex) order, accepting each one only if the
// state built so far authorizes it.
func (r *resolver) buildGroup(c *Core) *groupState {
	r.building[c.ID()] = true
	defer delete(r.building, c.ID())

	gs := &groupState{id: c.ID(), header: c.Header(), content: newMapContent(c.ID())}
	for _, cand := range r.candidates(c) {
		if cand.tx.Privacy != PrivacyTrusting {
			c.reportInvalid(cand.id, reasonPrivate)
			continue
		}
		changes, err := cand.tx.TrustingChanges()
		if err != nil {
			c.reportInvalid(cand.id, err.Error())
			continue
		}
		cand.changes = changes
		if reason := r.checkGroupTx(gs, cand); reason != "" {
			c.reportInvalid(cand.id, reason)
			continue
		}
		ch := changes[0]
		gs.content.apply(ch.Key, MapOp{
			TxID:   cand.id,
			MadeAt: cand.tx.MadeAt,
			Author: cand.author,
			Value:  ch.Value,
		})
	}
	return gs
}

// candidates lists every transaction of c in global order.
func (r *resolver) candidates(c *Core) []candidate {
	var out []candidate
	for sid, txs := range c.e.snapshot() {
		author, _ := sid.Owner()
		for i := range txs {
			out = append(out, candidate{
				id:     TransactionID{SessionID: sid, TxIndex: i},
				tx:     &txs[i],
				author: author,
			})
		}
	}
	slices.SortFunc(out, compareCandidates)
	return out
}

func (r *resolver) checkGroupTx(gs *groupState, cand candidate) string {
	if len(cand.changes) != 1 {
		return reasonOneChange
	}
	ch := cand.changes[0]
	if ch.Op != OpInsert {
		return reasonNotInsert
	}
	transactor := cand.author
	t := cand.tx.MadeAt
	direct, hasDirect := roleValue(gs.content.Get(transactor))
	eff := r.roleAt(gs, transactor, t, map[CoID]bool{})
	key := ch.Key

	switch {
	case key == readKeyKey:
		if eff != RoleAdmin {
			return reasonNotAdmin
		}
	case strings.HasPrefix(key, parentPrefix):
		if eff != RoleAdmin {
			return reasonNotAdmin
		}
		if ch.Value != extendValue {
			return "parent extension must be \"extend\""
		}
	case strings.HasPrefix(key, childPrefix):
		if ch.Value != extendValue {
			return "child extension must be \"extend\""
		}
		switch eff {
		case RoleAdmin, RoleWriter, RoleReader, RoleWriteOnly:
		default:
			return "transactor may not set child extensions"
		}
	case strings.HasPrefix(key, writeKeyPrefix):
		if eff != RoleAdmin && direct != RoleWriteOnlyInvite {
			return "only admins and writeOnly invites can set write keys"
		}
		if gs.content.Has(key) {
			return reasonImmutable
		}
	default:
		if _, target, ok := splitRevelation(key); ok {
			if crypto.IsKeyID(target) {
				if eff != RoleAdmin {
					return "only admins can reveal keys to keys"
				}
			} else if eff != RoleAdmin && !(hasDirect && direct.IsInvite()) {
				return "only admins and invites can reveal keys"
			}
			if gs.content.Has(key) {
				return reasonImmutable
			}
			return ""
		}
		if isMemberID(key) {
			return r.checkRoleAssignment(gs, transactor, direct, hasDirect, eff, key, ch.Value)
		}
		if eff != RoleAdmin {
			return reasonNotAdmin
		}
	}
	return ""
}

func (r *resolver) checkRoleAssignment(gs *groupState, transactor string, direct Role, hasDirect bool, eff Role, member string, value any) string {
	newRole, ok := ParseRole(value)
	if !ok {
		return "group transaction must set a valid role"
	}
	if member == EveryoneKey && (newRole == RoleAdmin || newRole.IsInvite()) {
		return "everyone may not be an admin or invite"
	}
	if !hasDirect && transactor == gs.header.Ruleset.InitialAdmin && member == transactor && newRole == RoleAdmin {
		return ""
	}
	target, hasTarget := roleValue(gs.content.Get(member))
	if eff == RoleAdmin {
		if hasTarget && target == RoleAdmin && member != transactor && newRole != RoleAdmin {
			return "admins can only demote themselves"
		}
		return ""
	}
	if hasDirect && direct.IsInvite() {
		if !inviteGrants(direct, newRole) {
			return "invite cannot grant " + string(newRole)
		}
		if hasTarget && target != RoleRevoked {
			return "invites can only add new members"
		}
		return ""
	}
	return "transactor may not assign roles"
}

// parentsAt lists the groups gs extends as of t.
func (r *resolver) parentsAt(gs *groupState, t int64) []CoID {
	set := map[CoID]struct{}{}
	for _, p := range gs.header.Ruleset.ParentGroups {
		set[p] = struct{}{}
	}
	for _, key := range gs.content.Keys() {
		id, ok := parentKeyID(key)
		if !ok {
			continue
		}
		if v, ok := gs.content.GetAtTime(key, t); ok && v == extendValue {
			set[id] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// roleAt resolves member's role in gs at time t: the direct role wins,
// otherwise the least privileged role inherited from a parent, lifted
// to the everyone floor.
func (r *resolver) roleAt(gs *groupState, member string, t int64, seen map[CoID]bool) Role {
	role := r.memberRoleAt(gs, member, t, seen)
	if role.IsInvite() || member == EveryoneKey {
		return role
	}
	if ev, ok := roleValue(gs.content.GetAtTime(EveryoneKey, t)); ok && privilege(ev) > privilege(role) {
		return ev
	}
	return role
}

func (r *resolver) memberRoleAt(gs *groupState, member string, t int64, seen map[CoID]bool) Role {
	if direct, ok := roleValue(gs.content.GetAtTime(member, t)); ok {
		return direct
	}
	if seen[gs.id] {
		return ""
	}
	seen[gs.id] = true
	defer delete(seen, gs.id)

	var best Role
	for _, pid := range r.parentsAt(gs, t) {
		if seen[pid] {
			continue
		}
		p := r.group(pid)
		if p == nil {
			continue
		}
		pr := r.memberRoleAt(p, member, t, seen)
		if pr.IsInvite() || privilege(pr) == 0 {
			continue
		}
		if best == "" || privilege(pr) < privilege(best) {
			best = pr
		}
	}
	return best
}

// validTransactions applies the ruleset to every transaction of c.
func (r *resolver) validTransactions(c *Core) []candidate {
	h := c.Header()
	switch h.Ruleset.Kind {
	case RulesetKindGroup:
		// Groups materialize directly from buildGroup.
		return nil
	case RulesetKindOwnedByGroup:
		gs := r.group(h.Ruleset.Group)
		cands := r.candidates(c)
		if gs == nil {
			for _, cand := range cands {
				c.reportInvalid(cand.id, reasonNoGroup)
			}
			return nil
		}
		out := cands[:0]
		for _, cand := range cands {
			if !r.roleAt(gs, cand.author, cand.tx.MadeAt, map[CoID]bool{}).CanWrite() {
				c.reportInvalid(cand.id, reasonCannotWrite)
				continue
			}
			out = append(out, cand)
		}
		return out
	case RulesetKindUnsafeAllowAll:
		return r.candidates(c)
	case RulesetKindAgent:
		return nil
	}
	return nil
}
