package covalue

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gezibash/arc-sync/pkg/crypto"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
)

// keyForCoValue resolves keyID through the group that protects c.
func (r *resolver) keyForCoValue(c *Core, keyID crypto.KeyID) (crypto.KeySecret, error) {
	gs, err := r.protectingGroup(c)
	if err != nil {
		return "", err
	}
	return r.readKey(gs, keyID, map[string]bool{})
}

func (r *resolver) protectingGroup(c *Core) (*groupState, error) {
	h := c.Header()
	var gid CoID
	switch h.Ruleset.Kind {
	case RulesetKindGroup:
		gid = c.ID()
	case RulesetKindOwnedByGroup:
		gid = h.Ruleset.Group
	case RulesetKindUnsafeAllowAll, RulesetKindAgent:
		return nil, fmt.Errorf("%w: %s has no read key", arcerrors.ErrKeyUnavailable, c.ID())
	}
	gs := r.group(gid)
	if gs == nil {
		return nil, fmt.Errorf("%w: group %s not loaded", arcerrors.ErrUnavailable, gid)
	}
	return gs, nil
}

// readKey finds the secret for keyID in gs as the acting account:
// a revelation to the actor, the everyone revelation, then key-to-key
// entries resolved through this group and its parents.
func (r *resolver) readKey(gs *groupState, keyID crypto.KeyID, seen map[string]bool) (crypto.KeySecret, error) {
	if s, ok := r.keys[gs.id][keyID]; ok {
		return s, nil
	}
	visit := string(gs.id) + "/" + string(keyID)
	if seen[visit] {
		return "", arcerrors.ErrKeyUnavailable
	}
	seen[visit] = true
	defer delete(seen, visit)

	secret, err := r.lookupKey(gs, keyID, seen)
	if err != nil {
		return "", err
	}
	if r.keys[gs.id] == nil {
		r.keys[gs.id] = map[crypto.KeyID]crypto.KeySecret{}
	}
	r.keys[gs.id][keyID] = secret
	return secret, nil
}

func (r *resolver) lookupKey(gs *groupState, keyID crypto.KeyID, seen map[string]bool) (crypto.KeySecret, error) {
	p := r.node.reg.crypto
	actor := r.node.actor

	for _, target := range []string{actor.ID(), string(actor.AgentID())} {
		op, ok := gs.content.LastOp(revelationKey(keyID, target))
		if !ok {
			continue
		}
		sealed, ok := op.Value.(string)
		if !ok {
			continue
		}
		author, err := r.node.AgentFor(op.Author)
		if err != nil {
			continue
		}
		plaintext, err := p.Unseal(crypto.Sealed(sealed), actor.AgentSecret(), author, txNonce{In: gs.id, Tx: op.TxID})
		if err != nil {
			continue
		}
		if secret := crypto.KeySecret(plaintext); crypto.KeyIDFor(secret) == keyID {
			return secret, nil
		}
	}

	if v, ok := gs.content.GetString(revelationKey(keyID, EveryoneKey)); ok {
		if secret := crypto.KeySecret(v); crypto.KeyIDFor(secret) == keyID {
			return secret, nil
		}
	}

	prefix := string(keyID) + revelationInfix
	for _, key := range gs.content.Keys() {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || !crypto.IsKeyID(rest) {
			continue
		}
		encrypted, ok := gs.content.GetString(key)
		if !ok {
			continue
		}
		via := crypto.KeyID(rest)
		holders := append([]*groupState{gs}, r.parentStates(gs)...)
		for _, holder := range holders {
			viaSecret, err := r.readKey(holder, via, seen)
			if err != nil {
				continue
			}
			secret, err := p.DecryptKeySecret(crypto.Encrypted(encrypted), keyID, crypto.KeyPair{ID: via, Secret: viaSecret})
			if err == nil {
				return secret, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s in %s", arcerrors.ErrKeyUnavailable, keyID, gs.id)
}

func (r *resolver) parentStates(gs *groupState) []*groupState {
	var out []*groupState
	for _, pid := range r.parentsAt(gs, latest) {
		if pid == gs.id {
			continue
		}
		if p := r.group(pid); p != nil {
			out = append(out, p)
		}
	}
	return out
}

// currentReadKey returns the key gs currently encrypts with.
func (r *resolver) currentReadKey(gs *groupState) (crypto.KeyPair, error) {
	keyID, ok := gs.content.GetString(readKeyKey)
	if !ok {
		return crypto.KeyPair{}, fmt.Errorf("%w: %s has no read key", arcerrors.ErrKeyUnavailable, gs.id)
	}
	secret, err := r.readKey(gs, crypto.KeyID(keyID), map[string]bool{})
	if err != nil {
		return crypto.KeyPair{}, err
	}
	return crypto.KeyPair{ID: crypto.KeyID(keyID), Secret: secret}, nil
}

// CurrentReadKey returns the read key protecting new private content in
// this CoValue, resolved for the acting account.
func (c *Core) CurrentReadKey() (crypto.KeyPair, error) {
	r := newResolver(c.node)
	gs, err := r.protectingGroup(c)
	if err != nil {
		return crypto.KeyPair{}, err
	}
	return r.currentReadKey(gs)
}

// ReadKey resolves a specific read key for the acting account.
func (c *Core) ReadKey(keyID crypto.KeyID) (crypto.KeySecret, error) {
	return newResolver(c.node).keyForCoValue(c, keyID)
}

// encryptionKey picks the key for a new private transaction: the
// actor's write key when it is a writeOnly member, else the current
// read key.
func (c *Core) encryptionKey() (crypto.KeyPair, error) {
	if c.Header().Ruleset.Kind != RulesetKindOwnedByGroup {
		return crypto.KeyPair{}, fmt.Errorf("%w: private transactions need an owning group", arcerrors.ErrInvalidInput)
	}
	r := newResolver(c.node)
	gs, err := r.protectingGroup(c)
	if err != nil {
		return crypto.KeyPair{}, err
	}
	actorID := c.node.actor.ID()
	if r.roleAt(gs, actorID, latest, map[CoID]bool{}) == RoleWriteOnly {
		if keyID, ok := gs.content.GetString(writeKeyPrefix + actorID); ok {
			secret, err := r.readKey(gs, crypto.KeyID(keyID), map[string]bool{})
			if err != nil {
				return crypto.KeyPair{}, err
			}
			return crypto.KeyPair{ID: crypto.KeyID(keyID), Secret: secret}, nil
		}
	}
	return r.currentReadKey(gs)
}

func isKeyUnavailable(err error) bool {
	return errors.Is(err, arcerrors.ErrKeyUnavailable)
}
