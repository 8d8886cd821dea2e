package covalue

import (
	"fmt"
	"slices"

	"github.com/gezibash/arc-sync/pkg/crypto"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
	"github.com/gezibash/arc-sync/pkg/identity"
)

// Group is a CoValue whose content assigns roles and distributes read
// keys. Accounts are groups too.
type Group struct {
	core *Core
}

// AsGroup wraps a group-ruleset CoValue.
func AsGroup(c *Core) (*Group, error) {
	if !c.Header().IsGroupLike() {
		return nil, fmt.Errorf("%w: %s is not a group", arcerrors.ErrInvalidInput, c.ID())
	}
	return &Group{core: c}, nil
}

// Group returns a held group.
func (n *Node) Group(id CoID) (*Group, error) {
	c, err := n.Expect(id)
	if err != nil {
		return nil, err
	}
	return AsGroup(c)
}

// CreateGroup creates a group administered by the acting account and
// reveals a fresh read key to it.
func (n *Node) CreateGroup(meta map[string]any) (*Group, error) {
	h := &Header{
		Type:       TypeGroup,
		Ruleset:    GroupRuleset(n.actor.ID()),
		Meta:       meta,
		CreatedAt:  n.now(),
		Uniqueness: newUniqueness(),
	}
	c, err := n.CreateCoValue(h)
	if err != nil {
		return nil, err
	}
	g := &Group{core: c}
	if err := g.bootstrap(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Group) bootstrap() error {
	self := g.core.node.actor.ID()
	if err := g.setChecked(self, string(RoleAdmin)); err != nil {
		return err
	}
	key, err := g.core.node.reg.crypto.NewRandomKeySecret()
	if err != nil {
		return err
	}
	if err := g.revealKeyTo(key, self); err != nil {
		return err
	}
	return g.setChecked(readKeyKey, string(key.ID))
}

// ID returns the group's CoValue ID.
func (g *Group) ID() CoID { return g.core.ID() }

// Core returns the underlying CoValue.
func (g *Group) Core() *Core { return g.core }

// Get returns the current value of key.
func (g *Group) Get(key string) (any, bool) {
	return g.core.Content().Get(key)
}

// Set writes key as a trusting transaction. Unauthorized writes are
// appended but excluded from content; use the returned error of the
// higher level operations to detect that.
func (g *Group) Set(key string, value any) error {
	return g.core.MakeTransaction([]Change{Set(key, value)}, PrivacyTrusting)
}

// setChecked writes key and verifies the write was accepted.
func (g *Group) setChecked(key string, value any) error {
	txID, err := g.core.makeTransaction(PrivacyTrusting, func(TransactionID) ([]Change, error) {
		return []Change{Set(key, value)}, nil
	})
	if err != nil {
		return err
	}
	return g.checkAccepted(key, txID)
}

func (g *Group) checkAccepted(key string, txID TransactionID) error {
	for _, op := range g.core.Content().History(key) {
		if op.TxID == txID {
			return nil
		}
	}
	return fmt.Errorf("%w: setting %q in %s", arcerrors.ErrPermission, key, g.ID())
}

// RoleOf returns member's current effective role, or "" when it has none.
func (g *Group) RoleOf(member string) Role {
	return g.RoleOfAt(member, latest)
}

// RoleOfAt returns member's effective role as of t.
func (g *Group) RoleOfAt(member string, t int64) Role {
	r := newResolver(g.core.node)
	gs := r.group(g.ID())
	if gs == nil {
		return ""
	}
	return r.roleAt(gs, member, t, map[CoID]bool{})
}

// Members returns the direct role of every member entry.
func (g *Group) Members() map[string]Role {
	content := g.core.Content()
	out := map[string]Role{}
	for _, key := range content.Keys() {
		if !isMemberID(key) {
			continue
		}
		if role, ok := roleValue(content.Get(key)); ok {
			out[key] = role
		}
	}
	return out
}

// Parents returns the groups this group extends.
func (g *Group) Parents() []CoID {
	r := newResolver(g.core.node)
	gs := r.group(g.ID())
	if gs == nil {
		return nil
	}
	return r.parentsAt(gs, latest)
}

// Children returns the groups extending this group.
func (g *Group) Children() []CoID {
	content := g.core.Content()
	var out []CoID
	for _, key := range content.Keys() {
		id, ok := childKeyID(key)
		if !ok {
			continue
		}
		if v, _ := content.Get(key); v == extendValue {
			out = append(out, id)
		}
	}
	return out
}

// CurrentReadKey returns the group's current read key.
func (g *Group) CurrentReadKey() (crypto.KeyPair, error) {
	return g.core.CurrentReadKey()
}

// AddMember assigns role to member and reveals the current read key
// when the role may read. member is an account ID, an agent ID or
// "everyone".
func (g *Group) AddMember(member string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: role %q", arcerrors.ErrInvalidInput, role)
	}
	if err := g.setChecked(member, string(role)); err != nil {
		return err
	}
	switch {
	case role == RoleWriteOnly && member != EveryoneKey:
		return g.grantWriteKey(member)
	case role.CanRead():
		key, err := g.CurrentReadKey()
		if err != nil {
			return err
		}
		return g.revealKeyTo(key, member)
	}
	return nil
}

// grantWriteKey gives a writeOnly member its own key, readable by
// whoever holds the current read key.
func (g *Group) grantWriteKey(member string) error {
	current, err := g.CurrentReadKey()
	if err != nil {
		return err
	}
	p := g.core.node.reg.crypto
	wk, err := p.NewRandomKeySecret()
	if err != nil {
		return err
	}
	if err := g.revealKeyTo(wk, member); err != nil {
		return err
	}
	wrapped, err := p.EncryptKeySecret(wk, current)
	if err != nil {
		return err
	}
	if err := g.setChecked(revelationKey(wk.ID, string(current.ID)), string(wrapped)); err != nil {
		return err
	}
	return g.setChecked(writeKeyPrefix+member, string(wk.ID))
}

// NewReadKey generates a fresh read key. Nothing is written until the
// key is revealed.
func (g *Group) NewReadKey() (crypto.KeyPair, error) {
	return g.core.node.reg.crypto.NewRandomKeySecret()
}

// RevealTo writes one revelation of the key per member. Revelations that
// already exist are kept.
func (g *Group) RevealTo(keyID crypto.KeyID, secret crypto.KeySecret, members []string) error {
	key := crypto.KeyPair{ID: keyID, Secret: secret}
	for _, member := range members {
		if err := g.revealKeyTo(key, member); err != nil {
			return fmt.Errorf("reveal to %s: %w", member, err)
		}
	}
	return nil
}

// revealKeyTo writes "<keyID>_for_<member>". The secret is sealed from
// the acting agent to the member's agent, bound to the revealing
// transaction's position; for everyone it is stored in plaintext.
func (g *Group) revealKeyTo(key crypto.KeyPair, member string) error {
	target := revelationKey(key.ID, member)
	if _, exists := g.Get(target); exists {
		return nil
	}
	if member == EveryoneKey {
		return g.setChecked(target, string(key.Secret))
	}
	n := g.core.node
	to, err := n.AgentFor(member)
	if err != nil {
		return err
	}
	txID, err := g.core.makeTransaction(PrivacyTrusting, func(txID TransactionID) ([]Change, error) {
		sealed, err := n.reg.crypto.Seal([]byte(key.Secret), n.actor.AgentSecret(), to, txNonce{In: g.ID(), Tx: txID})
		if err != nil {
			return nil, err
		}
		return []Change{Set(target, string(sealed))}, nil
	})
	if err != nil {
		return err
	}
	return g.checkAccepted(target, txID)
}

// readableMembers lists direct members that receive rotated keys.
func (g *Group) readableMembers() []string {
	var out []string
	for member, role := range g.Members() {
		if member == EveryoneKey {
			if role == RoleReader || role == RoleWriter {
				out = append(out, member)
			}
			continue
		}
		if role.CanRead() {
			out = append(out, member)
		}
	}
	slices.Sort(out)
	return out
}

// RotateReadKey replaces the read key. The new key is revealed to every
// member that may read, the old key is wrapped under the new one, the
// new key is exposed to each parent's current key, and every child
// group is rotated in turn.
func (g *Group) RotateReadKey() error {
	return g.rotate(map[CoID]bool{})
}

func (g *Group) rotate(visited map[CoID]bool) error {
	if visited[g.ID()] {
		return nil
	}
	visited[g.ID()] = true

	n := g.core.node
	p := n.reg.crypto
	old, oldErr := g.CurrentReadKey()
	next, err := g.NewReadKey()
	if err != nil {
		return err
	}
	if err := g.RevealTo(next.ID, next.Secret, g.readableMembers()); err != nil {
		return err
	}
	if oldErr == nil {
		wrapped, err := p.EncryptKeySecret(old, next)
		if err != nil {
			return err
		}
		if err := g.setChecked(revelationKey(old.ID, string(next.ID)), string(wrapped)); err != nil {
			return err
		}
	}
	if err := g.setChecked(readKeyKey, string(next.ID)); err != nil {
		return err
	}

	for _, pid := range g.Parents() {
		if pid == g.ID() {
			continue
		}
		parent, err := n.Group(pid)
		if err != nil {
			continue
		}
		if err := g.exposeKeyTo(next, parent); err != nil && !isKeyUnavailable(err) {
			return err
		}
	}

	for _, cid := range g.Children() {
		child, err := n.Group(cid)
		if err != nil {
			continue
		}
		if err := child.rotate(visited); err != nil {
			return fmt.Errorf("rotate child %s: %w", cid, err)
		}
	}
	return nil
}

// exposeKeyTo writes key wrapped under parent's current read key.
func (g *Group) exposeKeyTo(key crypto.KeyPair, parent *Group) error {
	parentKey, err := parent.CurrentReadKey()
	if err != nil {
		return err
	}
	wrapped, err := g.core.node.reg.crypto.EncryptKeySecret(key, parentKey)
	if err != nil {
		return err
	}
	target := revelationKey(key.ID, string(parentKey.ID))
	if _, exists := g.Get(target); exists {
		return nil
	}
	return g.setChecked(target, string(wrapped))
}

// RemoveMember revokes member and rotates the read key so content
// written afterwards is unreadable to it.
func (g *Group) RemoveMember(member string) error {
	if err := g.setChecked(member, string(RoleRevoked)); err != nil {
		return err
	}
	return g.RotateReadKey()
}

// Extend makes parent a parent of g: members of parent inherit their
// ordinary roles in g and can read g's content through parent's key.
func (g *Group) Extend(parent *Group) error {
	if parent.ID() == g.ID() {
		return fmt.Errorf("%w: group cannot extend itself", arcerrors.ErrInvalidInput)
	}
	if err := g.setChecked(parentPrefix+string(parent.ID()), extendValue); err != nil {
		return err
	}
	if err := parent.setChecked(childPrefix+string(g.ID()), extendValue); err != nil {
		return err
	}
	key, err := g.CurrentReadKey()
	if err != nil {
		return err
	}
	return g.exposeKeyTo(key, parent)
}

// CreateMap creates a map owned by the group.
func (g *Group) CreateMap(meta map[string]any) (*Core, error) {
	n := g.core.node
	return n.CreateCoValue(&Header{
		Type:       TypeCoMap,
		Ruleset:    OwnedByGroupRuleset(g.ID()),
		Meta:       meta,
		CreatedAt:  n.now(),
		Uniqueness: newUniqueness(),
	})
}

// CreateInvite adds a fresh invite agent with the invite role for role
// and returns its secret. Redeem it with AcceptInvite.
func (g *Group) CreateInvite(role Role) (identity.AgentSecret, error) {
	invite, ok := InviteFor(role)
	if !ok {
		return "", fmt.Errorf("%w: cannot invite as %q", arcerrors.ErrInvalidInput, role)
	}
	secret, err := g.core.node.reg.crypto.NewRandomAgentSecret()
	if err != nil {
		return "", err
	}
	agent, err := NewControlledAgent(secret)
	if err != nil {
		return "", err
	}
	if err := g.AddMember(agent.ID(), invite); err != nil {
		return "", err
	}
	return secret, nil
}
