package covalue

import (
	"context"
	"fmt"

	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
	"github.com/gezibash/arc-sync/pkg/identity"
)

// CreateAccount creates a new account administered by a fresh agent in
// n's registry and returns its credentials.
func (n *Node) CreateAccount(meta map[string]any) (*ControlledAccount, error) {
	secret, err := n.reg.crypto.NewRandomAgentSecret()
	if err != nil {
		return nil, err
	}
	return n.createAccountFor(secret, meta)
}

func (n *Node) createAccountFor(secret identity.AgentSecret, meta map[string]any) (*ControlledAccount, error) {
	agent, err := NewControlledAgent(secret)
	if err != nil {
		return nil, err
	}
	asAgent, err := n.As(agent)
	if err != nil {
		return nil, err
	}
	m := map[string]any{"type": TypeAccount}
	for k, v := range meta {
		m[k] = v
	}
	c, err := asAgent.CreateCoValue(&Header{
		Type:       TypeAccount,
		Ruleset:    GroupRuleset(agent.ID()),
		Meta:       m,
		CreatedAt:  n.now(),
		Uniqueness: newUniqueness(),
	})
	if err != nil {
		return nil, err
	}
	if err := (&Group{core: c}).bootstrap(); err != nil {
		return nil, fmt.Errorf("bootstrap account: %w", err)
	}
	return NewControlledAccount(c.ID(), secret)
}

// NewNodeWithNewAccount creates a node acting as a freshly created
// account.
func NewNodeWithNewAccount(opts ...Option) (*Node, *ControlledAccount, error) {
	kp, err := identity.Generate()
	if err != nil {
		return nil, nil, err
	}
	agent, err := NewControlledAgent(kp.Secret())
	if err != nil {
		return nil, nil, err
	}
	bootstrap, err := NewNode(agent, opts...)
	if err != nil {
		return nil, nil, err
	}
	acct, err := bootstrap.createAccountFor(kp.Secret(), nil)
	if err != nil {
		return nil, nil, err
	}
	n, err := bootstrap.As(acct)
	if err != nil {
		return nil, nil, err
	}
	return n, acct, nil
}

// Account returns the acting account's CoValue.
func (n *Node) Account() (*Group, error) {
	acct, ok := n.actor.(*ControlledAccount)
	if !ok {
		return nil, fmt.Errorf("%w: node acts as an agent", arcerrors.ErrInvalidInput)
	}
	return n.Group(acct.accountID)
}

// AcceptInvite redeems an invite secret created by Group.CreateInvite,
// adding the acting account to the group with the invited role.
func AcceptInvite(ctx context.Context, n *Node, groupID CoID, inviteSecret identity.AgentSecret) error {
	if _, err := n.Load(ctx, groupID); err != nil {
		return err
	}
	invite, err := NewControlledAgent(inviteSecret)
	if err != nil {
		return err
	}
	asInvite, err := n.As(invite)
	if err != nil {
		return err
	}
	g, err := asInvite.Group(groupID)
	if err != nil {
		return err
	}

	inviteRole := g.RoleOf(invite.ID())
	var role Role
	for _, r := range []Role{RoleAdmin, RoleWriter, RoleReader, RoleWriteOnly} {
		if ir, _ := InviteFor(r); ir == inviteRole {
			role = r
		}
	}
	if role == "" {
		return fmt.Errorf("%w: invite holds no invite role in %s", arcerrors.ErrPermission, groupID)
	}

	member := n.actor.ID()
	if current := g.RoleOf(member); current == role || current == RoleAdmin {
		return nil
	}
	if err := g.setChecked(member, string(role)); err != nil {
		return err
	}

	if role == RoleWriteOnly {
		wk, err := n.reg.crypto.NewRandomKeySecret()
		if err != nil {
			return err
		}
		if err := g.revealKeyTo(wk, member); err != nil {
			return err
		}
		return g.setChecked(writeKeyPrefix+member, string(wk.ID))
	}
	key, err := g.CurrentReadKey()
	if err != nil {
		return err
	}
	return g.revealKeyTo(key, member)
}
