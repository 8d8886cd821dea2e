package covalue

import (
	"fmt"

	"github.com/gezibash/arc-sync/pkg/identity"
)

// Actor is the identity a Node writes as. ID is the session owner and
// group member key; the agent signs and unseals on its behalf.
type Actor interface {
	ID() string
	AgentID() identity.AgentID
	AgentSecret() identity.AgentSecret
}

// ControlledAgent acts directly as an agent.
type ControlledAgent struct {
	secret identity.AgentSecret
	id     identity.AgentID
}

// NewControlledAgent wraps an agent secret.
func NewControlledAgent(secret identity.AgentSecret) (*ControlledAgent, error) {
	kp, err := identity.FromSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("controlled agent: %w", err)
	}
	return &ControlledAgent{secret: secret, id: kp.ID()}, nil
}

func (a *ControlledAgent) ID() string                        { return string(a.id) }
func (a *ControlledAgent) AgentID() identity.AgentID         { return a.id }
func (a *ControlledAgent) AgentSecret() identity.AgentSecret { return a.secret }

// ControlledAccount acts as an account, signing with the account's agent.
type ControlledAccount struct {
	accountID CoID
	agent     *ControlledAgent
}

// NewControlledAccount binds an account ID to the agent secret that
// administers it.
func NewControlledAccount(accountID CoID, secret identity.AgentSecret) (*ControlledAccount, error) {
	agent, err := NewControlledAgent(secret)
	if err != nil {
		return nil, err
	}
	return &ControlledAccount{accountID: accountID, agent: agent}, nil
}

func (a *ControlledAccount) ID() string                        { return string(a.accountID) }
func (a *ControlledAccount) AccountID() CoID                   { return a.accountID }
func (a *ControlledAccount) AgentID() identity.AgentID         { return a.agent.id }
func (a *ControlledAccount) AgentSecret() identity.AgentSecret { return a.agent.secret }
