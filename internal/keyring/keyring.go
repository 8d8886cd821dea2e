// Package keyring stores account credentials on disk: the agent seed
// that signs for an account, its account ID and human aliases.
package keyring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
	"github.com/gezibash/arc-sync/pkg/identity"
)

// DefaultAlias names the account used when none is given.
const DefaultAlias = "default"

var (
	ErrNotFound      = fmt.Errorf("account %w", arcerrors.ErrNotFound)
	ErrAliasNotFound = fmt.Errorf("alias %w", arcerrors.ErrNotFound)
	ErrAlreadyExists = fmt.Errorf("account %w", arcerrors.ErrAlreadyExists)
	ErrNoDefault     = errors.New("no default account set")
)

// Keyring is a directory of account credentials.
type Keyring struct {
	dir string
}

// Account is a stored account with its credentials.
type Account struct {
	Controlled *covalue.ControlledAccount
	Metadata   *Metadata
}

// ID returns the account's CoValue ID.
func (a *Account) ID() covalue.CoID { return a.Controlled.AccountID() }

// Metadata is kept beside each account's secret.
type Metadata struct {
	AccountID covalue.CoID     `json:"account_id"`
	AgentID   identity.AgentID `json:"agent_id"`
	Name      string           `json:"name,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// AccountInfo summarizes an account for listing.
type AccountInfo struct {
	AccountID covalue.CoID     `json:"account_id"`
	AgentID   identity.AgentID `json:"agent_id"`
	Name      string           `json:"name,omitempty"`
	Aliases   []string         `json:"aliases,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	IsDefault bool             `json:"is_default"`
}

// New returns a keyring rooted at dir. The directory is created on the
// first write.
func New(dir string) *Keyring {
	return &Keyring{dir: dir}
}

// Save stores acct under alias. The first account saved becomes the
// default.
func (kr *Keyring) Save(_ context.Context, acct *covalue.ControlledAccount, alias, name string) (*Account, error) {
	id := acct.AccountID()
	if !covalue.IsCoID(string(id)) {
		return nil, fmt.Errorf("%w: account ID %q", arcerrors.ErrInvalidInput, id)
	}
	if kr.accountExists(id) {
		return nil, ErrAlreadyExists
	}

	meta := &Metadata{
		AccountID: id,
		AgentID:   acct.AgentID(),
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := kr.saveAccount(acct.AgentSecret(), meta); err != nil {
		return nil, err
	}

	if alias != "" {
		if err := kr.SetAlias(alias, string(id)); err != nil {
			_ = kr.deleteAccountFiles(id)
			return nil, err
		}
		if _, err := kr.defaultAlias(); errors.Is(err, ErrNoDefault) {
			if err := kr.SetDefault(alias); err != nil {
				return nil, err
			}
		}
	}
	return &Account{Controlled: acct, Metadata: meta}, nil
}

// Load returns the account named by alias or account ID.
func (kr *Keyring) Load(_ context.Context, nameOrID string) (*Account, error) {
	id, err := kr.resolve(nameOrID)
	if err != nil {
		return nil, err
	}
	secret, meta, err := kr.loadAccount(id)
	if err != nil {
		return nil, err
	}
	acct, err := covalue.NewControlledAccount(id, secret)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", id, err)
	}
	return &Account{Controlled: acct, Metadata: meta}, nil
}

// LoadDefault returns the default account.
func (kr *Keyring) LoadDefault(ctx context.Context) (*Account, error) {
	alias, err := kr.defaultAlias()
	if err != nil {
		return nil, err
	}
	return kr.Load(ctx, alias)
}

// List returns every stored account.
func (kr *Keyring) List(_ context.Context) ([]*AccountInfo, error) {
	kf, err := kr.loadKeyringFile()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	aliases := map[covalue.CoID][]string{}
	var defaultID covalue.CoID
	if kf != nil {
		for alias, id := range kf.Aliases {
			aliases[id] = append(aliases[id], alias)
		}
		defaultID = kf.Aliases[kf.Default]
	}

	ids, err := kr.listAccountFiles()
	if err != nil {
		return nil, err
	}
	infos := make([]*AccountInfo, 0, len(ids))
	for _, id := range ids {
		_, meta, err := kr.loadAccount(id)
		if err != nil {
			continue
		}
		infos = append(infos, &AccountInfo{
			AccountID: id,
			AgentID:   meta.AgentID,
			Name:      meta.Name,
			Aliases:   aliases[id],
			CreatedAt: meta.CreatedAt,
			IsDefault: id == defaultID,
		})
	}
	return infos, nil
}

// Delete removes an account and every alias pointing at it.
func (kr *Keyring) Delete(_ context.Context, nameOrID string) error {
	id, err := kr.resolve(nameOrID)
	if err != nil {
		return err
	}

	kf, err := kr.loadKeyringFile()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if kf != nil {
		changed := false
		for alias, target := range kf.Aliases {
			if target == id {
				delete(kf.Aliases, alias)
				changed = true
				if kf.Default == alias {
					kf.Default = ""
				}
			}
		}
		if changed {
			if err := kr.saveKeyringFile(kf); err != nil {
				return err
			}
		}
	}
	return kr.deleteAccountFiles(id)
}

// SetAlias points alias at an existing account.
func (kr *Keyring) SetAlias(alias, accountID string) error {
	id := covalue.CoID(strings.TrimSpace(accountID))
	if !kr.accountExists(id) {
		return ErrNotFound
	}
	kf, err := kr.loadOrNewKeyringFile()
	if err != nil {
		return err
	}
	kf.Aliases[alias] = id
	return kr.saveKeyringFile(kf)
}

// SetDefault makes alias the default account.
func (kr *Keyring) SetDefault(alias string) error {
	kf, err := kr.loadOrNewKeyringFile()
	if err != nil {
		return err
	}
	if _, ok := kf.Aliases[alias]; !ok {
		return ErrAliasNotFound
	}
	kf.Default = alias
	return kr.saveKeyringFile(kf)
}

func (kr *Keyring) defaultAlias() (string, error) {
	kf, err := kr.loadKeyringFile()
	if errors.Is(err, ErrNotFound) {
		return "", ErrNoDefault
	}
	if err != nil {
		return "", err
	}
	if kf.Default == "" {
		return "", ErrNoDefault
	}
	return kf.Default, nil
}

// resolve maps an alias or account ID to a stored account ID.
func (kr *Keyring) resolve(nameOrID string) (covalue.CoID, error) {
	nameOrID = strings.TrimSpace(nameOrID)
	if covalue.IsCoID(nameOrID) {
		if id := covalue.CoID(nameOrID); kr.accountExists(id) {
			return id, nil
		}
		return "", ErrNotFound
	}

	kf, err := kr.loadKeyringFile()
	if errors.Is(err, ErrNotFound) {
		return "", ErrAliasNotFound
	}
	if err != nil {
		return "", err
	}
	id, ok := kf.Aliases[nameOrID]
	if !ok {
		return "", ErrAliasNotFound
	}
	if !kr.accountExists(id) {
		return "", ErrNotFound
	}
	return id, nil
}
