package keyring

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gezibash/arc-sync/pkg/covalue"
	"github.com/gezibash/arc-sync/pkg/identity"
)

type keyringFile struct {
	Version int                     `json:"version"`
	Default string                  `json:"default,omitempty"`
	Aliases map[string]covalue.CoID `json:"aliases"`
}

func (kr *Keyring) accountsDir() string {
	return filepath.Join(kr.dir, "accounts")
}

func (kr *Keyring) keyringFilePath() string {
	return filepath.Join(kr.dir, "keyring.json")
}

func (kr *Keyring) secretPath(id covalue.CoID) string {
	return filepath.Join(kr.accountsDir(), string(id)+".secret")
}

func (kr *Keyring) metaPath(id covalue.CoID) string {
	return filepath.Join(kr.accountsDir(), string(id)+".json")
}

func (kr *Keyring) accountExists(id covalue.CoID) bool {
	if !covalue.IsCoID(string(id)) {
		return false
	}
	_, err := os.Stat(kr.secretPath(id))
	return err == nil
}

func (kr *Keyring) saveAccount(secret identity.AgentSecret, meta *Metadata) error {
	if err := os.MkdirAll(kr.accountsDir(), 0o700); err != nil {
		return fmt.Errorf("create accounts directory: %w", err)
	}

	secretPath := kr.secretPath(meta.AccountID)
	if err := os.WriteFile(secretPath, []byte(secret), 0o600); err != nil {
		return fmt.Errorf("write secret file: %w", err)
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(secretPath)
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(kr.metaPath(meta.AccountID), metaJSON, 0o600); err != nil {
		_ = os.Remove(secretPath)
		return fmt.Errorf("write metadata file: %w", err)
	}
	return nil
}

func (kr *Keyring) loadAccount(id covalue.CoID) (identity.AgentSecret, *Metadata, error) {
	data, err := os.ReadFile(kr.secretPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("read secret file: %w", err)
	}
	secret := identity.AgentSecret(strings.TrimSpace(string(data)))
	kp, err := identity.FromSecret(secret)
	if err != nil {
		return "", nil, fmt.Errorf("decode secret: %w", err)
	}

	meta := &Metadata{AccountID: id, AgentID: kp.ID()}
	metaJSON, err := os.ReadFile(kr.metaPath(id))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return "", nil, fmt.Errorf("read metadata file: %w", err)
	default:
		if err := json.Unmarshal(metaJSON, meta); err != nil {
			return "", nil, fmt.Errorf("parse metadata: %w", err)
		}
	}
	if meta.AgentID != kp.ID() {
		return "", nil, fmt.Errorf("account %s: metadata agent %s does not match secret", id, meta.AgentID)
	}
	return secret, meta, nil
}

func (kr *Keyring) deleteAccountFiles(id covalue.CoID) error {
	if err := os.Remove(kr.secretPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete secret file: %w", err)
	}
	_ = os.Remove(kr.metaPath(id))
	return nil
}

func (kr *Keyring) listAccountFiles() ([]covalue.CoID, error) {
	entries, err := os.ReadDir(kr.accountsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read accounts directory: %w", err)
	}

	var ids []covalue.CoID
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".secret")
		if entry.IsDir() || !ok || !covalue.IsCoID(name) {
			continue
		}
		ids = append(ids, covalue.CoID(name))
	}
	return ids, nil
}

func (kr *Keyring) loadKeyringFile() (*keyringFile, error) {
	data, err := os.ReadFile(kr.keyringFilePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read keyring file: %w", err)
	}

	kf := &keyringFile{}
	if err := json.Unmarshal(data, kf); err != nil {
		return nil, fmt.Errorf("parse keyring file: %w", err)
	}
	if kf.Aliases == nil {
		kf.Aliases = make(map[string]covalue.CoID)
	}
	return kf, nil
}

func (kr *Keyring) loadOrNewKeyringFile() (*keyringFile, error) {
	kf, err := kr.loadKeyringFile()
	if errors.Is(err, ErrNotFound) {
		return &keyringFile{Version: 1, Aliases: make(map[string]covalue.CoID)}, nil
	}
	return kf, err
}

func (kr *Keyring) saveKeyringFile(kf *keyringFile) error {
	if err := os.MkdirAll(kr.dir, 0o700); err != nil {
		return fmt.Errorf("create keyring directory: %w", err)
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keyring file: %w", err)
	}
	if err := os.WriteFile(kr.keyringFilePath(), data, 0o600); err != nil {
		return fmt.Errorf("write keyring file: %w", err)
	}
	return nil
}
