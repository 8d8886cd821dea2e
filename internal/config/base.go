package config

import (
	"os"
	"path/filepath"
	"time"
)

// BaseConfig holds the settings shared by the client commands (account,
// group, map, load, watch). Config embeds it for the server.
type BaseConfig struct {
	DataDir       string              `mapstructure:"data_dir"`
	Server        string              `mapstructure:"server"`
	Account       string              `mapstructure:"account"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Sync          SyncConfig          `mapstructure:"sync"`
	Output        string              `mapstructure:"output"`
}

// SyncConfig controls peers and loading. Peers are upstream servers
// dialed at startup. Filter is a CEL expression deciding which CoValues
// are pushed to connected clients; empty allows everything.
type SyncConfig struct {
	Peers       []string      `mapstructure:"peers"`
	LoadTimeout time.Duration `mapstructure:"load_timeout"`
	Filter      string        `mapstructure:"filter"`
}

// ResolvedServer returns the server address: config, then ARCSYNC_SERVER,
// then the default.
func (c BaseConfig) ResolvedServer() string {
	if c.Server != "" {
		return c.Server
	}
	if addr := os.Getenv("ARCSYNC_SERVER"); addr != "" {
		return addr
	}
	return Common.ServerAddr
}

// ResolvedDataDir returns the data directory from config or the default.
func (c BaseConfig) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DefaultDataDir()
}

// KeyringDir is where account credentials are kept.
func (c BaseConfig) KeyringDir() string {
	return filepath.Join(c.ResolvedDataDir(), "keyring")
}

// LoadTimeout returns the configured load timeout or the default.
func (c BaseConfig) LoadTimeout() time.Duration {
	if c.Sync.LoadTimeout > 0 {
		return c.Sync.LoadTimeout
	}
	return Common.LoadTimeout
}
