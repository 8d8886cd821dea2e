package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestBaseConfigResolvedServer(t *testing.T) {
	t.Run("config value", func(t *testing.T) {
		t.Setenv("ARCSYNC_SERVER", "env:50051")
		cfg := BaseConfig{Server: "sync.example.com:50051"}
		if got := cfg.ResolvedServer(); got != "sync.example.com:50051" {
			t.Errorf("ResolvedServer() = %q", got)
		}
	})

	t.Run("env fallback", func(t *testing.T) {
		t.Setenv("ARCSYNC_SERVER", "env:50051")
		if got := (BaseConfig{}).ResolvedServer(); got != "env:50051" {
			t.Errorf("ResolvedServer() = %q, want env:50051", got)
		}
	})

	t.Run("default", func(t *testing.T) {
		t.Setenv("ARCSYNC_SERVER", "")
		if got := (BaseConfig{}).ResolvedServer(); got != Common.ServerAddr {
			t.Errorf("ResolvedServer() = %q, want %q", got, Common.ServerAddr)
		}
	})
}

func TestBaseConfigDirs(t *testing.T) {
	cfg := BaseConfig{DataDir: "/var/lib/arcsync"}
	if got := cfg.ResolvedDataDir(); got != "/var/lib/arcsync" {
		t.Errorf("ResolvedDataDir() = %q", got)
	}
	if got := cfg.KeyringDir(); got != filepath.Join("/var/lib/arcsync", "keyring") {
		t.Errorf("KeyringDir() = %q", got)
	}
	if got := (BaseConfig{}).ResolvedDataDir(); got != DefaultDataDir() {
		t.Errorf("default ResolvedDataDir() = %q", got)
	}
	if filepath.Base(DefaultDataDir()) != ".arcsync" {
		t.Errorf("DefaultDataDir() = %q, want a .arcsync directory", DefaultDataDir())
	}
}

func TestBaseConfigLoadTimeout(t *testing.T) {
	if got := (BaseConfig{}).LoadTimeout(); got != Common.LoadTimeout {
		t.Errorf("default LoadTimeout() = %v", got)
	}
	cfg := BaseConfig{Sync: SyncConfig{LoadTimeout: 3 * time.Second}}
	if got := cfg.LoadTimeout(); got != 3*time.Second {
		t.Errorf("LoadTimeout() = %v, want 3s", got)
	}
}
