// Package config loads arcsync settings from flags, ARCSYNC_* environment
// variables and an arcsync.hcl file.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Common contains defaults shared by every arcsync command.
var Common = struct {
	ServerAddr  string
	Account     string
	LogLevel    string
	LogFormat   string
	DataDir     string
	LoadTimeout time.Duration
}{
	ServerAddr:  "localhost:50051",
	Account:     "default",
	LogLevel:    "info",
	LogFormat:   "text",
	DataDir:     DefaultDataDir(),
	LoadTimeout: 10 * time.Second,
}

// DefaultDataDir returns ~/.arcsync, or .arcsync when the home directory
// is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arcsync"
	}
	return filepath.Join(home, ".arcsync")
}

// StartDefaults contains defaults for the sync server.
var StartDefaults = struct {
	ListenAddr     string
	MaxRecvMsgSize int
	MaxSendMsgSize int
	MetricsAddr    string
	Backend        string
	Compression    string
	ServiceName    string
}{
	ListenAddr:     ":50051",
	MaxRecvMsgSize: 16 << 20,
	MaxSendMsgSize: 16 << 20,
	MetricsAddr:    ":9090",
	Backend:        "badger",
	Compression:    "zstd",
	ServiceName:    "arcsync",
}
