package config

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ARCSYNC_GRPC_ADDR.
const EnvPrefix = "ARCSYNC"

// SetCommonDefaults configures the defaults shared by all commands.
func SetCommonDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", Common.DataDir)
	v.SetDefault("server", Common.ServerAddr)
	v.SetDefault("account", Common.Account)
	v.SetDefault("observability.log_level", Common.LogLevel)
	v.SetDefault("observability.log_format", Common.LogFormat)
	v.SetDefault("sync.load_timeout", Common.LoadTimeout)
	v.SetDefault("output", "text")
}

// BindCommonFlags binds the persistent flags every command accepts.
func BindCommonFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()

	f.String("config", "", "config file path")
	f.String("data-dir", "", "data directory (default ~/.arcsync)")
	f.String("server", "", "sync server address (default localhost:50051)")
	f.String("account", "", "account name in the keyring")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")
	f.Duration("timeout", 0, "how long to wait for a CoValue to load")
	f.StringP("output", "o", "", "output format (text, json, markdown)")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("server", f.Lookup("server"))
	_ = v.BindPFlag("account", f.Lookup("account"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("sync.load_timeout", f.Lookup("timeout"))
	_ = v.BindPFlag("output", f.Lookup("output"))
}

// Load points v at the config file, or searches ., ~/.arcsync and
// /etc/arcsync for arcsync.hcl, and enables ARCSYNC_* overrides. A
// missing file is only an error when it was named explicitly.
func Load(v *viper.Viper, configFile string) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("arcsync")
		v.SetConfigType("hcl")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.arcsync")
		v.AddConfigPath("/etc/arcsync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return err
		}
	}
	return nil
}

// LoadInto applies the common defaults, loads v and unmarshals into cfg.
func LoadInto(v *viper.Viper, configFile string, cfg any) error {
	SetCommonDefaults(v)
	if err := Load(v, configFile); err != nil {
		return err
	}
	return v.Unmarshal(cfg)
}
