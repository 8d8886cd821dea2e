package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full configuration of `arcsync start`.
type Config struct {
	BaseConfig `mapstructure:",squash"`

	GRPC    GRPCConfig    `mapstructure:"grpc"`
	Storage StorageConfig `mapstructure:"storage"`
}

// StorageConfig selects the CoValue row backend. Config is passed to the
// backend factory merged over its defaults.
type StorageConfig struct {
	Backend     string            `mapstructure:"backend"`
	Config      map[string]string `mapstructure:"config"`
	Compression string            `mapstructure:"compression"`
}

type GRPCConfig struct {
	Addr             string `mapstructure:"addr"`
	MaxRecvMsgSize   int    `mapstructure:"max_recv_msg_size"`
	MaxSendMsgSize   int    `mapstructure:"max_send_msg_size"`
	EnableReflection bool   `mapstructure:"enable_reflection"`
	// MaxPeers caps concurrent sync streams. Zero means no limit.
	MaxPeers         int    `mapstructure:"max_peers"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

func setDefaults(v *viper.Viper) {
	SetCommonDefaults(v)

	v.SetDefault("grpc.addr", StartDefaults.ListenAddr)
	v.SetDefault("grpc.max_recv_msg_size", StartDefaults.MaxRecvMsgSize)
	v.SetDefault("grpc.max_send_msg_size", StartDefaults.MaxSendMsgSize)
	v.SetDefault("grpc.enable_reflection", false)
	v.SetDefault("grpc.max_peers", 0)

	v.SetDefault("observability.metrics_addr", StartDefaults.MetricsAddr)
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", StartDefaults.ServiceName)
	v.SetDefault("observability.service_version", "dev")

	v.SetDefault("storage.backend", StartDefaults.Backend)
	v.SetDefault("storage.compression", StartDefaults.Compression)

	v.SetDefault("sync.peers", []string{})
	v.SetDefault("sync.filter", "")
}

// BindStartFlags binds the flags of the start command.
func BindStartFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("addr", "", "gRPC listen address")
	f.String("metrics-addr", "", "metrics HTTP listen address")
	f.Bool("reflection", false, "enable gRPC reflection")
	f.Int("max-peers", 0, "maximum concurrent sync streams (0 for no limit)")
	f.String("storage", "", "storage backend (badger, memory, sqlite, redis, s3)")
	f.String("compression", "", "row compression (none, lz4, zstd)")
	f.StringSlice("peer", nil, "upstream server to sync with (repeatable)")
	f.String("filter", "", "CEL expression selecting CoValues pushed to clients")

	_ = v.BindPFlag("grpc.addr", f.Lookup("addr"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("grpc.enable_reflection", f.Lookup("reflection"))
	_ = v.BindPFlag("grpc.max_peers", f.Lookup("max-peers"))
	_ = v.BindPFlag("storage.backend", f.Lookup("storage"))
	_ = v.BindPFlag("storage.compression", f.Lookup("compression"))
	_ = v.BindPFlag("sync.peers", f.Lookup("peer"))
	_ = v.BindPFlag("sync.filter", f.Lookup("filter"))
}

// LoadStart reads the start configuration from flags, env and file.
func LoadStart(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)
	if err := Load(v, configFile); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	if c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr: must not be empty")
	}
	if c.GRPC.MaxRecvMsgSize <= 0 || c.GRPC.MaxSendMsgSize <= 0 {
		return fmt.Errorf("grpc: message size limits must be positive")
	}
	if c.GRPC.MaxPeers < 0 {
		return fmt.Errorf("grpc.max_peers: must not be negative")
	}
	if c.Storage.Backend == "" {
		return fmt.Errorf("storage.backend: must not be empty")
	}
	switch c.Storage.Compression {
	case "", "none", "lz4", "zstd":
	default:
		return fmt.Errorf("storage.compression: unknown %q", c.Storage.Compression)
	}
	return nil
}
