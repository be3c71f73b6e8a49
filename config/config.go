// Package config resolves the daemon configuration from defaults, an
// optional config file, BWS_-prefixed environment variables and
// command-line flags, in increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dan/bws/wallet"
)

// Keys understood by the loader. Environment variables carry the BWS_
// prefix with dots and dashes mapped to underscores, so listen-addr becomes
// BWS_LISTEN_ADDR and explorer.livenet.url becomes BWS_EXPLORER_LIVENET_URL.
const (
	KeyListenAddr      = "listen-addr"
	KeyBasePath        = "base-path"
	KeyDataDir         = "data-dir"
	KeyLogLevel        = "log-level"
	KeyLogFile         = "log-file"
	KeyPushURL         = "push-url"
	KeyNetworks        = "networks"
	KeyExplorerTimeout = "explorer-timeout"
)

const envPrefix = "bws"

// Explorer points one network at its Insight deployment.
type Explorer struct {
	URL       string
	SocketURL string
}

// Config is the typed daemon configuration.
type Config struct {
	ListenAddr      string
	BasePath        string
	DataDir         string
	LogLevel        string
	LogFile         string
	PushURL         string
	Networks        []string
	Explorers       map[string]Explorer
	ExplorerTimeout time.Duration
}

func defaultNetworks() []string {
	return []string{wallet.NetworkLivenet, wallet.NetworkTestnet}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyListenAddr, ":3232")
	v.SetDefault(KeyBasePath, "/bws/api")
	v.SetDefault(KeyDataDir, "bws-data")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyNetworks, defaultNetworks())
	v.SetDefault(KeyExplorerTimeout, 30*time.Second)
	v.SetDefault("explorer.livenet.url", "https://insight.bitpay.com/api")
	v.SetDefault("explorer.livenet.socket-url", "wss://insight.bitpay.com/socket")
	v.SetDefault("explorer.testnet.url", "https://test-insight.bitpay.com/api")
	v.SetDefault("explorer.testnet.socket-url", "wss://test-insight.bitpay.com/socket")
}

// AddFlags registers the daemon flags. Flag names match the config keys,
// so flag values bind 1:1 into the loader.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(KeyListenAddr, ":3232", "address the HTTP API listens on")
	fs.String(KeyBasePath, "/bws/api", "base path the API is mounted under")
	fs.String(KeyDataDir, "bws-data", "directory for the wallet database")
	fs.String(KeyLogLevel, "info", "log level (trace, debug, info, warn, error)")
	fs.String(KeyLogFile, "", "log to this rotated file instead of stderr")
	fs.String(KeyPushURL, "", "push server base url; empty disables push delivery")
	fs.StringSlice(KeyNetworks, defaultNetworks(), "networks to serve")
	fs.Duration(KeyExplorerTimeout, 30*time.Second, "per-request explorer timeout")
}

// Load resolves the configuration. file and flags may both be empty.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		ListenAddr:      v.GetString(KeyListenAddr),
		BasePath:        v.GetString(KeyBasePath),
		DataDir:         v.GetString(KeyDataDir),
		LogLevel:        v.GetString(KeyLogLevel),
		LogFile:         v.GetString(KeyLogFile),
		PushURL:         v.GetString(KeyPushURL),
		Networks:        v.GetStringSlice(KeyNetworks),
		ExplorerTimeout: v.GetDuration(KeyExplorerTimeout),
		Explorers:       make(map[string]Explorer),
	}
	for _, network := range cfg.Networks {
		cfg.Explorers[network] = Explorer{
			URL:       v.GetString("explorer." + network + ".url"),
			SocketURL: v.GetString("explorer." + network + ".socket-url"),
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is empty")
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if len(c.Networks) == 0 {
		return fmt.Errorf("no networks configured")
	}
	for _, network := range c.Networks {
		if !wallet.ValidNetwork(network) {
			return fmt.Errorf("unknown network %q", network)
		}
		if c.Explorers[network].URL == "" {
			return fmt.Errorf("network %s has no explorer url", network)
		}
	}
	return nil
}
