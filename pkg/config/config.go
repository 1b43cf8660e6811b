package config

// Package config provides a reusable loader for docunet configuration files
// and environment variables. It mirrors the structure of the YAML files under
// cmd/config.

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"docunet-network/pkg/utils"
)

// Config is the unified configuration of a docunet peer.
type Config struct {
	Network struct {
		PeerID     string   `mapstructure:"peer_id" json:"peer_id"`
		Peers      []string `mapstructure:"peers" json:"peers"`
		PeerAddrs  []string `mapstructure:"peer_addrs" json:"peer_addrs"`
		ListenAddr string   `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		CacheSize     int `mapstructure:"cache_size" json:"cache_size"`
		SkipTimeoutMS int `mapstructure:"skip_timeout_ms" json:"skip_timeout_ms"`
	} `mapstructure:"consensus" json:"consensus"`

	Storage struct {
		Backend string `mapstructure:"backend" json:"backend"` // "memory" | "log"
		DBPath  string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	HTTP struct {
		Addr string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"http" json:"http"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled" json:"enabled"`
	} `mapstructure:"metrics" json:"metrics"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges environment specific overrides.
// If env is empty, only the default configuration is loaded. Environment
// variables prefixed DOCUNET_ override file values.
func Load(env string, paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("default")
	if len(paths) == 0 {
		paths = []string{"cmd/config", "config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	v.SetEnvPrefix("DOCUNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the DOCUNET_ENV environment variable.
func LoadFromEnv(paths ...string) (*Config, error) {
	return Load(utils.EnvOrDefault("DOCUNET_ENV", ""), paths...)
}

func applyDefaults(c *Config) {
	if c.Consensus.CacheSize == 0 {
		c.Consensus.CacheSize = 1024
	}
	if c.Consensus.SkipTimeoutMS == 0 {
		c.Consensus.SkipTimeoutMS = 5000
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8420"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
