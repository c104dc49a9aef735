// Package config loads gateway and agent settings from a YAML file,
// HUB_ environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. HUB_HEARTBEAT_TTL.
const EnvPrefix = "HUB"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Cloud configures the cloud fallback provider.
type Cloud struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	SiteURL         string        `mapstructure:"site_url"`
	SiteName        string        `mapstructure:"site_name"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryMax        int           `mapstructure:"retry_max"`
	CostPer1KTokens float64       `mapstructure:"cost_per_1k_tokens"`
}

// Config holds the gateway settings.
type Config struct {
	ListenAddr         string        `mapstructure:"listen_addr"`
	LogLevel           string        `mapstructure:"log_level"`
	LogJSON            bool          `mapstructure:"log_json"`
	HeartbeatTTL       time.Duration `mapstructure:"heartbeat_ttl"`
	HeartbeatOffline   time.Duration `mapstructure:"heartbeat_offline"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	NodeMaxFailures    int           `mapstructure:"node_max_failures"`
	NodeRequestTimeout time.Duration `mapstructure:"node_request_timeout"`
	AllowDegraded      bool          `mapstructure:"allow_degraded"`
	RequestLogCapacity int           `mapstructure:"request_log_capacity"`
	NodeSecret         string        `mapstructure:"node_secret"`
	AdminKey           string        `mapstructure:"admin_key"`
	DBPath             string        `mapstructure:"db_path"`
	CallersFile        string        `mapstructure:"callers_file"`
	RedisURL           string        `mapstructure:"redis_url"`
	NATSURL            string        `mapstructure:"nats_url"`
	NATSSubject        string        `mapstructure:"nats_subject"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	Cloud              Cloud         `mapstructure:"cloud"`
}

// SetDefaults registers the gateway defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("heartbeat_ttl", 90*time.Second)
	v.SetDefault("heartbeat_offline", 180*time.Second)
	v.SetDefault("sweep_interval", 5*time.Second)
	v.SetDefault("node_max_failures", 3)
	v.SetDefault("node_request_timeout", 120*time.Second)
	v.SetDefault("allow_degraded", false)
	v.SetDefault("request_log_capacity", 1000)
	v.SetDefault("node_secret", "")
	v.SetDefault("admin_key", "")
	v.SetDefault("db_path", "data/hub.sqlite")
	v.SetDefault("callers_file", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject", "hub.nodes.heartbeat")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("cloud.base_url", "https://openrouter.ai/api")
	v.SetDefault("cloud.api_key", "")
	v.SetDefault("cloud.site_url", "")
	v.SetDefault("cloud.site_name", "")
	v.SetDefault("cloud.timeout", 60*time.Second)
	v.SetDefault("cloud.retry_max", 2)
	v.SetDefault("cloud.cost_per_1k_tokens", 0.0)
}

// RegisterFlags adds the command-line overrides for the most used gateway keys.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("listen-addr", ":8000", "address to listen on")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "log JSON instead of console output")
	flags.String("db-path", "data/hub.sqlite", "SQLite database path")
	flags.String("callers-file", "", "YAML file of callers to import on start")
	flags.String("redis-url", "", "Redis URL for rate counters (empty keeps them in memory)")
	flags.String("nats-url", "", "NATS URL for heartbeats (empty accepts HTTP heartbeats only)")
	flags.Bool("allow-degraded", false, "use degraded nodes as a last resort")
}

// New creates a viper instance with gateway defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	bindEnv(v)
	return v
}

// Load reads the optional config file at path, binds flags and decodes the result.
// Flag names use dashes where keys use underscores.
func Load(v *viper.Viper, path string, flags *pflag.FlagSet) (*Config, error) {
	if err := readFile(v, path); err != nil {
		return nil, err
	}
	if err := bindFlags(v, flags); err != nil {
		return nil, err
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.HeartbeatTTL <= 0:
		return fmt.Errorf("%w: heartbeat_ttl must be positive", ErrInvalidConfig)
	case c.HeartbeatTTL >= c.HeartbeatOffline:
		return fmt.Errorf("%w: heartbeat_ttl (%s) must be below heartbeat_offline (%s)",
			ErrInvalidConfig, c.HeartbeatTTL, c.HeartbeatOffline)
	case c.SweepInterval <= 0:
		return fmt.Errorf("%w: sweep_interval must be positive", ErrInvalidConfig)
	case c.NodeRequestTimeout <= 0:
		return fmt.Errorf("%w: node_request_timeout must be positive", ErrInvalidConfig)
	case c.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: shutdown_timeout must be positive", ErrInvalidConfig)
	case c.Cloud.Timeout <= 0:
		return fmt.Errorf("%w: cloud.timeout must be positive", ErrInvalidConfig)
	case c.NodeMaxFailures < 1:
		return fmt.Errorf("%w: node_max_failures must be at least 1", ErrInvalidConfig)
	case c.RequestLogCapacity < 1:
		return fmt.Errorf("%w: request_log_capacity must be at least 1", ErrInvalidConfig)
	case c.Cloud.RetryMax < 0:
		return fmt.Errorf("%w: cloud.retry_max must not be negative", ErrInvalidConfig)
	}
	return nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func readFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil || f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}
