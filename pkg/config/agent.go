package config

import (
	"fmt"
	"os"
	"strings"

	"llmhub/pkg/agent"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// AgentEnvPrefix prefixes agent environment variables, e.g. HUB_AGENT_NODE_ID.
const AgentEnvPrefix = "HUB_AGENT"

// NewAgent creates a viper instance with agent defaults and environment binding.
func NewAgent() *viper.Viper {
	v := viper.New()

	hostname, _ := os.Hostname()
	v.SetDefault("hub_url", "http://localhost:8000")
	v.SetDefault("node_id", hostname)
	v.SetDefault("listen_addr", "")
	v.SetDefault("port", agent.DefaultPort)
	v.SetDefault("ollama_url", agent.DefaultOllamaURL)
	v.SetDefault("heartbeat_interval", agent.DefaultHeartbeatInterval)
	v.SetDefault("execute_timeout", agent.DefaultExecuteTimeout)
	v.SetDefault("tunnel_url", "")
	v.SetDefault("ipv4", "")
	v.SetDefault("ipv6", "")
	v.SetDefault("node_secret", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_subject", "hub.nodes.heartbeat")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix(AgentEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// RegisterAgentFlags adds the agent command-line overrides.
func RegisterAgentFlags(flags *pflag.FlagSet) {
	flags.String("hub-url", "http://localhost:8000", "hub base URL")
	flags.String("node-id", "", "node id reported to the hub (defaults to the hostname)")
	flags.Int("port", agent.DefaultPort, "port the agent listens on")
	flags.String("ollama-url", agent.DefaultOllamaURL, "local Ollama URL")
	flags.Duration("heartbeat-interval", agent.DefaultHeartbeatInterval, "time between heartbeats")
	flags.String("tunnel-url", "", "public tunnel URL of this node")
	flags.String("nats-url", "", "send heartbeats over NATS instead of HTTP")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
}

// LoadAgent reads the optional config file at path, binds flags and decodes the agent settings.
func LoadAgent(v *viper.Viper, path string, flags *pflag.FlagSet) (*agent.Config, error) {
	if err := readFile(v, path); err != nil {
		return nil, err
	}
	if err := bindFlags(v, flags); err != nil {
		return nil, err
	}

	var c agent.Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	switch {
	case c.NodeID == "":
		return nil, fmt.Errorf("%w: node_id is required", ErrInvalidConfig)
	case c.Port < 1 || c.Port > 65535:
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	case c.HeartbeatInterval <= 0:
		return nil, fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalidConfig)
	case c.HubURL == "" && c.NATSURL == "":
		return nil, fmt.Errorf("%w: hub_url or nats_url is required", ErrInvalidConfig)
	}
	return &c, nil
}
