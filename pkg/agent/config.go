// Package agent runs on a worker node: it reports the node to the hub and
// executes forwarded jobs against the local Ollama engine.
package agent

import "time"

// Defaults for agent settings.
const (
	DefaultPort              = 8000
	DefaultOllamaURL         = "http://localhost:11434"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultExecuteTimeout    = 10 * time.Minute
)

// Config holds the agent settings.
type Config struct {
	HubURL            string        `mapstructure:"hub_url"`
	NodeID            string        `mapstructure:"node_id"`
	ListenAddr        string        `mapstructure:"listen_addr"`
	Port              int           `mapstructure:"port"`
	OllamaURL         string        `mapstructure:"ollama_url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ExecuteTimeout    time.Duration `mapstructure:"execute_timeout"`
	TunnelURL         string        `mapstructure:"tunnel_url"`
	IPv4              string        `mapstructure:"ipv4"`
	IPv6              string        `mapstructure:"ipv6"`
	NodeSecret        string        `mapstructure:"node_secret"`
	NATSURL           string        `mapstructure:"nats_url"`
	NATSSubject       string        `mapstructure:"nats_subject"`
	LogLevel          string        `mapstructure:"log_level"`
}
