package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"llmhub/pkg/agent"
	"llmhub/pkg/config"
	"llmhub/pkg/heartbeat"
	"llmhub/pkg/log"

	"github.com/spf13/cobra"
)

const modelProbeTimeout = 15 * time.Second

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "hub-agent",
	Short:         "Node agent that serves a local Ollama engine to the hub",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Send heartbeats and execute forwarded jobs",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Print the models the local Ollama engine reports",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	config.RegisterAgentFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(modelsCmd)
}

func loadAgentConfig(cmd *cobra.Command) (*agent.Config, error) {
	cfg, err := config.LoadAgent(config.NewAgent(), cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	log.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := loadAgentConfig(cmd)
	if err != nil {
		return err
	}

	sender, closeSender, err := newSender(cfg)
	if err != nil {
		return err
	}
	defer closeSender()

	ollama := agent.NewOllama(cfg.OllamaURL)
	node := agent.New(*cfg, ollama, agent.HostProbe{}, sender)

	addr := cfg.ListenAddr
	if addr == "" {
		addr = net.JoinHostPort("", strconv.Itoa(cfg.Port))
	}
	return agent.NewServer(*cfg, ollama, node).Start(addr)
}

// newSender publishes over NATS when configured and over HTTP otherwise.
func newSender(cfg *agent.Config) (agent.Sender, func(), error) {
	if cfg.NATSURL == "" {
		log.Info().Str("hub_url", cfg.HubURL).Msg("Sending heartbeats over HTTP")
		return agent.NewHTTPSender(cfg.HubURL, cfg.NodeSecret), func() {}, nil
	}

	conn, err := heartbeat.Connect(cfg.NATSURL, "hub-agent-"+cfg.NodeID)
	if err != nil {
		return nil, nil, err
	}

	subject := cfg.NATSSubject
	if subject == "" {
		subject = heartbeat.DefaultSubject
	}
	log.Info().Str("subject", subject).Msg("Sending heartbeats over NATS")
	return heartbeat.NewPublisher(conn, subject, cfg.NodeSecret), conn.Close, nil
}

func runModels(cmd *cobra.Command, _ []string) error {
	cfg, err := loadAgentConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), modelProbeTimeout)
	defer cancel()

	names, err := agent.NewOllama(cfg.OllamaURL).ListModels(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no models installed")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.Join(names, "\n"))
	return nil
}
