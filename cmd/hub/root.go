package main

import (
	"os"

	"llmhub/pkg/config"
	"llmhub/pkg/log"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "hub",
	Short:         "Gateway routing LLM jobs to a fleet of Ollama nodes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(callersCmd)
}

// loadConfig reads settings for cmd and applies the logging options.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(config.New(), cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	if cfg.LogJSON {
		log.SetJSONOutput(os.Stderr)
	}
	log.SetLevel(cfg.LogLevel)
	return cfg, nil
}
