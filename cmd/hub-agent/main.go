package main

import (
	_ "embed"
	"os"
	"strings"

	"llmhub/pkg/log"
)

//go:embed VERSION
var Version string

func main() {
	log.SetService("hub-agent")

	rootCmd.Version = strings.TrimSpace(Version)
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
