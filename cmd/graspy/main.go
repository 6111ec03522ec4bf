package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tosinamuda/graspy-natlas/internal/config"
)

const rootLongDesc = `graspy is the gateway and command line client for the Graspy study API.

"graspy serve" runs the gateway: it proxies /api to the study API, records
streamed topic generation, and serves the access gate and chat sidebar.
The other commands talk to the study API directly.`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string
	cfg := &config.Config{}

	cmd := &cobra.Command{
		Use:          "graspy",
		Short:        "Graspy gateway and study client",
		Long:         rootLongDesc,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			*cfg = *loaded
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			setupLogging(cfg.LogLevel)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(cfg),
		newSubjectsCmd(cfg),
		newTopicCmd(cfg),
		newChatCmd(cfg),
	)
	return cmd
}

func setupLogging(levelName string) {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}
