package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/meshmeet/internal/config"
	"github.com/vovakirdan/meshmeet/internal/log"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "meshmeet",
		Short:         "Meeting mesh relay and session tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newSessionCmd(opts))
	return cmd
}

// loadConfig resolves configuration and builds the logger for one
// command run.
func (o *rootOptions) loadConfig() (*config.Config, *zerolog.Logger, error) {
	boot := log.New("info")
	cfg, path, err := config.Load(boot, o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	logger := log.New(cfg.LogLevel)
	if path != "" {
		logger.Debug().Str("config", path).Msg("configuration loaded")
	}
	return &cfg, logger, nil
}
