// Package cmd implements the camproxy command line interface.
package cmd

import (
	"github.com/spf13/cobra"

	"camproxy/internal/config"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "camproxy",
	Short: "Live video proxy for a cloud camera fleet",
	Long: `camproxy bridges a cloud-connected camera fleet and web clients:
it ingests elementary video/audio frames from the cloud driver, transcodes
them through FFmpeg into a live fragmented MP4 stream, fans the stream out
over HTTP, and exposes camera state and commands over a JSON WebSocket API.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ., /etc/camproxy, $HOME/.camproxy)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format: json, text (overrides config)")
}

// loadConfig loads the static configuration with CLI flags taking
// precedence over environment variables and the config file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}
