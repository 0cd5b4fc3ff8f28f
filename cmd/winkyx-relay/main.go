// Command winkyx-relay runs the session authentication relay: a small
// TCP server that challenges connecting peers to prove ownership of
// their signing key and then fans signaling traffic out to every other
// authenticated peer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/winkyx/relay"
)

// config holds the relay's runtime settings. Values are applied in
// order: defaults, then the optional YAML file, then flags.
type config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
}

func defaultConfig() *config {
	return &config{
		Listen:   ":9090",
		LogLevel: "info",
	}
}

func (c *config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "winkyx-relay",
		Short: "Session authentication relay for WinkyX peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultConfig()
			if configPath != "" {
				if err := cfg.overlayFile(configPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("listen") {
				cfg.Listen = listen
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			return run(cfg)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.Flags().StringVar(&listen, "listen", ":9090", "address to listen on")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return root
}

func run(cfg *config) error {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	srv, err := relay.NewServer(cfg.Listen, log)
	if err != nil {
		return fmt.Errorf("starting relay: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.WithFields(logrus.Fields{
		"function": "run",
	}).Info("Shutting down")
	return srv.Close()
}
