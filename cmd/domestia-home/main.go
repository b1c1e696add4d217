// Domestia-home bridges a Domestia lighting controller to Home Assistant
// (MQTT discovery), a JSON/WebSocket API and Lua automations.
//
// Usage:
//
//	domestia-home [command] [--config config.yaml]
//
// Running without a command starts the bridge.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "domestia-home",
	Short: "Domestia controller bridge",
	Long: `Bridge for Domestia lighting controllers reachable over UDP.

Polls the controller, exposes its relays, dimmers and shutters over MQTT
(Home Assistant discovery), an HTTP/WebSocket API and Lua automations.

If no command is specified, the bridge is started.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to the YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("domestia-home %s\n", version)
	},
}

// setup loads and validates the config and installs the configured logger.
func setup() (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
