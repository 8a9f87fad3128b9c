// Package cmd holds the chatflow command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"chatflow/pkg/config"
	"chatflow/pkg/logger"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "chatflow",
	Short:         "Declarative event routing for chat bots",
	Long:          "Runs a chat bot whose replies are chosen by declarative routes over phrases, conversation state, attachments and FAQ similarity.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chatflow: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: $CHATFLOW_CONFIG, ./config.json, ./config/config.json)")
}

// loadConfig prefers --config over the default lookup.
func loadConfig() (*config.Config, error) {
	if path := strings.TrimSpace(configPath); path != "" {
		return config.LoadFile(path)
	}

	return config.LoadConfig()
}

// setupLogging installs the configured logger as the slog default.
func setupLogging(cfg *config.Config) (func() error, error) {
	appLogger, closeLog, err := logger.Open(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return closeLog, nil
}
