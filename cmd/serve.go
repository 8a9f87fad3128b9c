package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatflow/pkg/channel"
	"chatflow/pkg/channel/telegram"
	"chatflow/pkg/config"
	"chatflow/pkg/gateway"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot on its configured channels",
	Long:  "Runs chatflow as a gateway: channel adapters feed the dispatcher, replies are delivered back, and health and readiness endpoints are served.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		closeLog, err := setupLogging(cfg)
		if err != nil {
			return err
		}
		defer closeLog()
		log := slog.Default().With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		adapters, err := enabledAdapters(cfg, log)
		if err != nil {
			return err
		}

		eng, err := buildEngine(runCtx, cfg, slog.Default())
		if err != nil {
			return err
		}
		defer eng.Close()

		svc, err := gateway.NewService(cfg, eng.bus, eng.dispatcher, adapters, slog.Default())
		if err != nil {
			return fmt.Errorf("initialize gateway service: %w", err)
		}

		log.Info("Gateway started", "bot", cfg.Bot.Name, "channels", enabledChannelNames(adapters), "routes", eng.routes, "store", cfg.Store.Backend)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}

		log.Info("Gateway stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 1)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure telegram channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
