package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"chatflow/pkg/bus"
	"chatflow/pkg/channel"
	consolechannel "chatflow/pkg/channel/console"
	"chatflow/pkg/config"
	"chatflow/pkg/gateway"
	"chatflow/pkg/logger"
	consoleui "chatflow/pkg/ui/console"

	"github.com/spf13/cobra"
)

const defaultConsoleUser = "console"

var consoleUserID string

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Chat with the bot in the terminal",
	Long:  "Runs the configured routes against a local console channel. Conversation state is persisted like any other user; lines starting with ! are sent as button presses.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log, closeLog, err := consoleLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer closeLog()
		slog.SetDefault(log)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		eng, err := buildEngine(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer eng.Close()

		userID := strings.TrimSpace(consoleUserID)
		if userID == "" {
			userID = defaultConsoleUser
		}
		adapter := consolechannel.NewAdapter(userID, consoleProfile(userID))

		// The terminal is owned by the TUI, so no status server.
		serviceCfg := *cfg
		serviceCfg.Gateway.Port = -1
		svc, err := gateway.NewService(&serviceCfg, eng.bus, eng.dispatcher, []channel.Adapter{adapter}, log)
		if err != nil {
			return err
		}

		events, unsubscribe := eng.bus.Subscribe(ctx, 64, bus.ForUser(userID))
		defer unsubscribe()

		serviceErr := make(chan error, 1)
		go func() {
			serviceErr <- svc.Run(ctx)
		}()

		select {
		case <-adapter.Ready():
		case err := <-serviceErr:
			return fmt.Errorf("start console session: %w", err)
		}

		uiErr := consoleui.Run(ctx, consoleui.Session{
			BotName: cfg.Bot.Name,
			UserID:  userID,
			Submit:  adapter.SubmitText,
			Replies: adapter.Replies(),
			Events:  events,
		})

		cancel()
		if err := <-serviceErr; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return uiErr
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVarP(&consoleUserID, "user", "u", defaultConsoleUser, "user id to chat as")
}

// consoleLogger keeps logs off the terminal: logging.file when configured,
// otherwise nowhere.
func consoleLogger(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	if strings.TrimSpace(cfg.File) == "" && strings.TrimSpace(os.Getenv("CHATFLOW_LOG_FILE")) == "" {
		return slog.New(slog.DiscardHandler), func() error { return nil }, nil
	}

	log, closeLog, err := logger.ToFile(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}

	return log, closeLog, nil
}

func consoleProfile(userID string) map[string]any {
	profile := map[string]any{"id": userID}
	if name := strings.TrimSpace(os.Getenv("USER")); name != "" {
		profile["first_name"] = name
		profile["username"] = name
	}

	return profile
}
