package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	broadcastpkg "chatflow/pkg/broadcast"
	"chatflow/pkg/bus"
	"chatflow/pkg/channel/telegram"
	"chatflow/pkg/config"
	"chatflow/pkg/store"

	"github.com/spf13/cobra"
)

var (
	broadcastText        string
	broadcastUsers       string
	broadcastConcurrency int
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Send one message to many users",
	Long:  "Sends a text message over Telegram to the given user ids, or to every user with a stored conversation context.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		text := strings.TrimSpace(broadcastText)
		if text == "" {
			return errors.New("--text is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		closeLog, err := setupLogging(cfg)
		if err != nil {
			return err
		}
		defer closeLog()
		log := slog.Default().With("component", "cmd.broadcast")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		contexts, err := store.Open(cfg.Store, slog.Default())
		if err != nil {
			return fmt.Errorf("open context store: %w", err)
		}
		defer contexts.Close()

		ids, err := broadcastpkg.Recipients(ctx, contexts, config.ParseCSV(broadcastUsers))
		if err != nil {
			return fmt.Errorf("list recipients: %w", err)
		}
		if len(ids) == 0 {
			log.Warn("No recipients to broadcast to")
			return nil
		}

		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, slog.Default())
		if err != nil {
			return fmt.Errorf("configure telegram channel: %w", err)
		}

		msg := bus.OutboundMessage{Channel: adapter.Name(), Text: text}
		report, err := broadcastpkg.Send(ctx, ids, msg, adapter.Send, broadcastConcurrency, slog.Default())
		fmt.Fprintln(cmd.OutOrStdout(), formatReport(report))
		return err
	},
}

func init() {
	rootCmd.AddCommand(broadcastCmd)
	broadcastCmd.Flags().StringVarP(&broadcastText, "text", "t", "", "message text to send")
	broadcastCmd.Flags().StringVar(&broadcastUsers, "users", "", "comma-separated user ids (default: every stored user)")
	broadcastCmd.Flags().IntVar(&broadcastConcurrency, "concurrency", 8, "maximum concurrent deliveries")
}

func formatReport(report broadcastpkg.Report) string {
	line := fmt.Sprintf("sent: %d, failed: %d", report.Sent, len(report.Failed))
	if len(report.Failed) == 0 {
		return line
	}

	ids := make([]string, 0, len(report.Failed))
	for id := range report.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString(line)
	for _, id := range ids {
		fmt.Fprintf(&b, "\n  %s: %v", id, report.Failed[id])
	}

	return b.String()
}
