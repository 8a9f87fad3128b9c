package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	broadcastpkg "chatflow/pkg/broadcast"
	"chatflow/pkg/bus"
	"chatflow/pkg/channel"
	"chatflow/pkg/config"
	"chatflow/pkg/dispatch"
	"chatflow/pkg/faq"
	"chatflow/pkg/inbound"

	"github.com/stretchr/testify/require"
)

type testAdapter struct{ name string }

func (a testAdapter) Name() string { return a.name }

func (a testAdapter) Run(_ context.Context, _ channel.Publish) error { return nil }

func (a testAdapter) Send(_ context.Context, _ bus.OutboundMessage) error { return nil }

func TestEnabledAdaptersRequiresAtLeastOneChannel(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	if _, err := enabledAdapters(cfg, nil); err == nil {
		t.Fatal("expected error when no channels are enabled")
	}
}

func TestEnabledChannelNames(t *testing.T) {
	t.Parallel()

	adapters := []channel.Adapter{testAdapter{name: "telegram"}, testAdapter{name: "console"}}
	if got := enabledChannelNames(adapters); got != "telegram,console" {
		t.Fatalf("enabledChannelNames = %q, want %q", got, "telegram,console")
	}
}

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	content = strings.ReplaceAll(content, "$DIR", filepath.ToSlash(dir))
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestBuildEngineRunsConfiguredRoutes(t *testing.T) {
	t.Setenv("CHATFLOW_STORE_PATH", "")

	path := writeTestConfig(t, `{
	  "bot": {"name": "demo"},
	  "store": {"backend": "file", "path": "$DIR/contexts"},
	  "routes": [
	    {"name": "start", "phrases": ["^/start$"], "next_state": "menu", "reply": "Hi {first_name}, you are in {state}"},
	    {"name": "menu", "states": ["menu"], "reply": "menu choice: {text}"}
	  ]
	}`)
	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	eng, err := buildEngine(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	require.Equal(t, 2, eng.routes)

	ev := inbound.Event{
		Channel: "console",
		UserID:  "u1",
		ChatID:  "u1",
		Kind:    inbound.KindMessage,
		Text:    "/start",
		Profile: map[string]any{"first_name": "Ada"},
	}
	result, err := eng.dispatcher.Dispatch(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, dispatch.StatusHandled, result.Status)
	require.Equal(t, "start", result.Binding)
	require.Len(t, result.Messages, 1)
	require.Equal(t, "Hi Ada, you are in menu", result.Messages[0].Text)

	ev.Text = "pizza"
	result, err = eng.dispatcher.Dispatch(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, "menu", result.Binding)
	require.Equal(t, "menu choice: pizza", result.Messages[0].Text)

	ids, err := eng.contexts.IDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, ids)
}

func TestBuildEngineRequiresRoutes(t *testing.T) {
	t.Setenv("CHATFLOW_STORE_PATH", "")

	path := writeTestConfig(t, `{"store": {"path": "$DIR/contexts"}}`)
	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	_, err = buildEngine(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "no routes")
}

func TestLoadConfigPrefersFlag(t *testing.T) {
	path := writeTestConfig(t, `{"bot": {"name": "from-flag"}}`)
	t.Setenv("CHATFLOW_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	previous := configPath
	configPath = path
	t.Cleanup(func() { configPath = previous })

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, "from-flag", cfg.Bot.Name)
}

func TestFAQRoutes(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Routes: []config.RouteConfig{
		{Name: "start"},
		{Name: "billing", FAQ: &config.FAQConfig{Corpus: "billing.yaml", Threshold: 0.8}},
		{Name: "shipping", FAQ: &config.FAQConfig{Corpus: "shipping.yaml", Threshold: 0.7}},
	}}

	routes, err := faqRoutes(cfg, "")
	require.NoError(t, err)
	require.Len(t, routes, 2)

	routes, err = faqRoutes(cfg, "shipping")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	require.Equal(t, "shipping", routes[0].Name)

	_, err = faqRoutes(cfg, "start")
	require.Error(t, err)

	_, err = faqRoutes(&config.Config{}, "")
	require.Error(t, err)
}

func TestRenderCandidates(t *testing.T) {
	t.Parallel()

	out := renderCandidates("billing", 0.8, []faq.Candidate{
		{Key: "refunds", Answer: "Refunds take 5 days.", Score: 0.93},
		{Key: "invoices", Score: 0.81},
	})
	require.Contains(t, out, "billing")
	require.Contains(t, out, "0.930")
	require.Contains(t, out, "refunds")
	require.Contains(t, out, "Refunds take 5 days.")
	require.Less(t, strings.Index(out, "refunds"), strings.Index(out, "invoices"))

	empty := renderCandidates("billing", 0.8, nil)
	require.Contains(t, empty, "no entry above threshold")
}

func TestFormatReport(t *testing.T) {
	t.Parallel()

	if got := formatReport(broadcastpkg.Report{Sent: 3}); got != "sent: 3, failed: 0" {
		t.Fatalf("formatReport = %q", got)
	}

	got := formatReport(broadcastpkg.Report{Sent: 1, Failed: map[string]error{
		"9": errors.New("blocked"),
		"2": errors.New("chat not found"),
	}})
	want := "sent: 1, failed: 2\n  2: chat not found\n  9: blocked"
	if got != want {
		t.Fatalf("formatReport = %q, want %q", got, want)
	}
}

func TestConsoleProfile(t *testing.T) {
	t.Setenv("USER", "ada")

	profile := consoleProfile("console")
	require.Equal(t, "console", profile["id"])
	require.Equal(t, "ada", profile["first_name"])

	t.Setenv("USER", "")
	require.NotContains(t, consoleProfile("console"), "first_name")
}

func TestConsoleLoggerDiscardsWithoutFile(t *testing.T) {
	t.Setenv("CHATFLOW_LOG_FILE", "")

	log, closeLog, err := consoleLogger(config.LoggingConfig{})
	require.NoError(t, err)
	require.NotNil(t, log)
	require.NoError(t, closeLog())

	path := filepath.Join(t.TempDir(), "console.log")
	log, closeLog, err = consoleLogger(config.LoggingConfig{Format: "json", File: path})
	require.NoError(t, err)
	log.Info("to file")
	require.NoError(t, closeLog())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(content), "to file")
}
