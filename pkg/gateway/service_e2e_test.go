package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"chatflow/pkg/bus"
	"chatflow/pkg/channel"
	"chatflow/pkg/config"
	"chatflow/pkg/dispatch"
	"chatflow/pkg/flow"
	"chatflow/pkg/inbound"
	"chatflow/pkg/route"
	"chatflow/pkg/store"

	"github.com/stretchr/testify/require"
)

type scriptedAdapter struct {
	name    string
	inbound []inbound.Event
	want    int

	mu       sync.Mutex
	outbound []bus.OutboundMessage
	done     chan struct{}
}

func (a *scriptedAdapter) Name() string {
	return a.name
}

func (a *scriptedAdapter) Run(ctx context.Context, publish channel.Publish) error {
	for _, ev := range a.inbound {
		if !publish(ctx, ev) {
			return nil
		}
	}

	<-ctx.Done()
	return nil
}

func (a *scriptedAdapter) Send(_ context.Context, msg bus.OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.outbound = append(a.outbound, msg)
	if len(a.outbound) == a.want {
		close(a.done)
	}
	return nil
}

func (a *scriptedAdapter) outbounds() []bus.OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	outbound := make([]bus.OutboundMessage, len(a.outbound))
	copy(outbound, a.outbound)
	return outbound
}

func strPtr(s string) *string { return &s }

func newTestService(t *testing.T, cfg *config.Config, adapter channel.Adapter) (*Service, *store.Store, *bus.MessageBus) {
	t.Helper()

	backend, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	contexts := store.New(backend, nil)
	t.Cleanup(func() { _ = contexts.Close() })

	messageBus := bus.NewMessageBus(cfg.Dispatch.QueueSize)
	t.Cleanup(messageBus.Close)

	registry := route.NewRegistry()
	require.NoError(t, flow.Register(context.Background(), cfg, registry, nil, nil))

	dispatcher, err := dispatch.New(registry, route.NewMatcher(nil, nil), contexts, messageBus, nil, dispatch.Options{ErrorReply: cfg.Bot.ErrorReply})
	require.NoError(t, err)

	svc, err := NewService(cfg, messageBus, dispatcher, []channel.Adapter{adapter}, nil)
	require.NoError(t, err)
	return svc, contexts, messageBus
}

func TestGatewayServiceRunE2EConversation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := freeTCPPort(t)
	cfg := &config.Config{
		Gateway: config.GatewayConfig{Host: "127.0.0.1", Port: port},
		Routes: []config.RouteConfig{
			{Name: "start", Priority: 10, Phrases: []string{"^/start$"}, Reply: "Welcome!", NextState: strPtr("menu")},
			{Name: "menu", Priority: 5, States: []string{"menu"}, Reply: "You picked {text}."},
		},
	}
	adapter := &scriptedAdapter{
		name: "telegram",
		inbound: []inbound.Event{
			{Channel: "telegram", UserID: "100", ChatID: "100", Kind: inbound.KindMessage, Text: "/start"},
			{Channel: "telegram", UserID: "100", ChatID: "100", Kind: inbound.KindMessage, Text: "prices"},
			{Channel: "telegram", UserID: "200", ChatID: "200", Kind: inbound.KindMessage, Text: "prices"},
			{Channel: "telegram", UserID: "200", ChatID: "200", Kind: inbound.KindMessage, Text: "/start"},
		},
		want: 3,
		done: make(chan struct{}),
	}

	svc, contexts, _ := newTestService(t, cfg, adapter)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	select {
	case <-adapter.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for replies")
	}

	readyURL := "http://127.0.0.1:" + strconv.Itoa(port) + "/readyz"
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, readyURL, 2*time.Second))

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}

	byUser := map[string][]string{}
	for _, msg := range adapter.outbounds() {
		require.Equal(t, "telegram", msg.Channel)
		byUser[msg.UserID] = append(byUser[msg.UserID], msg.Text)
	}
	require.Equal(t, []string{"Welcome!", "You picked prices."}, byUser["100"])
	require.Equal(t, []string{"Welcome!"}, byUser["200"], "user 200 was not in the menu state for its first message")

	record, err := contexts.Get(context.Background(), "200", nil)
	require.NoError(t, err)
	require.Equal(t, "menu", record.State)
}

func TestGatewayServiceHealthz(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := freeTCPPort(t)
	cfg := &config.Config{Gateway: config.GatewayConfig{Host: "127.0.0.1", Port: port}}
	adapter := &scriptedAdapter{name: "console", done: make(chan struct{})}
	svc, _, _ := newTestService(t, cfg, adapter)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	healthURL := "http://127.0.0.1:" + strconv.Itoa(port) + "/healthz"
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, healthURL, 2*time.Second))

	response, err := http.Get(healthURL)
	require.NoError(t, err)
	defer response.Body.Close()

	var status statusResponse
	require.NoError(t, json.NewDecoder(response.Body).Decode(&status))
	require.Equal(t, "ok", status.Status)
	require.Contains(t, status.Channels, "console")

	cancel()
	require.NoError(t, <-errCh)
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
