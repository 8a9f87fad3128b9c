package flow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"chatflow/pkg/config"
	"chatflow/pkg/dispatch"
	"chatflow/pkg/faq"
	"chatflow/pkg/inbound"
	"chatflow/pkg/route"
	"chatflow/pkg/store"

	"github.com/stretchr/testify/require"
)

type fixedEmbedder map[string][]float32

func (e fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vector, ok := e[text]
		if !ok {
			vector = []float32{0, 0, 1}
		}
		out[i] = vector
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

func writeCorpus(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "faq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
delivery:
  phrases: ["where is my order"]
  answer: "Orders ship within two days."
hours:
  phrases: ["when are you open"]
  answer: "We are open 9 to 5."
`), 0o600))
	return path
}

func newDispatcher(t *testing.T, cfg *config.Config, embedder fixedEmbedder) (*dispatch.Dispatcher, *store.Store) {
	t.Helper()

	backend, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	contexts := store.New(backend, nil)

	registry := route.NewRegistry()
	require.NoError(t, Register(context.Background(), cfg, registry, EmbeddingLoader(embedder), nil))

	d, err := dispatch.New(registry, route.NewMatcher(embedder, nil), contexts, nil, nil, dispatch.Options{})
	require.NoError(t, err)
	return d, contexts
}

func TestDeclarativeConversation(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Routes: []config.RouteConfig{
			{Name: "start", Priority: 10, Phrases: []string{"^/start$"}, Reply: "Hi {first_name}! Send a photo.", NextState: strPtr("awaiting_photo")},
			{Name: "photo", Priority: 5, States: []string{"awaiting_photo"}, Attachments: []string{"photo"}, Reply: "Got it.", NextState: strPtr(""), SetPayload: map[string]any{"has_photo": true}},
			{Name: "fallback", Reply: "Say /start."},
		},
	}
	d, contexts := newDispatcher(t, cfg, nil)

	start := inbound.Event{UserID: "42", Kind: inbound.KindMessage, Text: "/start", Profile: map[string]any{"first_name": "Ada"}}
	result, err := d.Dispatch(ctx, start)
	require.NoError(t, err)
	require.Equal(t, "start", result.Binding)
	require.Equal(t, "Hi Ada! Send a photo.", result.Messages[0].Text)

	photo := inbound.Event{UserID: "42", Kind: inbound.KindMessage, Attachments: []inbound.Attachment{{Type: inbound.AttachmentPhoto}}}
	result, err = d.Dispatch(ctx, photo)
	require.NoError(t, err)
	require.Equal(t, "photo", result.Binding)

	stored, err := contexts.Get(ctx, "42", nil)
	require.NoError(t, err)
	require.Equal(t, "", stored.State)
	require.Equal(t, true, stored.Payload["has_photo"])

	result, err = d.Dispatch(ctx, inbound.Event{UserID: "42", Kind: inbound.KindMessage, Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, "fallback", result.Binding)
}

func TestFAQRouteRepliesWithTopAnswer(t *testing.T) {
	ctx := context.Background()
	embedder := fixedEmbedder{
		"where is my order":      {1, 0, 0},
		"when are you open":      {0, 1, 0},
		"has my parcel shipped?": {0.95, 0.3, 0},
	}
	cfg := &config.Config{
		Routes: []config.RouteConfig{
			{Name: "faq", Priority: 1, FAQ: &config.FAQConfig{Corpus: writeCorpus(t), Threshold: 0.8}, ReplyFAQ: true, Reply: "Sorry?"},
		},
	}
	d, _ := newDispatcher(t, cfg, embedder)

	result, err := d.Dispatch(ctx, inbound.Event{UserID: "1", Kind: inbound.KindMessage, Text: "has my parcel shipped?"})
	require.NoError(t, err)
	require.Equal(t, "faq", result.Binding)
	require.Equal(t, "Orders ship within two days.", result.Messages[0].Text)

	result, err = d.Dispatch(ctx, inbound.Event{UserID: "1", Kind: inbound.KindMessage, Text: "tell me a joke"})
	require.NoError(t, err)
	require.Equal(t, dispatch.StatusDropped, result.Status)
}

func TestFAQRouteLiteralHitUsesStaticReply(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Routes: []config.RouteConfig{
			{Name: "faq", Phrases: []string{"^help$"}, FAQ: &config.FAQConfig{Corpus: writeCorpus(t), Threshold: 0.8}, ReplyFAQ: true, Reply: "Ask me about orders."},
		},
	}
	d, _ := newDispatcher(t, cfg, fixedEmbedder{"where is my order": {1, 0, 0}, "when are you open": {0, 1, 0}})

	result, err := d.Dispatch(ctx, inbound.Event{UserID: "1", Kind: inbound.KindMessage, Text: "help"})
	require.NoError(t, err)
	require.Equal(t, "faq", result.Binding)
	require.Equal(t, "Ask me about orders.", result.Messages[0].Text)
}

func TestPaymentBinding(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Routes:  []config.RouteConfig{{Name: "any", Reply: "?"}},
		Payment: &config.PaymentConfig{Reply: "Thanks for paying!"},
	}
	d, contexts := newDispatcher(t, cfg, nil)

	pay := inbound.Event{
		UserID:  "5",
		Kind:    inbound.KindPayment,
		Payment: &inbound.Payment{Currency: "EUR", TotalAmount: 1299, ChargeID: "ch_1"},
	}
	for range 2 {
		result, err := d.Dispatch(ctx, pay)
		require.NoError(t, err)
		require.Equal(t, dispatch.StatusBypassed, result.Status)
		require.Equal(t, "Thanks for paying!", result.Messages[0].Text)
	}

	stored, err := contexts.Get(ctx, "5", nil)
	require.NoError(t, err)
	history, ok := stored.Payload[defaultPaymentKey].([]any)
	require.True(t, ok)
	require.Len(t, history, 2)
	require.Equal(t, map[string]any{"currency": "EUR", "total_amount": 1299.0, "charge_id": "ch_1"}, history[0])
	require.Equal(t, "", stored.State)
}

func TestRegisterErrors(t *testing.T) {
	ctx := context.Background()

	err := Register(ctx, &config.Config{Routes: []config.RouteConfig{{Name: "bad", Phrases: []string{"("}}}}, route.NewRegistry(), nil, nil)
	require.ErrorContains(t, err, `route "bad"`)

	err = Register(ctx, &config.Config{Routes: []config.RouteConfig{{Name: "faq", FAQ: &config.FAQConfig{Corpus: "x", Threshold: 0.5}}}}, route.NewRegistry(), nil, nil)
	require.ErrorContains(t, err, "no embedding provider")

	var failing CorpusLoader = func(context.Context, string) (*faq.Corpus, error) { return nil, errors.New("missing file") }
	err = Register(ctx, &config.Config{Routes: []config.RouteConfig{{Name: "faq", FAQ: &config.FAQConfig{Corpus: "x", Threshold: 0.5}}}}, route.NewRegistry(), failing, nil)
	require.ErrorContains(t, err, "missing file")
}

func TestEmbeddingLoaderBuildsOnce(t *testing.T) {
	path := writeCorpus(t)
	calls := 0
	embedder := countingEmbedder{fixedEmbedder{}, &calls}

	load := EmbeddingLoader(embedder)
	first, err := load(context.Background(), path)
	require.NoError(t, err)
	second, err := load(context.Background(), path)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, calls)
}

type countingEmbedder struct {
	fixedEmbedder
	calls *int
}

func (e countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	*e.calls++
	return e.fixedEmbedder.Embed(ctx, texts)
}
