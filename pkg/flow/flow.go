// Package flow turns the routes declared in config.json into registry
// bindings, so a bot can run without custom callbacks.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chatflow/pkg/bus"
	"chatflow/pkg/config"
	"chatflow/pkg/embedding"
	"chatflow/pkg/faq"
	"chatflow/pkg/inbound"
	"chatflow/pkg/route"
	"chatflow/pkg/store"
)

const defaultPaymentKey = "payments"

// CorpusLoader builds a FAQ corpus from a file path.
type CorpusLoader func(ctx context.Context, path string) (*faq.Corpus, error)

// EmbeddingLoader returns a CorpusLoader backed by embedder. Corpora shared
// by several routes are built once.
func EmbeddingLoader(embedder embedding.Embedder) CorpusLoader {
	built := make(map[string]*faq.Corpus)
	return func(ctx context.Context, path string) (*faq.Corpus, error) {
		if corpus, ok := built[path]; ok {
			return corpus, nil
		}
		corpus, err := faq.Load(ctx, path, embedder)
		if err != nil {
			return nil, err
		}
		built[path] = corpus
		return corpus, nil
	}
}

// Register compiles every configured route (and the payment route, when
// configured) into registry. Any error is a configuration error.
func Register(ctx context.Context, cfg *config.Config, registry *route.Registry, loadCorpus CorpusLoader, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "flow")

	for _, rc := range cfg.Routes {
		binding, err := Binding(ctx, rc, loadCorpus)
		if err != nil {
			return err
		}
		if err := registry.Register(binding); err != nil {
			return err
		}
		log.Debug("Registered route", "route", binding.Name, "priority", binding.Priority, "semantic", binding.Predicate.Semantic())
	}

	if cfg.Payment != nil {
		if err := registry.Register(PaymentBinding(*cfg.Payment)); err != nil {
			return err
		}
		log.Debug("Registered payment route")
	}

	return nil
}

// Binding compiles one route.
func Binding(ctx context.Context, rc config.RouteConfig, loadCorpus CorpusLoader) (route.Binding, error) {
	pc := route.PredicateConfig{
		Phrases:     rc.Phrases,
		States:      rc.States,
		Attachments: rc.Attachments,
		Interactive: rc.Interactive,
	}

	if rc.FAQ != nil {
		if loadCorpus == nil {
			return route.Binding{}, fmt.Errorf("route %q: faq corpus configured but no embedding provider", rc.Name)
		}
		corpus, err := loadCorpus(ctx, rc.FAQ.Corpus)
		if err != nil {
			return route.Binding{}, fmt.Errorf("route %q: %w", rc.Name, err)
		}
		pc.FAQ = corpus
		pc.Threshold = rc.FAQ.Threshold
	}

	predicate, err := route.NewPredicate(pc)
	if err != nil {
		return route.Binding{}, fmt.Errorf("route %q: %w", rc.Name, err)
	}

	return route.Binding{
		Name:      rc.Name,
		Priority:  rc.Priority,
		Predicate: predicate,
		Callback:  routeCallback(rc),
	}, nil
}

func routeCallback(rc config.RouteConfig) route.Callback {
	reply := rc.Reply
	replyFAQ := rc.ReplyFAQ
	var nextState *string
	if rc.NextState != nil {
		state := *rc.NextState
		nextState = &state
	}
	setPayload := rc.SetPayload

	return func(_ context.Context, call route.Call) (route.Reply, error) {
		next := call.Context
		if nextState != nil {
			next.State = *nextState
		}
		if len(setPayload) > 0 {
			if next.Payload == nil {
				next.Payload = map[string]any{}
			}
			// Fresh copy per call so turns never share values.
			for key, value := range (store.UserContext{Payload: setPayload}).Clone().Payload {
				next.Payload[key] = value
			}
		}

		text := reply
		if replyFAQ && len(call.Candidates) > 0 {
			text = call.Candidates[0].Answer
		}
		text = render(text, call.Event, next)

		out := route.Reply{Context: next}
		if strings.TrimSpace(text) != "" {
			out.Messages = []bus.OutboundMessage{{Text: text}}
		}
		return out, nil
	}
}

// PaymentBinding records each confirmed payment under payload[payload_key]
// and optionally thanks the user. State is left alone.
func PaymentBinding(pc config.PaymentConfig) route.Binding {
	key := strings.TrimSpace(pc.PayloadKey)
	if key == "" {
		key = defaultPaymentKey
	}
	reply := pc.Reply

	return route.Binding{
		Name:   "payment",
		Bypass: inbound.KindPayment,
		Callback: func(_ context.Context, call route.Call) (route.Reply, error) {
			next := call.Context
			if next.Payload == nil {
				next.Payload = map[string]any{}
			}

			if payment := call.Event.Payment; payment != nil {
				record := map[string]any{
					"currency":     payment.Currency,
					"total_amount": float64(payment.TotalAmount),
				}
				if payment.InvoicePayload != "" {
					record["invoice_payload"] = payment.InvoicePayload
				}
				if payment.ChargeID != "" {
					record["charge_id"] = payment.ChargeID
				}
				history, _ := next.Payload[key].([]any)
				next.Payload[key] = append(history, record)
			}

			out := route.Reply{Context: next}
			if text := render(reply, call.Event, next); strings.TrimSpace(text) != "" {
				out.Messages = []bus.OutboundMessage{{Text: text}}
			}
			return out, nil
		},
	}
}

// render substitutes {state}, {first_name} and {text} placeholders. State is
// the one the turn leaves the user in.
func render(text string, ev inbound.Event, uc store.UserContext) string {
	if !strings.Contains(text, "{") {
		return text
	}

	firstName, _ := uc.Profile["first_name"].(string)
	return strings.NewReplacer(
		"{state}", uc.State,
		"{first_name}", firstName,
		"{text}", ev.MatchText(),
	).Replace(text)
}
