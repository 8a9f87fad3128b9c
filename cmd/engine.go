package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatflow/pkg/bus"
	"chatflow/pkg/config"
	"chatflow/pkg/dispatch"
	"chatflow/pkg/embedding"
	"chatflow/pkg/flow"
	"chatflow/pkg/route"
	"chatflow/pkg/store"
)

// engine is the dispatcher with everything it reads from, built from config.
type engine struct {
	contexts   *store.Store
	bus        *bus.MessageBus
	dispatcher *dispatch.Dispatcher
	routes     int
}

func buildEngine(ctx context.Context, cfg *config.Config, log *slog.Logger) (*engine, error) {
	embedder, err := embedding.New(cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("configure embeddings: %w", err)
	}

	registry := route.NewRegistry()
	if err := flow.Register(ctx, cfg, registry, flow.EmbeddingLoader(embedder), log); err != nil {
		return nil, fmt.Errorf("register routes: %w", err)
	}
	if registry.Len() == 0 {
		return nil, errors.New("no routes are configured")
	}

	contexts, err := store.Open(cfg.Store, log)
	if err != nil {
		return nil, fmt.Errorf("open context store: %w", err)
	}

	messageBus := bus.NewMessageBus(cfg.Dispatch.QueueSize)
	dispatcher, err := dispatch.New(registry, route.NewMatcher(embedder, log), contexts, messageBus, log, dispatch.Options{
		Workers:    cfg.Dispatch.Workers,
		QueueSize:  cfg.Dispatch.QueueSize,
		ErrorReply: cfg.Bot.ErrorReply,
	})
	if err != nil {
		_ = contexts.Close()
		return nil, err
	}

	return &engine{
		contexts:   contexts,
		bus:        messageBus,
		dispatcher: dispatcher,
		routes:     registry.Len(),
	}, nil
}

func (e *engine) Close() error {
	e.bus.Close()
	return e.contexts.Close()
}
