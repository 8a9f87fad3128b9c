package dispatch

import (
	"context"
	"log/slog"
	"time"

	"chatflow/pkg/bus"
)

// ObserveEvents logs dispatch lifecycle events until ctx is done or the bus
// closes. Observers never slow dispatch down: the bus drops events for a full
// subscriber.
func ObserveEvents(ctx context.Context, messageBus *bus.MessageBus, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bus.events")

	events, unsubscribe := messageBus.SubscribeEvents(ctx, 64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event bus.Event) {
	attrs := []any{
		"event_type", event.Type,
		"request_id", event.RequestID,
		"channel", event.Channel,
		"user_id", event.UserID,
		"kind", event.Kind,
		"timestamp", event.At.UTC().Format(time.RFC3339Nano),
	}
	if event.Binding != "" {
		attrs = append(attrs, "binding", event.Binding)
	}
	if event.State != "" {
		attrs = append(attrs, "state", event.State)
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}

	switch event.Type {
	case bus.EventDispatchFailed, bus.EventDispatchPersistFailed:
		log.Error("Dispatch event", append(attrs, "error", event.Error)...)
	case bus.EventDispatchHandled:
		log.Info("Dispatch event", attrs...)
	default:
		log.Debug("Dispatch event", attrs...)
	}
}
