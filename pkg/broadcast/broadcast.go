// Package broadcast sends one message to many known users.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"chatflow/pkg/bus"

	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

// IDLister lists every user with a stored context.
type IDLister interface {
	IDs(ctx context.Context) ([]string, error)
}

// Report counts delivery outcomes. Failed maps user id to its error.
type Report struct {
	Sent   int
	Failed map[string]error
}

// Recipients returns explicit ids when given, otherwise every stored user.
func Recipients(ctx context.Context, lister IDLister, explicit []string) ([]string, error) {
	if len(explicit) > 0 {
		seen := make(map[string]struct{}, len(explicit))
		ids := make([]string, 0, len(explicit))
		for _, id := range explicit {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids, nil
	}

	return lister.IDs(ctx)
}

// Send delivers msg to each user id through send, at most concurrency at a
// time. Per-user failures are logged and reported, never returned.
func Send(ctx context.Context, ids []string, msg bus.OutboundMessage, send bus.Sender, concurrency int, log *slog.Logger) (Report, error) {
	if send == nil {
		return Report{}, errors.New("sender is required")
	}
	if msg.Empty() {
		return Report{}, errors.New("broadcast message is empty")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "broadcast")
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	var (
		mu     sync.Mutex
		report = Report{Failed: make(map[string]error)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		g.Go(func() error {
			out := msg
			out.UserID = id
			out.ChatID = id

			err := send(gctx, out)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[id] = err
				log.Warn("Broadcast delivery failed", "user_id", id, "error", err)
				return nil
			}
			report.Sent++
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	log.Info("Broadcast finished", "sent", report.Sent, "failed", len(report.Failed))

	return report, ctx.Err()
}
