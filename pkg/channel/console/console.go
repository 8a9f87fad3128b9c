// Package console is an in-process channel used by the local TUI and tests.
package console

import (
	"context"
	"errors"
	"strings"
	"sync"

	"chatflow/pkg/bus"
	"chatflow/pkg/channel"
	"chatflow/pkg/inbound"
)

const channelName = "console"

// Adapter publishes typed lines as inbound events and buffers replies.
type Adapter struct {
	userID  string
	profile map[string]any
	replies chan bus.OutboundMessage

	mu      sync.Mutex
	publish channel.Publish
	ready   chan struct{}
	once    sync.Once
}

// NewAdapter creates a console channel speaking as userID.
func NewAdapter(userID string, profile map[string]any) *Adapter {
	return &Adapter{
		userID:  strings.TrimSpace(userID),
		profile: profile,
		replies: make(chan bus.OutboundMessage, 64),
		ready:   make(chan struct{}),
	}
}

func (a *Adapter) Name() string {
	return channelName
}

func (a *Adapter) UserID() string {
	return a.userID
}

// Run makes Submit usable and blocks until ctx is done.
func (a *Adapter) Run(ctx context.Context, publish channel.Publish) error {
	if publish == nil {
		return errors.New("publish is required")
	}

	a.mu.Lock()
	a.publish = publish
	a.mu.Unlock()
	a.once.Do(func() { close(a.ready) })

	<-ctx.Done()
	return nil
}

// Ready is closed once Run has started.
func (a *Adapter) Ready() <-chan struct{} {
	return a.ready
}

// Submit publishes ev after filling in the console identity. Events with an
// empty kind are sent as messages.
func (a *Adapter) Submit(ctx context.Context, ev inbound.Event) bool {
	a.mu.Lock()
	publish := a.publish
	a.mu.Unlock()
	if publish == nil {
		return false
	}

	ev.Channel = channelName
	ev.UserID = a.userID
	ev.ChatID = a.userID
	if ev.Kind == "" {
		ev.Kind = inbound.KindMessage
	}
	if ev.Profile == nil {
		ev.Profile = a.profile
	}

	return publish(ctx, ev)
}

// SubmitText publishes one typed line. Lines starting with "!" are sent as
// button callbacks.
func (a *Adapter) SubmitText(ctx context.Context, text string) bool {
	if data, ok := strings.CutPrefix(text, "!"); ok {
		return a.Submit(ctx, inbound.Event{Kind: inbound.KindCallback, Text: data})
	}

	return a.Submit(ctx, inbound.Event{Kind: inbound.KindMessage, Text: text})
}

// Send queues msg for Replies. It fails when nobody drains the queue.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	select {
	case a.replies <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("console reply queue is full")
	}
}

// Replies streams delivered messages.
func (a *Adapter) Replies() <-chan bus.OutboundMessage {
	return a.replies
}
