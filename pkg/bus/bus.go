// Package bus carries normalized inbound events to the dispatcher, outbound
// messages to channel adapters, and lifecycle events to observers.
package bus

import (
	"context"
	"sync"

	"chatflow/pkg/inbound"
)

const defaultBufferSize = 100

type MessageBus struct {
	inbound  chan inbound.Event
	outbound chan OutboundMessage
	senders  map[string]Sender

	eventSubscribers      map[uint64]*eventSubscriber
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

// NewMessageBus creates a bus whose queues hold bufferSize items each.
// Non-positive sizes fall back to the default.
func NewMessageBus(bufferSize int) *MessageBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	return &MessageBus{
		inbound:          make(chan inbound.Event, bufferSize),
		outbound:         make(chan OutboundMessage, bufferSize),
		senders:          make(map[string]Sender),
		eventSubscribers: make(map[uint64]*eventSubscriber),
		done:             make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(ctx context.Context, ev inbound.Event) bool {
	return enqueue(ctx, mb.done, mb.inbound, ev)
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (inbound.Event, bool) {
	return dequeue(ctx, mb.done, mb.inbound)
}

func (mb *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	return enqueue(ctx, mb.done, mb.outbound, msg)
}

func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return dequeue(ctx, mb.done, mb.outbound)
}

// RegisterSender binds the delivery function for one channel name.
func (mb *MessageBus) RegisterSender(channel string, sender Sender) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.senders[channel] = sender
}

func (mb *MessageBus) Sender(channel string) (Sender, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	sender, ok := mb.senders[channel]
	return sender, ok
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, sub := range mb.eventSubscribers {
			close(sub.ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}

func enqueue[T any](ctx context.Context, done <-chan struct{}, queue chan<- T, item T) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	// A closed bus or canceled context wins over free buffer space.
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case queue <- item:
		return true
	}
}

func dequeue[T any](ctx context.Context, done <-chan struct{}, queue <-chan T) (T, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	var zero T
	select {
	case <-ctx.Done():
		return zero, false
	case <-done:
		return zero, false
	case item := <-queue:
		return item, true
	}
}
