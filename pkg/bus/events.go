package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

// Dispatch lifecycle events.
const (
	EventDispatchReceived      EventType = "dispatch_received"
	EventDispatchHandled       EventType = "dispatch_handled"
	EventDispatchDropped       EventType = "dispatch_dropped"
	EventDispatchFailed        EventType = "dispatch_failed"
	EventDispatchPersistFailed EventType = "dispatch_persist_failed"
)

// Event reports one step of a dispatch to observers. Delivery is best effort.
type Event struct {
	Type      EventType         `json:"type"`
	At        time.Time         `json:"at"`
	Channel   string            `json:"channel,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Binding   string            `json:"binding,omitempty"`
	State     string            `json:"state,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// EventFilter selects the events a subscriber receives. A nil filter
// receives everything.
type EventFilter func(Event) bool

// ForUser selects the events about one user.
func ForUser(userID string) EventFilter {
	return func(event Event) bool {
		return event.UserID == userID
	}
}

type eventSubscriber struct {
	ch     chan Event
	filter EventFilter
}

// PublishEvent fans event out to subscribers. A subscriber whose buffer is
// full misses the event; the publisher never waits.
func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	// Sends happen under the read lock so unsubscribe cannot close a
	// channel mid-send.
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	for _, sub := range mb.eventSubscribers {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}

	return true
}

// SubscribeEvents receives every lifecycle event.
func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	return mb.Subscribe(ctx, buffer, nil)
}

// Subscribe receives the events accepted by filter until ctx is done, the
// bus closes, or the returned cancel function runs. The channel is closed
// in all three cases.
func (mb *MessageBus) Subscribe(ctx context.Context, buffer int, filter EventFilter) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	sub := &eventSubscriber{ch: make(chan Event, buffer), filter: filter}

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	default:
	}
	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = sub
	mb.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			mb.removeSubscriber(id)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-mb.done:
		case <-stop:
			return
		}
		cancel()
	}()

	return sub.ch, cancel
}

func (mb *MessageBus) removeSubscriber(id uint64) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if sub, ok := mb.eventSubscribers[id]; ok {
		delete(mb.eventSubscribers, id)
		close(sub.ch)
	}
}
