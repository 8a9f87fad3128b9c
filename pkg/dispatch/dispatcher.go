// Package dispatch runs the per-event loop: resolve the user's context, pick
// the first accepting binding, run its callback and persist the result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"chatflow/pkg/bus"
	"chatflow/pkg/faq"
	"chatflow/pkg/inbound"
	"chatflow/pkg/route"
	"chatflow/pkg/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 16
)

// ContextStore is the part of store.Store the dispatcher needs.
type ContextStore interface {
	Get(ctx context.Context, userID string, profile map[string]any) (store.UserContext, error)
	Put(ctx context.Context, record store.UserContext) error
}

// Status classifies how an event was dispatched.
type Status string

const (
	StatusHandled  Status = "handled"
	StatusBypassed Status = "bypassed"
	StatusDropped  Status = "dropped"
	StatusFailed   Status = "failed"
)

// Result describes one dispatched event.
type Result struct {
	RequestID string
	Status    Status
	Binding   string
	// Context is the record as persisted after the event. For drops and
	// failures it is the pre-dispatch record.
	Context  store.UserContext
	Messages []bus.OutboundMessage
}

// Options tunes the dispatcher. Zero values select defaults.
type Options struct {
	Workers   int
	QueueSize int

	// ErrorReply is sent to the user when a callback fails. Empty disables it.
	ErrorReply string
}

type Dispatcher struct {
	registry *route.Registry
	matcher  *route.Matcher
	store    ContextStore
	bus      *bus.MessageBus
	log      *slog.Logger
	locks    *keyedLocks

	workers    int
	queueSize  int
	errorReply string
}

// New freezes registry and returns a dispatcher over it. messageBus may be
// nil when the caller only uses Dispatch and reads Result.Messages.
func New(registry *route.Registry, matcher *route.Matcher, contexts ContextStore, messageBus *bus.MessageBus, log *slog.Logger, opts Options) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if matcher == nil {
		return nil, errors.New("matcher is required")
	}
	if contexts == nil {
		return nil, errors.New("context store is required")
	}
	if log == nil {
		log = slog.Default()
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	registry.Freeze()

	return &Dispatcher{
		registry:   registry,
		matcher:    matcher,
		store:      contexts,
		bus:        messageBus,
		log:        log.With("component", "dispatch"),
		locks:      newKeyedLocks(),
		workers:    workers,
		queueSize:  queueSize,
		errorReply: strings.TrimSpace(opts.ErrorReply),
	}, nil
}

// Dispatch handles one event. Events for the same user are serialized; events
// for different users run concurrently.
//
// A dropped event is not an error. Errors wrap ErrInvalidEvent,
// ErrLoadContext or ErrSaveContext, or are a *CallbackError.
func (d *Dispatcher) Dispatch(ctx context.Context, ev inbound.Event) (Result, error) {
	ev.UserID = strings.TrimSpace(ev.UserID)
	if ev.UserID == "" {
		return Result{Status: StatusFailed}, fmt.Errorf("%w: missing user id", ErrInvalidEvent)
	}

	requestID := uuid.NewString()
	log := d.log.With("request_id", requestID, "user_id", ev.UserID, "kind", ev.Kind)
	startedAt := time.Now()

	unlock := d.locks.lock(ev.UserID)
	defer unlock()

	d.publishEvent(ctx, bus.Event{Type: bus.EventDispatchReceived, RequestID: requestID}, ev)
	log.Debug("Dispatch started")

	status := StatusHandled
	var (
		binding route.Binding
		bypass  bool
	)
	if ev.Kind == inbound.KindPayment {
		binding, bypass = d.registry.Bypass(inbound.KindPayment)
	}

	uc, err := d.store.Get(ctx, ev.UserID, ev.Profile)
	if err != nil {
		log.Error("Loading user context failed", "error", err)
		d.publishEvent(ctx, bus.Event{Type: bus.EventDispatchPersistFailed, RequestID: requestID, Error: err.Error()}, ev)
		return Result{RequestID: requestID, Status: StatusFailed}, fmt.Errorf("%w for user %s: %w", ErrLoadContext, ev.UserID, err)
	}

	var candidates []faq.Candidate
	if bypass {
		status = StatusBypassed
	} else {
		var found bool
		binding, candidates, found = d.selectBinding(ctx, ev, uc)
		if !found {
			log.Debug("No binding accepted event", "state", uc.State, "duration_ms", time.Since(startedAt).Milliseconds())
			d.publishEvent(ctx, bus.Event{Type: bus.EventDispatchDropped, RequestID: requestID, State: uc.State}, ev)
			return Result{RequestID: requestID, Status: StatusDropped, Context: uc}, nil
		}
	}

	log = log.With("binding", binding.Name)
	result := Result{RequestID: requestID, Status: status, Binding: binding.Name, Context: uc}

	reply, err := invoke(ctx, binding, route.Call{
		Event:      ev,
		Context:    uc.Clone(),
		Candidates: candidates,
		Binding:    binding.Name,
	})
	if err != nil {
		callbackErr := &CallbackError{UserID: ev.UserID, Binding: binding.Name, Err: err}
		var panicErr *panicError
		if errors.As(err, &panicErr) {
			callbackErr.Panicked = true
		}
		log.Error("Callback failed", "error", err, "panicked", callbackErr.Panicked)
		d.publishEvent(ctx, bus.Event{Type: bus.EventDispatchFailed, RequestID: requestID, Binding: binding.Name, Error: err.Error()}, ev)
		d.sendErrorReply(ctx, ev)

		result.Status = StatusFailed
		return result, callbackErr
	}

	// The callback has run; its transition and replies must land even during shutdown.
	ctx = context.WithoutCancel(ctx)

	next := reply.Context
	if next.ID == "" {
		next = uc
	} else if next.ID != ev.UserID {
		log.Warn("Callback changed context id; keeping original", "returned_id", next.ID)
		next.ID = ev.UserID
	}

	if err := d.store.Put(ctx, next); err != nil {
		log.Error("Persisting user context failed", "error", err, "state", next.State)
		d.publishEvent(ctx, bus.Event{Type: bus.EventDispatchPersistFailed, RequestID: requestID, Binding: binding.Name, Error: err.Error()}, ev)

		result.Status = StatusFailed
		return result, fmt.Errorf("%w for user %s: %w", ErrSaveContext, ev.UserID, err)
	}

	result.Context = next.Clone()
	result.Messages = d.deliver(ctx, ev, reply.Messages)

	log.Debug("Dispatch completed", "status", status, "state", next.State, "messages", len(result.Messages), "duration_ms", time.Since(startedAt).Milliseconds())
	d.publishEvent(ctx, bus.Event{
		Type:      bus.EventDispatchHandled,
		RequestID: requestID,
		Binding:   binding.Name,
		State:     next.State,
		Payload:   map[string]string{"status": string(status)},
	}, ev)

	return result, nil
}

func (d *Dispatcher) selectBinding(ctx context.Context, ev inbound.Event, uc store.UserContext) (route.Binding, []faq.Candidate, bool) {
	eval := d.matcher.Begin(ev, uc)
	for _, binding := range d.registry.InDispatchOrder() {
		outcome := eval.Evaluate(ctx, binding.Predicate)
		if outcome.Accepted() {
			return binding, outcome.Candidates, true
		}
	}

	return route.Binding{}, nil, false
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprint(e.value)
}

func invoke(ctx context.Context, binding route.Binding, call route.Call) (reply route.Reply, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			reply = route.Reply{}
			err = &panicError{value: recovered}
		}
	}()

	return binding.Callback(ctx, call)
}

// deliver fills routing defaults and publishes non-empty messages.
func (d *Dispatcher) deliver(ctx context.Context, ev inbound.Event, messages []bus.OutboundMessage) []bus.OutboundMessage {
	delivered := make([]bus.OutboundMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Empty() {
			continue
		}
		if msg.Channel == "" {
			msg.Channel = ev.Channel
		}
		if msg.ChatID == "" {
			msg.ChatID = ev.ChatID
		}
		if msg.UserID == "" {
			msg.UserID = ev.UserID
		}
		delivered = append(delivered, msg)

		if d.bus != nil && !d.bus.PublishOutbound(ctx, msg) {
			d.log.Warn("Outbound message not queued", "user_id", ev.UserID, "channel", msg.Channel)
		}
	}

	return delivered
}

func (d *Dispatcher) sendErrorReply(ctx context.Context, ev inbound.Event) {
	if d.errorReply == "" || d.bus == nil {
		return
	}

	d.bus.PublishOutbound(ctx, bus.OutboundMessage{
		Channel: ev.Channel,
		ChatID:  ev.ChatID,
		UserID:  ev.UserID,
		Text:    d.errorReply,
	})
}

func (d *Dispatcher) publishEvent(ctx context.Context, event bus.Event, ev inbound.Event) {
	if d.bus == nil {
		return
	}

	event.Channel = ev.Channel
	event.UserID = ev.UserID
	event.Kind = string(ev.Kind)
	d.bus.PublishEvent(ctx, event)
}

// Run consumes inbound events from the bus until ctx is done or the bus is
// closed. Events are sharded by user id so each user's events are handled in
// arrival order while different users proceed in parallel.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.bus == nil {
		return errors.New("dispatcher has no message bus")
	}

	d.log.Info("Dispatcher started", "workers", d.workers, "bindings", d.registry.Len())

	shards := make([]chan inbound.Event, d.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range shards {
		shard := make(chan inbound.Event, d.queueSize)
		shards[i] = shard

		g.Go(func() error {
			for ev := range shard {
				if gctx.Err() != nil {
					d.log.Debug("Discarding queued event on shutdown", "user_id", ev.UserID)
					continue
				}
				// Outcomes are logged and published by Dispatch.
				_, _ = d.Dispatch(gctx, ev)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, shard := range shards {
				close(shard)
			}
		}()

		for {
			ev, ok := d.bus.ConsumeInbound(gctx)
			if !ok {
				return nil
			}

			select {
			case shards[shardFor(ev.UserID, len(shards))] <- ev:
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	d.log.Info("Dispatcher stopped")
	return err
}

func shardFor(userID string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.TrimSpace(userID)))
	return int(h.Sum32() % uint32(shards))
}
