package route

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"chatflow/pkg/bus"
	"chatflow/pkg/faq"
	"chatflow/pkg/inbound"
	"chatflow/pkg/store"
)

var (
	ErrNilCallback     = errors.New("binding callback is required")
	ErrDuplicateBypass = errors.New("bypass binding already registered")
	ErrFrozen          = errors.New("registry is frozen")
)

// Call is what a callback receives for one dispatched event.
type Call struct {
	Event      inbound.Event
	Context    store.UserContext
	Candidates []faq.Candidate
	Binding    string
}

// Reply is the callback result. Context replaces the stored record; Messages
// are delivered after it has been persisted.
type Reply struct {
	Context  store.UserContext
	Messages []bus.OutboundMessage
}

// Callback handles one accepted event. Call.Context is the callback's own copy.
type Callback func(ctx context.Context, call Call) (Reply, error)

// Binding ties a predicate to a callback.
type Binding struct {
	Name      string
	Predicate Predicate
	Callback  Callback
	Priority  int

	// Bypass routes events of this kind straight to the callback, skipping
	// the predicate. Empty for ordinary bindings.
	Bypass inbound.Kind

	seq int
}

// Registry is the ordered set of bindings. It is populated at startup and
// read-only once frozen.
type Registry struct {
	mu       sync.RWMutex
	bindings []Binding
	bypass   map[inbound.Kind]Binding
	ordered  []Binding
	frozen   bool
}

func NewRegistry() *Registry {
	return &Registry{bypass: make(map[inbound.Kind]Binding)}
}

// Register appends b. Errors here are configuration errors.
func (r *Registry) Register(b Binding) error {
	if b.Callback == nil {
		return fmt.Errorf("register %q: %w", b.Name, ErrNilCallback)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(b.Name) == "" {
		b.Name = fmt.Sprintf("binding-%d", len(r.bindings)+len(r.bypass)+1)
	}
	if r.frozen {
		return fmt.Errorf("register %q: %w", b.Name, ErrFrozen)
	}

	if b.Bypass != "" {
		if existing, ok := r.bypass[b.Bypass]; ok {
			return fmt.Errorf("register %q for %s events (already bound to %q): %w", b.Name, b.Bypass, existing.Name, ErrDuplicateBypass)
		}
		r.bypass[b.Bypass] = b
		return nil
	}

	b.seq = len(r.bindings)
	r.bindings = append(r.bindings, b)
	r.ordered = nil

	return nil
}

// Freeze rejects further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// InDispatchOrder returns the non-bypass bindings, highest priority first,
// registration order on ties. The slice is shared and must not be modified.
func (r *Registry) InDispatchOrder() []Binding {
	r.mu.RLock()
	if r.ordered != nil || len(r.bindings) == 0 {
		ordered := r.ordered
		r.mu.RUnlock()
		return ordered
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ordered == nil {
		ordered := make([]Binding, len(r.bindings))
		copy(ordered, r.bindings)
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].Priority != ordered[j].Priority {
				return ordered[i].Priority > ordered[j].Priority
			}
			return ordered[i].seq < ordered[j].seq
		})
		r.ordered = ordered
	}

	return r.ordered
}

// Bypass returns the binding registered for events of kind, if any.
func (r *Registry) Bypass(kind inbound.Kind) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bypass[kind]
	return b, ok
}

// Len reports the number of registered bindings, bypass ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings) + len(r.bypass)
}
