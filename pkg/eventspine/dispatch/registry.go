// Package dispatch owns subscriber registration and event fan-out: ordered
// delivery, per-subscriber retry with backoff, failure isolation, and the
// bookkeeping that settles each stored record's final status.
package dispatch

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/storekit/eventspine/pkg/eventspine/event"
)

// Subscriber is one registered handler for an event type.
type Subscriber struct {
	// EventType the subscriber listens on.
	EventType string

	// Name identifies the subscriber in logs and errors.
	Name string

	// Handler is the function invoked for each event.
	Handler event.Handler

	// Async subscribers run on the worker pool without blocking the
	// fan-out loop. Sync subscribers run inline, blocking later
	// subscribers of the same event. Default: true.
	Async bool

	// MaxAttempts is the total invocation budget, including the first
	// try. Zero inherits the dispatcher's retry policy.
	MaxAttempts int

	// Priority orders delivery within one event: higher first, ties by
	// registration order. Default: 0.
	Priority int

	// Version is the payload schema version the handler expects.
	Version string

	// Timeout bounds each invocation attempt. Zero means unbounded.
	Timeout time.Duration

	seq int // registration order, tiebreaker for equal priorities
}

// SubscribeOption configures a subscriber registration.
type SubscribeOption func(*Subscriber)

// Synchronous makes the subscriber run inline during fan-out.
func Synchronous() SubscribeOption {
	return func(s *Subscriber) { s.Async = false }
}

// WithMaxAttempts sets the total invocation budget (including the first try).
func WithMaxAttempts(n int) SubscribeOption {
	return func(s *Subscriber) { s.MaxAttempts = n }
}

// WithPriority sets the delivery priority (higher dispatched first).
func WithPriority(p int) SubscribeOption {
	return func(s *Subscriber) { s.Priority = p }
}

// WithVersion declares the payload schema version the handler expects.
func WithVersion(v string) SubscribeOption {
	return func(s *Subscriber) { s.Version = v }
}

// WithTimeout bounds each invocation attempt.
func WithTimeout(d time.Duration) SubscribeOption {
	return func(s *Subscriber) { s.Timeout = d }
}

// Registry is the subscriber registration table. Registrations are explicit
// calls, normally made once at process start; the table is also the target
// of the administrative remove operations.
type Registry struct {
	mu     sync.RWMutex
	byType map[string][]*Subscriber
	seq    int
}

// NewRegistry creates an empty subscriber registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string][]*Subscriber)}
}

// Subscribe registers a handler for an event type.
func (r *Registry) Subscribe(eventType, name string, h event.Handler, opts ...SubscribeOption) error {
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	if h == nil {
		return fmt.Errorf("handler is required")
	}
	if name == "" {
		name = eventType
	}

	sub := &Subscriber{
		EventType: eventType,
		Name:      name,
		Handler:   h,
		Async:     true,
		Version:   event.DefaultVersion,
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.MaxAttempts < 0 {
		sub.MaxAttempts = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sub.seq = r.seq
	r.seq++
	r.byType[eventType] = append(r.byType[eventType], sub)
	return nil
}

// SubscribersFor returns the subscribers for an event type, in delivery
// order: priority descending, ties broken by registration order.
func (r *Registry) SubscribersFor(eventType string) []*Subscriber {
	r.mu.RLock()
	subs := make([]*Subscriber, len(r.byType[eventType]))
	copy(subs, r.byType[eventType])
	r.mu.RUnlock()

	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].Priority != subs[j].Priority {
			return subs[i].Priority > subs[j].Priority
		}
		return subs[i].seq < subs[j].seq
	})
	return subs
}

// All returns every registration grouped by event type, in delivery order.
func (r *Registry) All() map[string][]*Subscriber {
	r.mu.RLock()
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	r.mu.RUnlock()

	out := make(map[string][]*Subscriber, len(types))
	for _, t := range types {
		if subs := r.SubscribersFor(t); len(subs) > 0 {
			out[t] = subs
		}
	}
	return out
}

// RemoveAll drops every subscriber for an event type.
func (r *Registry) RemoveAll(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byType, eventType)
}

// Clear drops every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType = make(map[string][]*Subscriber)
}
