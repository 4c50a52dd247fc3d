// Package event defines the envelope carried through the backbone and the
// handler primitives used by subscribers.
//
// An Envelope is the in-flight form of an event: identity, provenance links
// (correlation and causation), a free-form payload, and merged metadata. Once
// built it is treated as immutable; anything derived from it is a new
// envelope.
package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultVersion is the payload schema version stamped on envelopes that
// don't declare one.
const DefaultVersion = "1.0.0"

// Envelope is the in-flight representation of an event.
type Envelope struct {
	// ID uniquely identifies the event. Generated at creation, never reused.
	ID string `json:"id"`

	// Type is the topic name that drives subscriber lookup and store indexing.
	Type string `json:"type"`

	// Data is the producer-defined payload.
	Data any `json:"data"`

	// Version is the semantic version of the payload schema.
	Version string `json:"version"`

	// AggregateID correlates events belonging to one logical entity stream.
	AggregateID string `json:"aggregate_id,omitempty"`

	// UserID identifies the acting user, when known.
	UserID string `json:"user_id,omitempty"`

	// CorrelationID groups a whole chain of related events.
	CorrelationID string `json:"correlation_id"`

	// CausationID points at the event that directly triggered this one.
	CausationID string `json:"causation_id,omitempty"`

	// Metadata holds free-form key/value pairs, merged from caller-supplied
	// and system-added fields.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Timestamp is the creation time. Set once.
	Timestamp time.Time `json:"timestamp"`
}

// Option configures envelope creation.
type Option func(*Envelope)

// WithID sets a specific event ID (default: auto-generated UUID).
func WithID(id string) Option {
	return func(e *Envelope) { e.ID = id }
}

// WithVersion sets the payload schema version.
func WithVersion(v string) Option {
	return func(e *Envelope) { e.Version = v }
}

// WithAggregateID associates the event with an aggregate stream.
func WithAggregateID(id string) Option {
	return func(e *Envelope) { e.AggregateID = id }
}

// WithUserID records the acting user.
func WithUserID(id string) Option {
	return func(e *Envelope) { e.UserID = id }
}

// WithCorrelationID sets the correlation ID. When absent, a fresh ID is
// generated at creation.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithCausationID sets the ID of the event that caused this one.
func WithCausationID(id string) Option {
	return func(e *Envelope) { e.CausationID = id }
}

// WithTimestamp sets a specific timestamp (default: time.Now).
func WithTimestamp(t time.Time) Option {
	return func(e *Envelope) { e.Timestamp = t }
}

// WithMetadata merges the given fields into the envelope metadata.
// Later values win over earlier ones for the same key.
func WithMetadata(meta map[string]any) Option {
	return func(e *Envelope) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]any, len(meta))
		}
		for k, v := range meta {
			e.Metadata[k] = v
		}
	}
}

// New creates an envelope for the given type and payload.
//
// The ID and Timestamp are stamped once. CorrelationID defaults to a fresh
// UUID when no option supplies one, so every event chain has a root.
func New(eventType string, data any, opts ...Option) *Envelope {
	e := &Envelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		Data:      data,
		Version:   DefaultVersion,
		Timestamp: time.Now().UTC(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.CorrelationID == "" {
		e.CorrelationID = uuid.New().String()
	}

	return e
}

// Handler processes a single event. Returning an error triggers the
// dispatcher's retry policy for that subscriber.
type Handler func(ctx context.Context, evt *Envelope) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Chain applies middleware in order, with the first middleware outermost.
func Chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
