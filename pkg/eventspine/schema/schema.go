// Package schema validates event envelopes and, when a schema has been
// registered for an event type, the structure of their payloads.
//
// Validation is permissive by default: an event type without a registered
// schema passes payload validation untouched. Collaborators populate the
// registry at startup.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/storekit/eventspine/pkg/eventspine/event"
)

// ValidationError reports a malformed envelope or payload. Its message
// concatenates every violation found, so the producer sees the full picture
// in one round trip.
type ValidationError struct {
	EventType  string
	Violations []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.EventType != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.EventType, strings.Join(e.Violations, "; "))
	}
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

// FieldKind constrains the JSON shape of a payload field.
type FieldKind int

const (
	// KindAny accepts any non-nil value.
	KindAny FieldKind = iota
	// KindString requires a string.
	KindString
	// KindNumber requires a numeric value.
	KindNumber
	// KindBool requires a boolean.
	KindBool
	// KindMap requires an object.
	KindMap
	// KindSlice requires an array.
	KindSlice
)

// String returns the kind name.
func (k FieldKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindMap:
		return "object"
	case KindSlice:
		return "array"
	default:
		return "any"
	}
}

// FieldRule describes one payload field.
type FieldRule struct {
	// Name is the field name in the payload object.
	Name string

	// Kind constrains the field's shape.
	Kind FieldKind

	// Required makes a missing or nil field a violation.
	Required bool
}

// Schema declares the expected payload structure for an event type.
type Schema struct {
	// EventType the schema applies to.
	EventType string

	// Version is the payload schema version this definition describes.
	Version string

	// Fields are the structural rules applied to the payload object.
	Fields []FieldRule

	// AllowEmptyData permits a nil payload for this event type.
	AllowEmptyData bool

	// Validate is an optional custom check run after the field rules.
	Validate func(data any) error
}

// Registry holds registered payload schemas, keyed by event type.
// It is safe for concurrent use; writes happen at startup, reads on every
// emission.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register adds a schema for an event type, replacing any previous one.
func (r *Registry) Register(eventType string, s *Schema) error {
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	if s == nil {
		return fmt.Errorf("schema is required")
	}
	if s.EventType == "" {
		s.EventType = eventType
	}
	if s.Version == "" {
		s.Version = event.DefaultVersion
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[eventType] = s
	return nil
}

// Get returns the schema for an event type.
func (r *Registry) Get(eventType string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[eventType]
	return s, ok
}

// Has returns true if a schema exists for the event type.
func (r *Registry) Has(eventType string) bool {
	_, ok := r.Get(eventType)
	return ok
}

// Types returns all event types with a registered schema.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	return types
}

// ValidateEnvelope checks the envelope's required fields: id, type,
// timestamp, and version must be present, and data may be nil only when the
// type's schema explicitly allows an empty payload.
func (r *Registry) ValidateEnvelope(env *event.Envelope) error {
	var violations []string

	if env == nil {
		return &ValidationError{Violations: []string{"envelope is nil"}}
	}
	if env.ID == "" {
		violations = append(violations, "missing id")
	}
	if env.Type == "" {
		violations = append(violations, "missing type")
	}
	if env.Version == "" {
		violations = append(violations, "missing version")
	}
	if env.Timestamp.IsZero() {
		violations = append(violations, "missing or invalid timestamp")
	}
	if env.Data == nil && !r.allowsEmptyData(env.Type) {
		violations = append(violations, "missing data")
	}

	if len(violations) > 0 {
		return &ValidationError{EventType: env.Type, Violations: violations}
	}
	return nil
}

func (r *Registry) allowsEmptyData(eventType string) bool {
	s, ok := r.Get(eventType)
	return ok && s.AllowEmptyData
}

// ValidatePayload structurally validates data against the schema registered
// for eventType. No registered schema means no-op.
func (r *Registry) ValidatePayload(eventType string, data any) error {
	s, ok := r.Get(eventType)
	if !ok {
		return nil
	}

	var violations []string

	if data == nil {
		if s.AllowEmptyData {
			return nil
		}
		return &ValidationError{EventType: eventType, Violations: []string{"payload is nil"}}
	}

	if len(s.Fields) > 0 {
		obj, err := asObject(data)
		if err != nil {
			violations = append(violations, err.Error())
		} else {
			for _, rule := range s.Fields {
				violations = append(violations, checkField(obj, rule)...)
			}
		}
	}

	if s.Validate != nil {
		if err := s.Validate(data); err != nil {
			violations = append(violations, err.Error())
		}
	}

	if len(violations) > 0 {
		return &ValidationError{EventType: eventType, Violations: violations}
	}
	return nil
}

// asObject coerces the payload into a map for field inspection. Structs take
// the JSON round trip, matching what the store persists.
func asObject(data any) (map[string]any, error) {
	if m, ok := data.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("payload is not an object: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("payload is not an object")
	}
	return m, nil
}

func checkField(obj map[string]any, rule FieldRule) []string {
	v, present := obj[rule.Name]
	if !present || v == nil {
		if rule.Required {
			return []string{fmt.Sprintf("field %q is required", rule.Name)}
		}
		return nil
	}

	ok := true
	switch rule.Kind {
	case KindString:
		_, ok = v.(string)
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		default:
			ok = false
		}
	case KindBool:
		_, ok = v.(bool)
	case KindMap:
		_, ok = v.(map[string]any)
	case KindSlice:
		_, ok = v.([]any)
	case KindAny:
	}
	if !ok {
		return []string{fmt.Sprintf("field %q must be a %s", rule.Name, rule.Kind)}
	}
	return nil
}
