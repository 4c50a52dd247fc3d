// Package store provides the durable, append-oriented event log.
//
// Two backends ship with the module: SQLiteStore for single-process
// production use and MemoryStore for tests and ephemeral deployments. Both
// honor the same contract; the conformance tests run against each.
package store

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a stored event record.
type Status string

const (
	// StatusPending marks a record written but not yet dispatched to completion.
	StatusPending Status = "pending"
	// StatusProcessing marks a record whose dispatch round is in flight.
	StatusProcessing Status = "processing"
	// StatusCompleted marks a record whose subscribers all succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed marks a record where at least one subscriber exhausted retries.
	StatusFailed Status = "failed"
	// StatusRetry marks a record scheduled for another delivery attempt.
	StatusRetry Status = "retry"
)

// Record is the durable form of an event. The immutable fields (ID,
// EventType, Payload, CreatedAt) are never mutated after Append; only
// Status, ProcessedAt, and error-carrying Metadata change post-write.
type Record struct {
	ID          string
	EventType   string
	AggregateID string
	Version     string
	Payload     []byte
	Metadata    map[string]any
	Status      Status
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Filter selects records for replay. Zero-valued fields are ignored.
type Filter struct {
	// FromDate includes records created at or after this instant.
	FromDate *time.Time

	// ToDate includes records created at or before this instant.
	ToDate *time.Time

	// EventTypes restricts to the given types.
	EventTypes []string

	// AggregateIDs restricts to the given aggregates.
	AggregateIDs []string

	// Version restricts to records at an exact payload schema version.
	Version string

	// BatchSize caps the result count. Zero means no cap: callers must
	// bound explicitly or accept a full scan.
	BatchSize int
}

// Stats summarizes the log contents.
type Stats struct {
	Total    int
	ByStatus map[Status]int
	ByType   map[string]int
}

// Store persists event records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append inserts a new record at status pending.
	// Returns ErrDuplicateID if the id already exists.
	Append(ctx context.Context, rec *Record) error

	// MarkCompleted sets status completed and stamps ProcessedAt.
	// Returns ErrNotFound if the id is absent.
	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed sets status failed, stamps ProcessedAt, and records the
	// error message in metadata under the "error" key.
	// Returns ErrNotFound if the id is absent.
	MarkFailed(ctx context.Context, id, errMsg string) error

	// GetByID retrieves a single record.
	// Returns ErrNotFound if the id is absent.
	GetByID(ctx context.Context, id string) (*Record, error)

	// GetByAggregateID returns all records for an aggregate, ordered by
	// CreatedAt ascending.
	GetByAggregateID(ctx context.Context, aggregateID string) ([]*Record, error)

	// GetByType returns the most recent records of a type, ordered by
	// CreatedAt descending, capped at limit (or uncapped if limit <= 0).
	GetByType(ctx context.Context, eventType string, limit int) ([]*Record, error)

	// QueryForReplay returns records matching the filter, ordered by
	// CreatedAt ascending.
	QueryForReplay(ctx context.Context, f Filter) ([]*Record, error)

	// Stats returns the total record count plus counts grouped by status
	// and by event type.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases any resources.
	Close() error
}

// Sentinel errors for store operations.
var (
	// ErrDuplicateID indicates an Append with an id that already exists.
	ErrDuplicateID = errors.New("event id already exists")

	// ErrNotFound indicates the requested record doesn't exist.
	ErrNotFound = errors.New("event record not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event store closed")
)
