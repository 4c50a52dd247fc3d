// Package replay re-drives historical events from the store back through the
// emission path.
//
// Replay is additive: every replayed event is a brand-new stored record with
// its own id, emitted under "<originalType>.replay" and linked back to the
// original through causation and metadata. History is never mutated.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/storekit/eventspine/pkg/eventspine/event"
	"github.com/storekit/eventspine/pkg/eventspine/monitor"
	"github.com/storekit/eventspine/pkg/eventspine/schema"
	"github.com/storekit/eventspine/pkg/eventspine/store"
)

// ReplayTopicSuffix is appended to the original event type when re-emitting.
const ReplayTopicSuffix = ".replay"

// Emitter is the slice of the emission gateway the replayer needs.
type Emitter interface {
	Emit(ctx context.Context, eventType string, data any, opts ...event.Option) (string, error)
}

// Result summarizes one replay batch.
type Result struct {
	Replayed int `json:"replayed_count"`
	Failed   int `json:"failed_count"`
	Total    int `json:"total_count"`
}

// ItemError is a per-record replay failure. It is counted and logged, never
// allowed to abort the batch.
type ItemError struct {
	EventID string
	Err     error
}

// Error implements the error interface.
func (e *ItemError) Error() string {
	return fmt.Sprintf("replay of event %s failed: %v", e.EventID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ItemError) Unwrap() error {
	return e.Err
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Replayer) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMigrator wires the schema migration collaborator. When set and a
// replay requests a target version, records are forwarded through it before
// re-emission.
func WithMigrator(m schema.Migrator) Option {
	return func(r *Replayer) { r.migrator = m }
}

// WithMetricsRecorder mirrors replay outcomes into a metrics backend.
func WithMetricsRecorder(rec monitor.MetricsRecorder) Option {
	return func(r *Replayer) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// Replayer queries the store and re-emits matching events.
type Replayer struct {
	store    store.Store
	emitter  Emitter
	migrator schema.Migrator
	logger   *slog.Logger
	recorder monitor.MetricsRecorder
}

// New creates a Replayer over a store and an emitter.
func New(st store.Store, em Emitter, opts ...Option) *Replayer {
	r := &Replayer{
		store:    st,
		emitter:  em,
		logger:   slog.Default(),
		recorder: monitor.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replay re-emits every stored record matching the filter. Per-record
// failures increment the failed count and are logged; the batch always runs
// to the end.
func (r *Replayer) Replay(ctx context.Context, f store.Filter) (Result, error) {
	return r.run(ctx, f, "")
}

// ReplayToVersion replays like Replay but forwards each record through the
// migration collaborator so re-emitted events carry targetVersion. Records
// already at the target version skip migration.
func (r *Replayer) ReplayToVersion(ctx context.Context, f store.Filter, targetVersion string) (Result, error) {
	return r.run(ctx, f, targetVersion)
}

func (r *Replayer) run(ctx context.Context, f store.Filter, targetVersion string) (Result, error) {
	recs, err := r.store.QueryForReplay(ctx, f)
	if err != nil {
		return Result{}, fmt.Errorf("query for replay: %w", err)
	}

	res := Result{Total: len(recs)}
	for _, rec := range recs {
		if err := r.replayRecord(ctx, rec, targetVersion); err != nil {
			res.Failed++
			item := &ItemError{EventID: rec.ID, Err: err}
			r.logger.Warn("replay item failed",
				slog.String("event_type", rec.EventType),
				slog.String("error", item.Error()),
			)
			r.recorder.RecordReplay(ctx, rec.EventType, false)
			continue
		}
		res.Replayed++
		r.recorder.RecordReplay(ctx, rec.EventType, true)
	}

	r.logger.Info("replay batch finished",
		slog.Int("total", res.Total),
		slog.Int("replayed", res.Replayed),
		slog.Int("failed", res.Failed),
	)
	return res, nil
}

// ReplayByAggregateID re-emits every event of one aggregate stream.
func (r *Replayer) ReplayByAggregateID(ctx context.Context, aggregateID string) (Result, error) {
	return r.Replay(ctx, store.Filter{AggregateIDs: []string{aggregateID}})
}

// ReplayByType re-emits events of one type, optionally bounded below in time.
func (r *Replayer) ReplayByType(ctx context.Context, eventType string, from *time.Time) (Result, error) {
	return r.Replay(ctx, store.Filter{EventTypes: []string{eventType}, FromDate: from})
}

// replayRecord rebuilds an envelope from a stored record and emits it under
// the replay topic, linked to the original.
func (r *Replayer) replayRecord(ctx context.Context, rec *store.Record, targetVersion string) error {
	var data any
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &data); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}

	version := rec.Version

	// Forward through the migration collaborator when a target version was
	// requested and the record predates it.
	if r.migrator != nil && targetVersion != "" && version != targetVersion {
		candidate := event.New(rec.EventType, data,
			event.WithID(rec.ID),
			event.WithVersion(version),
			event.WithAggregateID(rec.AggregateID),
		)
		migrated, err := r.migrator.Migrate(candidate, targetVersion)
		if err != nil {
			return fmt.Errorf("migrate to %s: %w", targetVersion, err)
		}
		data = migrated.Data
		version = migrated.Version
	}

	opts := []event.Option{
		event.WithVersion(version),
		event.WithCausationID(rec.ID),
		event.WithMetadata(map[string]any{
			"replayed":        true,
			"originalEventId": rec.ID,
		}),
	}
	if rec.AggregateID != "" {
		opts = append(opts, event.WithAggregateID(rec.AggregateID))
	}
	if userID, ok := rec.Metadata["userId"].(string); ok && userID != "" {
		opts = append(opts, event.WithUserID(userID))
	}
	if correlationID, ok := rec.Metadata["correlationId"].(string); ok && correlationID != "" {
		opts = append(opts, event.WithCorrelationID(correlationID))
	}

	if _, err := r.emitter.Emit(ctx, rec.EventType+ReplayTopicSuffix, data, opts...); err != nil {
		return err
	}
	return nil
}
