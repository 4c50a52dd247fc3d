package eventspine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/storekit/eventspine/pkg/eventspine/dispatch"
	"github.com/storekit/eventspine/pkg/eventspine/event"
	"github.com/storekit/eventspine/pkg/eventspine/monitor"
	"github.com/storekit/eventspine/pkg/eventspine/replay"
	"github.com/storekit/eventspine/pkg/eventspine/schema"
	"github.com/storekit/eventspine/pkg/eventspine/store"
)

// ErrGatewayClosed indicates an operation on a closed gateway.
var ErrGatewayClosed = errors.New("gateway closed")

// shutdownTimeout bounds the worker pool drain on Close.
const shutdownTimeout = 5 * time.Second

// Gateway is the single entry point producers use to create, validate,
// persist, and publish events. It owns the wiring between the schema
// registry, the event store, the dispatcher, the monitor, and the replayer.
type Gateway struct {
	store      store.Store
	schemas    *schema.Registry
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Monitor
	replayer   *replay.Replayer
	logger     *slog.Logger
	stopReport func()
	closed     atomic.Bool
	closeOnce  sync.Once
}

// New builds a Gateway. With no options it runs on an in-memory store with
// default pool sizing and retry policy.
func New(opts ...Option) (*Gateway, error) {
	o := &options{
		logger:  slog.Default(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}

	st := o.store
	if st == nil {
		if o.storePath != "" {
			var err error
			st, err = store.NewSQLiteStore(o.storePath)
			if err != nil {
				return nil, fmt.Errorf("open event store: %w", err)
			}
		} else {
			st = store.NewMemoryStore()
		}
	}

	schemas := o.schemas
	if schemas == nil {
		schemas = schema.NewRegistry()
	}

	mon := monitor.NewMonitor(o.logger, o.recorder)
	reg := dispatch.NewRegistry()
	disp := dispatch.NewDispatcher(reg, st, mon, dispatch.Config{
		Workers:     o.workers,
		QueueSize:   o.queueSize,
		Retry:       o.retry,
		Logger:      o.logger,
		BaseContext: o.baseCtx,
	})

	g := &Gateway{
		store:      st,
		schemas:    schemas,
		registry:   reg,
		dispatcher: disp,
		monitor:    mon,
		logger:     o.logger,
	}

	replayOpts := []replay.Option{replay.WithLogger(o.logger)}
	if o.migrator != nil {
		replayOpts = append(replayOpts, replay.WithMigrator(o.migrator))
	}
	if o.recorder != nil {
		replayOpts = append(replayOpts, replay.WithMetricsRecorder(o.recorder))
	}
	g.replayer = replay.New(st, g, replayOpts...)

	if o.reportInterval > 0 {
		g.stopReport = mon.Start(o.baseCtx, o.reportInterval)
	}

	return g, nil
}

// Subscribe registers a handler for an event type. Registrations are
// normally made once at startup, before events flow.
func (g *Gateway) Subscribe(eventType, name string, h event.Handler, opts ...dispatch.SubscribeOption) error {
	return g.registry.Subscribe(eventType, name, h, opts...)
}

// Schemas exposes the payload schema registry so collaborators can register
// their schemas at startup.
func (g *Gateway) Schemas() *schema.Registry {
	return g.schemas
}

// Emit validates, persists, and publishes a single event, returning its id.
//
// The call blocks on validation, the store append, and scheduling of the
// dispatch round, never on subscriber completion. On failure the original
// error propagates and an error metric is recorded; a record that was
// already appended stays pending for later inspection or replay.
func (g *Gateway) Emit(ctx context.Context, eventType string, data any, opts ...event.Option) (string, error) {
	env, _, err := g.emit(ctx, eventType, data, opts...)
	if err != nil {
		return "", err
	}
	return env.ID, nil
}

// EmitAndWait emits like Emit, then blocks until every subscriber in the
// dispatch round has completed (success or exhausted retries) and the stored
// record is settled. It returns the first subscriber error; all subscribers
// still run to their own completion for bookkeeping.
func (g *Gateway) EmitAndWait(ctx context.Context, eventType string, data any, opts ...event.Option) (string, error) {
	env, round, err := g.emit(ctx, eventType, data, opts...)
	if err != nil {
		return "", err
	}
	if err := round.Wait(ctx); err != nil {
		return env.ID, err
	}
	return env.ID, nil
}

// BatchItem is one event in a batch emission.
type BatchItem struct {
	Type    string
	Data    any
	Options []event.Option
}

// EmitBatch emits each item sequentially. A failing item is logged and
// excluded from the returned id list; one bad event never aborts the batch.
// Callers detect partial failure by comparing lengths.
func (g *Gateway) EmitBatch(ctx context.Context, items []BatchItem) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := g.Emit(ctx, item.Type, item.Data, item.Options...)
		if err != nil {
			g.logger.Warn("batch item rejected",
				slog.String("event_type", item.Type),
				slog.String("error", err.Error()),
			)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// emit is the shared emission path.
func (g *Gateway) emit(ctx context.Context, eventType string, data any, opts ...event.Option) (*event.Envelope, *dispatch.Round, error) {
	if g.closed.Load() {
		return nil, nil, ErrGatewayClosed
	}

	env := event.New(eventType, data, opts...)

	if err := g.schemas.ValidateEnvelope(env); err != nil {
		g.monitor.TrackError(ctx, env, err)
		return nil, nil, err
	}
	if err := g.schemas.ValidatePayload(env.Type, env.Data); err != nil {
		g.monitor.TrackError(ctx, env, err)
		return nil, nil, err
	}

	rec, err := recordFromEnvelope(env)
	if err != nil {
		g.monitor.TrackError(ctx, env, err)
		return nil, nil, err
	}
	if err := g.store.Append(ctx, rec); err != nil {
		g.monitor.TrackError(ctx, env, err)
		return nil, nil, err
	}

	g.monitor.TrackEmission(ctx, env)
	round := g.dispatcher.Dispatch(ctx, env)

	g.logger.Debug("event emitted",
		slog.String("event_id", env.ID),
		slog.String("event_type", env.Type),
		slog.String("correlation_id", env.CorrelationID),
	)
	return env, round, nil
}

// recordFromEnvelope builds the durable form of an envelope. Provenance
// fields ride along in metadata so replay can carry them forward.
func recordFromEnvelope(env *event.Envelope) (*store.Record, error) {
	var payload []byte
	if env.Data != nil {
		raw, err := json.Marshal(env.Data)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		payload = raw
	}

	meta := make(map[string]any, len(env.Metadata)+3)
	for k, v := range env.Metadata {
		meta[k] = v
	}
	if env.UserID != "" {
		meta["userId"] = env.UserID
	}
	if env.CorrelationID != "" {
		meta["correlationId"] = env.CorrelationID
	}
	if env.CausationID != "" {
		meta["causationId"] = env.CausationID
	}

	return &store.Record{
		ID:          env.ID,
		EventType:   env.Type,
		AggregateID: env.AggregateID,
		Version:     env.Version,
		Payload:     payload,
		Metadata:    meta,
		Status:      store.StatusPending,
		CreatedAt:   env.Timestamp,
	}, nil
}

// Listeners returns the subscribers registered for an event type, in
// delivery order.
func (g *Gateway) Listeners(eventType string) []*dispatch.Subscriber {
	return g.registry.SubscribersFor(eventType)
}

// AllListeners returns every registration grouped by event type.
func (g *Gateway) AllListeners() map[string][]*dispatch.Subscriber {
	return g.registry.All()
}

// RemoveAllListeners drops every subscriber for one event type.
func (g *Gateway) RemoveAllListeners(eventType string) {
	g.registry.RemoveAll(eventType)
}

// ClearAllListeners drops every registration.
func (g *Gateway) ClearAllListeners() {
	g.registry.Clear()
}

// EventByID retrieves a stored record.
func (g *Gateway) EventByID(ctx context.Context, id string) (*store.Record, error) {
	return g.store.GetByID(ctx, id)
}

// EventsByAggregate returns an aggregate's records, oldest first.
func (g *Gateway) EventsByAggregate(ctx context.Context, aggregateID string) ([]*store.Record, error) {
	return g.store.GetByAggregateID(ctx, aggregateID)
}

// RecentEventsByType returns the newest records of a type, capped at limit.
func (g *Gateway) RecentEventsByType(ctx context.Context, eventType string, limit int) ([]*store.Record, error) {
	return g.store.GetByType(ctx, eventType, limit)
}

// Stats returns log totals grouped by status and type.
func (g *Gateway) Stats(ctx context.Context) (*store.Stats, error) {
	return g.store.Stats(ctx)
}

// Metrics returns a snapshot of per-type metrics.
func (g *Gateway) Metrics() map[string]monitor.TypeMetrics {
	return g.monitor.Snapshot()
}

// Health returns the derived system health.
func (g *Gateway) Health() monitor.Health {
	return g.monitor.SystemHealth()
}

// Replay re-emits stored events matching the filter.
func (g *Gateway) Replay(ctx context.Context, f store.Filter) (replay.Result, error) {
	return g.replayer.Replay(ctx, f)
}

// ReplayByAggregateID re-emits every event of one aggregate stream.
func (g *Gateway) ReplayByAggregateID(ctx context.Context, aggregateID string) (replay.Result, error) {
	return g.replayer.ReplayByAggregateID(ctx, aggregateID)
}

// ReplayByType re-emits events of one type, optionally bounded below in time.
func (g *Gateway) ReplayByType(ctx context.Context, eventType string, from *time.Time) (replay.Result, error) {
	return g.replayer.ReplayByType(ctx, eventType, from)
}

// ReplayToVersion re-emits matching events migrated to targetVersion.
// Requires a migrator wired via WithMigrator.
func (g *Gateway) ReplayToVersion(ctx context.Context, f store.Filter, targetVersion string) (replay.Result, error) {
	return g.replayer.ReplayToVersion(ctx, f, targetVersion)
}

// Close stops background work, drains the async worker pool, and closes the
// store. Idempotent.
func (g *Gateway) Close() error {
	var closeErr error

	g.closeOnce.Do(func() {
		g.closed.Store(true)

		if g.stopReport != nil {
			g.stopReport()
		}

		if err := g.dispatcher.Close(shutdownTimeout); err != nil {
			g.logger.Warn("worker pool shutdown timeout",
				slog.String("error", err.Error()))
			closeErr = err
		}

		if err := g.store.Close(); err != nil {
			g.logger.Error("store close failed",
				slog.String("error", err.Error()))
			closeErr = err
		}
	})

	return closeErr
}
