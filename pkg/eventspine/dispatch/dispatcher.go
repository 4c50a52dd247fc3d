package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/storekit/eventspine/pkg/eventspine/errors"
	"github.com/storekit/eventspine/pkg/eventspine/event"
	"github.com/storekit/eventspine/pkg/eventspine/monitor"
	"github.com/storekit/eventspine/pkg/eventspine/store"
)

// HandlerError wraps a subscriber failure after its retry budget is spent.
type HandlerError struct {
	Subscriber string
	EventID    string
	EventType  string
	Attempts   int
	Err        error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("subscriber %s: event %s (%s) failed after %d attempts: %v",
		e.Subscriber, e.EventID, e.EventType, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Config configures dispatcher behavior.
type Config struct {
	// Workers is the async worker pool size. Default: 8.
	Workers int

	// QueueSize is the async task queue capacity. Default: 1024.
	QueueSize int

	// Retry is the default retry policy; each subscriber's MaxAttempts
	// overrides the attempt budget.
	Retry errors.RetryConfig

	// Logger for dispatch diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// BaseContext outlives individual emissions; async invocations and
	// record settlement run under it so they don't die with a request
	// context. Default: context.Background().
	BaseContext context.Context
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	Workers:   8,
	QueueSize: 1024,
	Retry:     errors.DefaultRetry,
}

// Dispatcher fans one event out to its registered subscribers, in priority
// order, and settles the stored record once the round concludes.
type Dispatcher struct {
	registry *Registry
	store    store.Store
	monitor  *monitor.Monitor
	pool     *workerPool
	retry    errors.RetryConfig
	logger   *slog.Logger
	baseCtx  context.Context
	tracer   trace.Tracer
}

// NewDispatcher wires a dispatcher from its collaborators. All dependencies
// are explicit; nothing is reached through ambient singletons.
func NewDispatcher(reg *Registry, st store.Store, mon *monitor.Monitor, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultConfig.Retry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}

	return &Dispatcher{
		registry: reg,
		store:    st,
		monitor:  mon,
		pool:     newWorkerPool(cfg.BaseContext, cfg.Workers, cfg.QueueSize),
		retry:    cfg.Retry,
		logger:   cfg.Logger,
		baseCtx:  cfg.BaseContext,
		tracer:   otel.Tracer("eventspine"),
	}
}

// Round aggregates one fan-out of a single event to all its subscribers.
type Round struct {
	env  *event.Envelope
	wg   sync.WaitGroup
	mu   sync.Mutex
	err  error
	done chan struct{}
}

func newRound(env *event.Envelope) *Round {
	return &Round{env: env, done: make(chan struct{})}
}

func (r *Round) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *Round) firstErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until every subscriber in the round has finished (success or
// exhausted retries) and the stored record has been settled. It returns the
// first subscriber error; the remaining subscribers still run to their own
// completion for bookkeeping.
func (r *Round) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.firstErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the round has settled.
func (r *Round) Done() <-chan struct{} {
	return r.done
}

// Dispatch fans env out to its subscribers and returns immediately after
// every sync subscriber has run and every async subscriber has been
// scheduled. Use the returned Round to wait for full completion.
//
// One subscriber's exhausted failure never prevents the others from running;
// errors only reach a caller through Round.Wait.
func (d *Dispatcher) Dispatch(ctx context.Context, env *event.Envelope) *Round {
	subs := d.registry.SubscribersFor(env.Type)
	round := newRound(env)

	if len(subs) == 0 {
		d.settle(round)
		return round
	}

	round.wg.Add(len(subs))
	go func() {
		round.wg.Wait()
		d.settle(round)
	}()

	for _, sub := range subs {
		sub := sub
		if sub.Async {
			d.pool.Submit(func() {
				d.invoke(d.baseCtx, sub, env, round)
			})
		} else {
			d.invoke(ctx, sub, env, round)
		}
	}

	return round
}

// settle records the round's outcome on the stored record.
func (d *Dispatcher) settle(round *Round) {
	var markErr error
	if ferr := round.firstErr(); ferr != nil {
		markErr = d.store.MarkFailed(d.baseCtx, round.env.ID, ferr.Error())
	} else {
		markErr = d.store.MarkCompleted(d.baseCtx, round.env.ID)
	}
	if markErr != nil {
		d.logger.Warn("event status update failed",
			slog.String("event_id", round.env.ID),
			slog.String("event_type", round.env.Type),
			slog.String("error", markErr.Error()),
		)
	}
	close(round.done)
}

// invoke runs one subscriber's full retried invocation and its bookkeeping.
func (d *Dispatcher) invoke(ctx context.Context, sub *Subscriber, env *event.Envelope, round *Round) {
	defer round.wg.Done()

	cfg := d.retry
	if sub.MaxAttempts > 0 {
		cfg.MaxAttempts = sub.MaxAttempts
	}

	start := time.Now()
	res := errors.WithRetryContext(ctx, cfg, func(actx context.Context) (struct{}, error) {
		return struct{}{}, d.attempt(actx, sub, env)
	})
	d.monitor.TrackProcessing(ctx, env.Type, time.Since(start))

	if res.Err == nil {
		return
	}

	herr := &HandlerError{
		Subscriber: sub.Name,
		EventID:    env.ID,
		EventType:  env.Type,
		Attempts:   res.Attempts,
		Err:        res.Err,
	}
	d.monitor.TrackError(ctx, env, herr)
	d.logger.Error("subscriber exhausted retries",
		slog.String("subscriber", sub.Name),
		slog.String("event_id", env.ID),
		slog.String("event_type", env.Type),
		slog.Int("attempts", res.Attempts),
		slog.String("error", res.Err.Error()),
	)
	round.fail(herr)
}

// attempt runs a single invocation attempt with tracing, optional deadline,
// and panic containment.
func (d *Dispatcher) attempt(ctx context.Context, sub *Subscriber, env *event.Envelope) (err error) {
	actx := ctx
	cancel := func() {}
	if sub.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, sub.Timeout)
	}
	defer cancel()

	sctx, span := d.tracer.Start(actx, "eventspine.handle",
		trace.WithAttributes(
			attribute.String("event.id", env.ID),
			attribute.String("event.type", env.Type),
			attribute.String("subscriber", sub.Name),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- sub.Handler(sctx, env)
	}()

	select {
	case err = <-done:
		return err
	case <-actx.Done():
		// Deadline bounds the wait; the handler goroutine is abandoned.
		err = actx.Err()
		return err
	}
}

// Close drains the async worker pool, waiting up to timeout.
func (d *Dispatcher) Close(timeout time.Duration) error {
	return d.pool.Close(timeout)
}
