package dispatch_test

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storekit/eventspine/pkg/eventspine/dispatch"
	"github.com/storekit/eventspine/pkg/eventspine/errors"
	"github.com/storekit/eventspine/pkg/eventspine/event"
	"github.com/storekit/eventspine/pkg/eventspine/monitor"
	"github.com/storekit/eventspine/pkg/eventspine/store"
)

// fastConfig keeps retry backoff out of test runtimes.
func fastConfig() dispatch.Config {
	return dispatch.Config{
		Workers:   2,
		QueueSize: 16,
		Retry: errors.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			BackoffFactor:  2.0,
		},
	}
}

type fixture struct {
	registry   *dispatch.Registry
	store      store.Store
	dispatcher *dispatch.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	reg := dispatch.NewRegistry()
	st := store.NewMemoryStore()
	mon := monitor.NewMonitor(nil, nil)
	d := dispatch.NewDispatcher(reg, st, mon, fastConfig())
	t.Cleanup(func() {
		_ = d.Close(time.Second)
		_ = st.Close()
	})
	return &fixture{registry: reg, store: st, dispatcher: d}
}

// seed appends a pending record for env so the round has something to settle.
func (f *fixture) seed(t *testing.T, env *event.Envelope) {
	require.NoError(t, f.store.Append(context.Background(), &store.Record{
		ID:        env.ID,
		EventType: env.Type,
		Version:   env.Version,
		Payload:   []byte(`{}`),
		Status:    store.StatusPending,
		CreatedAt: env.Timestamp,
	}))
}

func TestDispatchPriorityOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	record := func(name string) event.Handler {
		return func(ctx context.Context, evt *event.Envelope) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// All sync so the invocation order is observable.
	require.NoError(t, f.registry.Subscribe("order.created", "low", record("low"),
		dispatch.Synchronous()))
	require.NoError(t, f.registry.Subscribe("order.created", "high-first", record("high-first"),
		dispatch.Synchronous(), dispatch.WithPriority(5)))
	require.NoError(t, f.registry.Subscribe("order.created", "mid", record("mid"),
		dispatch.Synchronous(), dispatch.WithPriority(1)))
	require.NoError(t, f.registry.Subscribe("order.created", "high-second", record("high-second"),
		dispatch.Synchronous(), dispatch.WithPriority(5)))

	env := event.New("order.created", map[string]any{"orderId": "o-1"})
	f.seed(t, env)

	round := f.dispatcher.Dispatch(ctx, env)
	require.NoError(t, round.Wait(ctx))

	assert.Equal(t, []string{"high-first", "high-second", "mid", "low"}, order)
}

func TestDispatchZeroSubscribersCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := event.New("order.created", map[string]any{})
	f.seed(t, env)

	round := f.dispatcher.Dispatch(ctx, env)
	require.NoError(t, round.Wait(ctx))

	rec, err := f.store.GetByID(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
}

func TestDispatchMarksCompletedOnSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, f.registry.Subscribe("order.created", "inventory",
		func(ctx context.Context, evt *event.Envelope) error {
			calls.Add(1)
			return nil
		}))

	env := event.New("order.created", map[string]any{})
	f.seed(t, env)

	round := f.dispatcher.Dispatch(ctx, env)
	require.NoError(t, round.Wait(ctx))

	assert.Equal(t, int32(1), calls.Load())

	rec, err := f.store.GetByID(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	require.NotNil(t, rec.ProcessedAt)
}

func TestDispatchRetryExhaustionMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, f.registry.Subscribe("order.created", "flaky",
		func(ctx context.Context, evt *event.Envelope) error {
			calls.Add(1)
			return stderrors.New("inventory unavailable")
		},
		dispatch.WithMaxAttempts(2)))

	env := event.New("order.created", map[string]any{})
	f.seed(t, env)

	round := f.dispatcher.Dispatch(ctx, env)
	err := round.Wait(ctx)
	require.Error(t, err)

	var herr *dispatch.HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "flaky", herr.Subscriber)
	assert.Equal(t, 2, herr.Attempts)

	assert.Equal(t, int32(2), calls.Load(),
		"MaxAttempts is the total budget including the first try")

	rec, getErr := f.store.GetByID(ctx, env.ID)
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.Metadata["error"])
}

func TestDispatchRecoversAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, f.registry.Subscribe("order.created", "flaky",
		func(ctx context.Context, evt *event.Envelope) error {
			if calls.Add(1) < 3 {
				return stderrors.New("transient glitch")
			}
			return nil
		}))

	env := event.New("order.created", map[string]any{})
	f.seed(t, env)

	round := f.dispatcher.Dispatch(ctx, env)
	require.NoError(t, round.Wait(ctx))

	assert.Equal(t, int32(3), calls.Load())

	rec, err := f.store.GetByID(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
}

func TestDispatchFailureIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var healthyCalls atomic.Int32
	require.NoError(t, f.registry.Subscribe("order.created", "broken",
		func(ctx context.Context, evt *event.Envelope) error {
			return errors.Permanent(stderrors.New("bad config"), "notify")
		},
		dispatch.WithPriority(10)))
	require.NoError(t, f.registry.Subscribe("order.created", "healthy",
		func(ctx context.Context, evt *event.Envelope) error {
			healthyCalls.Add(1)
			return nil
		}))

	env := event.New("order.created", map[string]any{})
	f.seed(t, env)

	round := f.dispatcher.Dispatch(ctx, env)
	err := round.Wait(ctx)
	require.Error(t, err, "first failure surfaces through Wait")

	assert.Equal(t, int32(1), healthyCalls.Load(),
		"one subscriber's failure must not stop the others")

	rec, getErr := f.store.GetByID(ctx, env.ID)
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusFailed, rec.Status)
}

func TestDispatchPermanentErrorSkipsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, f.registry.Subscribe("order.created", "strict",
		func(ctx context.Context, evt *event.Envelope) error {
			calls.Add(1)
			return errors.Permanent(stderrors.New("malformed payload"), "decode")
		}))

	env := event.New("order.created", map[string]any{})
	f.seed(t, env)

	round := f.dispatcher.Dispatch(ctx, env)
	require.Error(t, round.Wait(ctx))

	assert.Equal(t, int32(1), calls.Load(), "permanent errors must not be retried")
}

func TestDispatchHandlerPanicContained(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Subscribe("order.created", "panicky",
		func(ctx context.Context, evt *event.Envelope) error {
			panic("handler exploded")
		},
		dispatch.WithMaxAttempts(1)))

	env := event.New("order.created", map[string]any{})
	f.seed(t, env)

	round := f.dispatcher.Dispatch(ctx, env)
	err := round.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic")

	rec, getErr := f.store.GetByID(ctx, env.ID)
	require.NoError(t, getErr)
	assert.Equal(t, store.StatusFailed, rec.Status)
}

func TestDispatchSubscriberTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.Subscribe("order.created", "slow",
		func(ctx context.Context, evt *event.Envelope) error {
			select {
			case <-time.After(5 * time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		dispatch.WithMaxAttempts(1),
		dispatch.WithTimeout(10*time.Millisecond)))

	env := event.New("order.created", map[string]any{})
	f.seed(t, env)

	round := f.dispatcher.Dispatch(ctx, env)
	err := round.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatchAsyncSubscriberRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, f.registry.Subscribe("order.created", "async-worker",
		func(ctx context.Context, evt *event.Envelope) error {
			calls.Add(1)
			return nil
		}))

	env := event.New("order.created", map[string]any{})
	f.seed(t, env)

	round := f.dispatcher.Dispatch(ctx, env)
	require.NoError(t, round.Wait(ctx))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRoundWaitRespectsContext(t *testing.T) {
	f := newFixture(t)

	blocker := make(chan struct{})
	require.NoError(t, f.registry.Subscribe("order.created", "stuck",
		func(ctx context.Context, evt *event.Envelope) error {
			<-blocker
			return nil
		}))

	env := event.New("order.created", map[string]any{})
	f.seed(t, env)

	round := f.dispatcher.Dispatch(context.Background(), env)

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := round.Wait(waitCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(blocker)
	<-round.Done()
}

func TestHandlerErrorUnwrap(t *testing.T) {
	inner := stderrors.New("inner")
	herr := &dispatch.HandlerError{
		Subscriber: "inventory",
		EventID:    "evt-1",
		EventType:  "order.created",
		Attempts:   3,
		Err:        inner,
	}
	assert.ErrorIs(t, herr, inner)
	assert.Contains(t, herr.Error(), "inventory")
	assert.Contains(t, herr.Error(), "3 attempts")
}
