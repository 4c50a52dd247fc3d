package replay_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storekit/eventspine/pkg/eventspine/event"
	"github.com/storekit/eventspine/pkg/eventspine/replay"
	"github.com/storekit/eventspine/pkg/eventspine/schema"
	"github.com/storekit/eventspine/pkg/eventspine/store"
)

// captureEmitter records every emission as the envelope it would produce.
type captureEmitter struct {
	emitted []*event.Envelope
	failFor map[string]error // keyed by event type
}

func (c *captureEmitter) Emit(ctx context.Context, eventType string, data any, opts ...event.Option) (string, error) {
	if err, ok := c.failFor[eventType]; ok {
		return "", err
	}
	env := event.New(eventType, data, opts...)
	c.emitted = append(c.emitted, env)
	return env.ID, nil
}

func seedStore(t *testing.T) store.Store {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	records := []*store.Record{
		{
			ID:          "evt-1",
			EventType:   "order.created",
			AggregateID: "order-1",
			Version:     "1.0.0",
			Payload:     []byte(`{"orderId":"o-1","total":50}`),
			Metadata:    map[string]any{"userId": "user-7", "correlationId": "corr-abc"},
			Status:      store.StatusCompleted,
			CreatedAt:   base,
		},
		{
			ID:          "evt-2",
			EventType:   "order.shipped",
			AggregateID: "order-1",
			Version:     "1.0.0",
			Payload:     []byte(`{"orderId":"o-1"}`),
			Metadata:    map[string]any{},
			Status:      store.StatusCompleted,
			CreatedAt:   base.Add(time.Hour),
		},
		{
			ID:        "evt-3",
			EventType: "report.generated",
			Version:   "1.0.0",
			Payload:   []byte(`{"reportId":"r-1"}`),
			Metadata:  map[string]any{},
			Status:    store.StatusFailed,
			CreatedAt: base.Add(2 * time.Hour),
		},
	}
	for _, rec := range records {
		require.NoError(t, st.Append(context.Background(), rec))
	}
	return st
}

func TestReplayReEmitsUnderReplayTopic(t *testing.T) {
	st := seedStore(t)
	em := &captureEmitter{}
	r := replay.New(st, em)

	res, err := r.Replay(context.Background(), store.Filter{EventTypes: []string{"order.created"}})
	require.NoError(t, err)
	assert.Equal(t, replay.Result{Replayed: 1, Failed: 0, Total: 1}, res)

	require.Len(t, em.emitted, 1)
	env := em.emitted[0]
	assert.Equal(t, "order.created"+replay.ReplayTopicSuffix, env.Type)
	assert.NotEqual(t, "evt-1", env.ID, "replayed event gets a fresh id")
	assert.Equal(t, "evt-1", env.CausationID, "replay is caused by the original")
	assert.Equal(t, true, env.Metadata["replayed"])
	assert.Equal(t, "evt-1", env.Metadata["originalEventId"])
	assert.Equal(t, "order-1", env.AggregateID)
	assert.Equal(t, "user-7", env.UserID, "user carried over from stored metadata")
	assert.Equal(t, "corr-abc", env.CorrelationID, "correlation carried over")

	payload, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "o-1", payload["orderId"])
}

func TestReplayBatchRunsToTheEnd(t *testing.T) {
	st := seedStore(t)
	em := &captureEmitter{
		failFor: map[string]error{
			"order.shipped" + replay.ReplayTopicSuffix: stderrors.New("downstream refused"),
		},
	}
	r := replay.New(st, em)

	res, err := r.Replay(context.Background(), store.Filter{})
	require.NoError(t, err, "item failures never abort the batch")
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Replayed)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, em.emitted, 2)
}

func TestReplayByAggregateID(t *testing.T) {
	st := seedStore(t)
	em := &captureEmitter{}
	r := replay.New(st, em)

	res, err := r.ReplayByAggregateID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Replayed)

	// Oldest first.
	require.Len(t, em.emitted, 2)
	assert.Equal(t, "evt-1", em.emitted[0].Metadata["originalEventId"])
	assert.Equal(t, "evt-2", em.emitted[1].Metadata["originalEventId"])
}

func TestReplayByType(t *testing.T) {
	st := seedStore(t)
	em := &captureEmitter{}
	r := replay.New(st, em)

	from := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)
	res, err := r.ReplayByType(context.Background(), "report.generated", &from)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)

	res, err = r.ReplayByType(context.Background(), "order.created", &from)
	require.NoError(t, err)
	assert.Zero(t, res.Total, "from bound excludes older records")
}

// upgradingMigrator bumps any envelope to the target version and tags the
// payload so the test can see it ran.
type upgradingMigrator struct {
	calls int
}

func (m *upgradingMigrator) ListVersions(eventType string) ([]string, error) {
	return []string{"1.0.0", "2.0.0"}, nil
}

func (m *upgradingMigrator) Migrate(env *event.Envelope, targetVersion string) (*event.Envelope, error) {
	m.calls++
	data := env.Data.(map[string]any)
	data["migrated"] = true
	return event.New(env.Type, data,
		event.WithID(env.ID),
		event.WithVersion(targetVersion),
	), nil
}

var _ schema.Migrator = (*upgradingMigrator)(nil)

func TestReplayToVersionMigrates(t *testing.T) {
	st := seedStore(t)
	em := &captureEmitter{}
	mig := &upgradingMigrator{}
	r := replay.New(st, em, replay.WithMigrator(mig))

	res, err := r.ReplayToVersion(context.Background(),
		store.Filter{EventTypes: []string{"order.created"}}, "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 1, mig.calls)

	require.Len(t, em.emitted, 1)
	env := em.emitted[0]
	assert.Equal(t, "2.0.0", env.Version)
	payload := env.Data.(map[string]any)
	assert.Equal(t, true, payload["migrated"])
}

func TestReplayToVersionSkipsMatchingRecords(t *testing.T) {
	st := seedStore(t)
	em := &captureEmitter{}
	mig := &upgradingMigrator{}
	r := replay.New(st, em, replay.WithMigrator(mig))

	res, err := r.ReplayToVersion(context.Background(),
		store.Filter{EventTypes: []string{"order.created"}}, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Zero(t, mig.calls, "records already at the target version skip migration")
}

func TestReplayToVersionMigrationFailureCountsAsFailed(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.Append(context.Background(), &store.Record{
		ID:        "evt-old",
		EventType: "order.created",
		Version:   "0.9.0",
		Payload:   []byte(`{"orderId":"legacy"}`),
		Metadata:  map[string]any{},
		Status:    store.StatusCompleted,
		CreatedAt: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
	}))

	em := &captureEmitter{}
	r := replay.New(st, em, replay.WithMigrator(failingMigrator{}))

	res, err := r.ReplayToVersion(context.Background(), store.Filter{}, "2.0.0")
	require.NoError(t, err, "migration failures are counted, not propagated")
	assert.Equal(t, replay.Result{Replayed: 0, Failed: 1, Total: 1}, res)
	assert.Empty(t, em.emitted)
}

type failingMigrator struct{}

func (failingMigrator) ListVersions(string) ([]string, error) { return nil, nil }

func (failingMigrator) Migrate(*event.Envelope, string) (*event.Envelope, error) {
	return nil, stderrors.New("no migration path")
}

func TestReplayCorruptPayloadCountsAsFailed(t *testing.T) {
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.Append(context.Background(), &store.Record{
		ID:        "evt-bad",
		EventType: "order.created",
		Version:   "1.0.0",
		Payload:   []byte(`{not json`),
		Metadata:  map[string]any{},
		Status:    store.StatusCompleted,
		CreatedAt: time.Now().UTC(),
	}))

	em := &captureEmitter{}
	r := replay.New(st, em)

	res, err := r.Replay(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, replay.Result{Replayed: 0, Failed: 1, Total: 1}, res)
	assert.Empty(t, em.emitted)
}
