// Package monitor tracks per-event-type metrics and derives overall system
// health from them.
//
// The Monitor owns its state: per-type counters live in an instance guarded
// by a mutex and are injected wherever needed, never reached through package
// globals. An optional MetricsRecorder mirrors the same signals into
// OpenTelemetry instruments.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/storekit/eventspine/pkg/eventspine/event"
)

// windowSize is the number of samples kept for the rolling processing-time
// average.
const windowSize = 100

// Health thresholds. The overall error rate is the emission-weighted mean
// across event types.
const (
	warningAvgProcessing = 10 * time.Second
	warningErrorRate     = 0.05
	criticalErrorRate    = 0.10
	reportSlowThreshold  = 5 * time.Second
	reportErrorThreshold = 0.10
)

// TypeMetrics is a read-only snapshot of one event type's counters.
type TypeMetrics struct {
	Count                 int64
	AverageProcessingTime time.Duration
	ErrorRate             float64
	LastProcessed         time.Time
}

// HealthMetrics aggregates all per-type metrics.
type HealthMetrics struct {
	TotalEvents           int64         `json:"total_events"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	ErrorRate             float64       `json:"error_rate"`
	ActiveEventTypes      int           `json:"active_event_types"`
}

// Health is the derived system health status.
type Health struct {
	// Status is "healthy", "warning", or "critical".
	Status  string        `json:"status"`
	Metrics HealthMetrics `json:"metrics"`
	Issues  []string      `json:"issues,omitempty"`
}

// typeState is the mutable per-type counter set.
type typeState struct {
	count     int64
	samples   []time.Duration // ring buffer, at most windowSize entries
	next      int             // ring write position once full
	errorRate float64
	last      time.Time
}

// Monitor tracks emission volume, processing latency, and error rates per
// event type. Safe for concurrent use.
type Monitor struct {
	mu       sync.Mutex
	types    map[string]*typeState
	logger   *slog.Logger
	recorder MetricsRecorder
}

// NewMonitor creates a Monitor. A nil logger falls back to slog.Default();
// a nil recorder disables OpenTelemetry mirroring.
func NewMonitor(logger *slog.Logger, recorder MetricsRecorder) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = NoopMetrics{}
	}
	return &Monitor{
		types:    make(map[string]*typeState),
		logger:   logger,
		recorder: recorder,
	}
}

func (m *Monitor) state(eventType string) *typeState {
	st, ok := m.types[eventType]
	if !ok {
		st = &typeState{}
		m.types[eventType] = st
	}
	return st
}

// TrackEmission records that an event of the envelope's type was emitted.
func (m *Monitor) TrackEmission(ctx context.Context, env *event.Envelope) {
	m.mu.Lock()
	st := m.state(env.Type)
	st.count++
	st.last = time.Now().UTC()
	m.mu.Unlock()

	m.recorder.RecordEmission(ctx, env.Type)
}

// TrackProcessing appends a handler-invocation duration to the type's
// rolling window and recomputes the mean.
func (m *Monitor) TrackProcessing(ctx context.Context, eventType string, d time.Duration) {
	m.mu.Lock()
	st := m.state(eventType)
	if len(st.samples) < windowSize {
		st.samples = append(st.samples, d)
	} else {
		st.samples[st.next] = d
		st.next = (st.next + 1) % windowSize
	}
	m.mu.Unlock()

	m.recorder.RecordProcessing(ctx, eventType, d, nil)
}

// TrackError folds one more failure into the type's error rate. The rate is
// an approximation suitable for health signaling, not an exact historical
// count.
func (m *Monitor) TrackError(ctx context.Context, env *event.Envelope, err error) {
	m.mu.Lock()
	st := m.state(env.Type)
	count := st.count
	if count < 1 {
		count = 1
	}
	st.errorRate = (float64(count)*st.errorRate + 1) / float64(count)
	if st.errorRate > 1 {
		st.errorRate = 1
	}
	m.mu.Unlock()

	m.recorder.RecordError(ctx, env.Type)
	m.logger.Debug("event error tracked",
		slog.String("event_type", env.Type),
		slog.String("event_id", env.ID),
		slog.String("error", err.Error()),
	)
}

// TypeMetrics returns a snapshot for one event type.
func (m *Monitor) TypeMetrics(eventType string) (TypeMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.types[eventType]
	if !ok {
		return TypeMetrics{}, false
	}
	return snapshot(st), true
}

// Snapshot returns metrics for every tracked event type.
func (m *Monitor) Snapshot() map[string]TypeMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]TypeMetrics, len(m.types))
	for t, st := range m.types {
		out[t] = snapshot(st)
	}
	return out
}

func snapshot(st *typeState) TypeMetrics {
	return TypeMetrics{
		Count:                 st.count,
		AverageProcessingTime: mean(st.samples),
		ErrorRate:             st.errorRate,
		LastProcessed:         st.last,
	}
}

func mean(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}

// SystemHealth aggregates all per-type metrics into one status.
//
// The status starts healthy, degrades to warning when the mean processing
// time exceeds 10s or the overall error rate exceeds 5%, and to critical
// when the overall error rate exceeds 10%.
func (m *Monitor) SystemHealth() Health {
	snap := m.Snapshot()

	var totalEvents int64
	var weightedErrors float64
	var totalAvg time.Duration
	var typesWithSamples int

	for _, tm := range snap {
		totalEvents += tm.Count
		weightedErrors += float64(tm.Count) * tm.ErrorRate
		if tm.AverageProcessingTime > 0 {
			totalAvg += tm.AverageProcessingTime
			typesWithSamples++
		}
	}

	var overallRate float64
	if totalEvents > 0 {
		overallRate = weightedErrors / float64(totalEvents)
	}
	var overallAvg time.Duration
	if typesWithSamples > 0 {
		overallAvg = totalAvg / time.Duration(typesWithSamples)
	}

	h := Health{
		Status: "healthy",
		Metrics: HealthMetrics{
			TotalEvents:           totalEvents,
			AverageProcessingTime: overallAvg,
			ErrorRate:             overallRate,
			ActiveEventTypes:      len(snap),
		},
	}

	if overallAvg > warningAvgProcessing {
		h.Status = "warning"
		h.Issues = append(h.Issues,
			fmt.Sprintf("average processing time %s exceeds %s", overallAvg, warningAvgProcessing))
	}
	if overallRate > warningErrorRate {
		h.Status = "warning"
		h.Issues = append(h.Issues,
			fmt.Sprintf("error rate %.1f%% exceeds %.0f%%", overallRate*100, warningErrorRate*100))
	}
	if overallRate > criticalErrorRate {
		h.Status = "critical"
		h.Issues = append(h.Issues,
			fmt.Sprintf("error rate %.1f%% exceeds critical threshold %.0f%%", overallRate*100, criticalErrorRate*100))
	}

	return h
}

// Report logs the top-10 event types by volume and flags slow or failing
// types. Observability only; dispatch is never affected.
func (m *Monitor) Report(ctx context.Context) {
	snap := m.Snapshot()

	type entry struct {
		eventType string
		metrics   TypeMetrics
	}
	entries := make([]entry, 0, len(snap))
	for t, tm := range snap {
		entries = append(entries, entry{t, tm})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].metrics.Count > entries[j].metrics.Count
	})
	if len(entries) > 10 {
		entries = entries[:10]
	}

	for _, e := range entries {
		m.logger.InfoContext(ctx, "event type volume",
			slog.String("event_type", e.eventType),
			slog.Int64("count", e.metrics.Count),
			slog.Duration("avg_processing_time", e.metrics.AverageProcessingTime),
			slog.Float64("error_rate", e.metrics.ErrorRate),
		)
		if e.metrics.AverageProcessingTime > reportSlowThreshold {
			m.logger.WarnContext(ctx, "slow event type",
				slog.String("event_type", e.eventType),
				slog.Duration("avg_processing_time", e.metrics.AverageProcessingTime),
			)
		}
		if e.metrics.ErrorRate > reportErrorThreshold {
			m.logger.WarnContext(ctx, "failing event type",
				slog.String("event_type", e.eventType),
				slog.Float64("error_rate", e.metrics.ErrorRate),
			)
		}
	}
}

// Start launches the periodic reporter and returns a stop function. The
// reporter also stops when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Hour
	}

	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Report(ctx)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return stop
}
