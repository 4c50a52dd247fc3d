package eventspine

import (
	"context"
	"log/slog"
	"time"

	"github.com/storekit/eventspine/pkg/eventspine/config"
	"github.com/storekit/eventspine/pkg/eventspine/errors"
	"github.com/storekit/eventspine/pkg/eventspine/monitor"
	"github.com/storekit/eventspine/pkg/eventspine/schema"
	"github.com/storekit/eventspine/pkg/eventspine/store"
)

// options collects gateway construction parameters.
type options struct {
	store          store.Store
	storePath      string
	schemas        *schema.Registry
	logger         *slog.Logger
	recorder       monitor.MetricsRecorder
	migrator       schema.Migrator
	workers        int
	queueSize      int
	retry          errors.RetryConfig
	reportInterval time.Duration
	baseCtx        context.Context
}

// Option configures the Gateway.
type Option func(*options)

// WithStore uses a caller-provided event store. The gateway takes ownership
// and closes it on Close.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithStorePath opens a SQLite event store at the given path
// (":memory:" for testing). Default when neither store option is given:
// an in-memory store.
func WithStorePath(path string) Option {
	return func(o *options) { o.storePath = path }
}

// WithSchemaRegistry uses a pre-populated payload schema registry.
func WithSchemaRegistry(r *schema.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.schemas = r
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsRecorder mirrors backbone signals into a metrics backend.
func WithMetricsRecorder(rec monitor.MetricsRecorder) Option {
	return func(o *options) {
		if rec != nil {
			o.recorder = rec
		}
	}
}

// WithMigrator wires the schema migration collaborator used on replay.
func WithMigrator(m schema.Migrator) Option {
	return func(o *options) { o.migrator = m }
}

// WithWorkers sets the async worker pool size.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithQueueSize sets the async task queue capacity.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithRetryConfig sets the default subscriber retry policy. Per-subscriber
// MaxAttempts still override the attempt budget.
func WithRetryConfig(cfg errors.RetryConfig) Option {
	return func(o *options) { o.retry = cfg }
}

// WithReportInterval enables the periodic metrics report at the given
// interval. Zero leaves the reporter off.
func WithReportInterval(d time.Duration) Option {
	return func(o *options) { o.reportInterval = d }
}

// WithBaseContext sets the context under which async invocations and
// background work run. Default: context.Background().
func WithBaseContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.baseCtx = ctx
		}
	}
}

// FromConfig maps a loaded configuration file to gateway options.
//
// Recognized keys: store_path, workers, queue_size, retry_max_attempts,
// retry_initial_backoff, report_interval.
func FromConfig(cfg config.Config) []Option {
	var opts []Option

	if path := cfg.String("store_path", ""); path != "" {
		opts = append(opts, WithStorePath(path))
	}
	if n := cfg.Int("workers", 0); n > 0 {
		opts = append(opts, WithWorkers(n))
	}
	if n := cfg.Int("queue_size", 0); n > 0 {
		opts = append(opts, WithQueueSize(n))
	}

	retry := errors.DefaultRetry
	retryChanged := false
	if n := cfg.Int("retry_max_attempts", 0); n > 0 {
		retry.MaxAttempts = n
		retryChanged = true
	}
	if d := cfg.Duration("retry_initial_backoff", 0); d > 0 {
		retry.InitialBackoff = d
		retryChanged = true
	}
	if retryChanged {
		opts = append(opts, WithRetryConfig(retry))
	}

	if d := cfg.Duration("report_interval", 0); d > 0 {
		opts = append(opts, WithReportInterval(d))
	}

	return opts
}
