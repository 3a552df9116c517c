// Package engine wires the conveyor subsystems together: the job registry,
// scheduler, middleware chain, worker pool, and stock service, all backed
// by one store.
//
// This package exists to break the import cycle: the root conveyor package
// defines Entity (imported by job and stock) and so cannot import those
// packages back. The engine package sits above all subsystem packages and
// below the application layer.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	mw "github.com/conveyorhq/conveyor/middleware"
	"github.com/conveyorhq/conveyor/stock"
	"github.com/conveyorhq/conveyor/store"
	"github.com/conveyorhq/conveyor/worker"
)

// Engine is the top-level entry point composing every subsystem over one
// store. Use New to create one.
type Engine struct {
	store     store.Store
	config    conveyor.Config
	registry  *job.Registry
	scheduler *job.Scheduler
	stock     *stock.Service
	pool      *worker.Pool
	bo        backoff.Strategy
	mws       []mw.Middleware
	logger    *slog.Logger

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration. Defaults to
// conveyor.DefaultConfig().
func WithConfig(cfg conveyor.Config) Option {
	return func(eng *Engine) {
		eng.config = cfg
	}
}

// WithLogger sets the logger shared by all subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(eng *Engine) {
		eng.logger = logger
	}
}

// WithMiddleware adds middleware to the engine's chain, after the default
// stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy for the engine. If not set,
// an exponential strategy bounded by the Config backoff fields is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, the metrics middleware uses this provider instead of the
// global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// New creates an Engine backed by the given store.
func New(s store.Store, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, conveyor.ErrNoStore
	}

	eng := &Engine{
		store:    s,
		config:   conveyor.DefaultConfig(),
		registry: job.NewRegistry(),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.NewExponential(eng.config.BackoffInitial, eng.config.BackoffMax)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/conveyorhq/conveyor")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/conveyorhq/conveyor")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging.
	allMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
	}
	allMws = append(allMws, eng.mws...)

	eng.scheduler = job.NewScheduler(s, eng.config, job.WithSchedulerLogger(eng.logger))
	eng.stock = stock.NewService(s, stock.WithServiceLogger(eng.logger))

	executor := worker.NewExecutor(eng.registry, s, eng.bo, eng.logger, allMws...)
	eng.pool = worker.NewPool(s, executor, eng.logger, worker.WithPoolConfig(eng.config))

	return eng, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Enqueue marshals the payload and enqueues a job for the tenant.
func Enqueue[T any](ctx context.Context, eng *Engine, tenantID, jobType string, payload T) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", jobType, err)
	}
	return eng.scheduler.Enqueue(ctx, job.EnqueueRequest{
		TenantID: tenantID,
		Type:     jobType,
		Payload:  data,
	})
}

// Scheduler returns the job scheduler for enqueue, inspection, reschedule,
// and cancel operations.
func (eng *Engine) Scheduler() *job.Scheduler { return eng.scheduler }

// Stock returns the stock ledger service.
func (eng *Engine) Stock() *stock.Service { return eng.stock }

// Registry returns the job registry for raw handler registration.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// WorkerID returns the pool's unique worker identifier.
func (eng *Engine) WorkerID() id.ID { return eng.pool.WorkerID() }

// RunOnce claims and executes at most one eligible job synchronously.
// It reports whether a job was claimed.
func (eng *Engine) RunOnce(ctx context.Context) (bool, error) {
	return eng.pool.RunOnce(ctx)
}

// Start runs migrations and launches the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.store.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %v", conveyor.ErrMigrationFailed, err)
	}
	return eng.pool.Start(ctx)
}

// Stop gracefully stops the worker pool, honoring the context deadline,
// then closes the store.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.pool.Stop(ctx); err != nil {
		return err
	}
	return eng.store.Close()
}
