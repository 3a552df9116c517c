package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
)

// EnqueueRequest describes a new unit of asynchronous work.
type EnqueueRequest struct {
	TenantID string
	Type     string
	// Payload is an opaque JSON blob handed to the handler unchanged.
	Payload []byte
	// DedupeKey, when non-empty, coalesces this request with any
	// non-terminal job sharing the key within the tenant.
	DedupeKey string
	// MaxAttempts caps total executions. Zero picks the configured default.
	MaxAttempts int
	Priority    int
	// RunAt delays eligibility. Zero means eligible immediately.
	RunAt time.Time
	// CorrelationID ties the job to an external request or saga.
	// Empty generates a fresh one.
	CorrelationID string
}

// Scheduler is the producer-side API: enqueue, inspect, reschedule, and
// cancel jobs. It is a thin validation layer; the coalescing and state
// transition guarantees live in the Store.
type Scheduler struct {
	store  Store
	config conveyor.Config
	logger *slog.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger used by the scheduler.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a Scheduler backed by the given store.
func NewScheduler(store Store, cfg conveyor.Config, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:  store,
		config: cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue creates a pending job, or coalesces into an existing non-terminal
// job when the dedupe key is already in flight for the tenant. The returned
// job is the canonical stored row.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("conveyor/job: enqueue: tenant id is required")
	}
	if req.Type == "" {
		return nil, fmt.Errorf("conveyor/job: enqueue: job type is required")
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.config.DefaultMaxAttempts
	}
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	j := &Job{
		Entity:        conveyor.NewEntity(),
		ID:            id.NewJobID(),
		TenantID:      req.TenantID,
		Type:          req.Type,
		Payload:       req.Payload,
		State:         StatePending,
		Priority:      req.Priority,
		DedupeKey:     req.DedupeKey,
		MaxAttempts:   maxAttempts,
		CorrelationID: correlationID,
		RunAt:         runAt,
	}

	stored, err := s.store.EnqueueJob(ctx, j)
	if err != nil {
		return nil, err
	}

	attrs := []any{
		slog.String("job_id", stored.ID.String()),
		slog.String("tenant_id", stored.TenantID),
		slog.String("job_type", stored.Type),
	}
	if stored.ID.String() != j.ID.String() {
		// The store coalesced into an existing dedupe row.
		attrs = append(attrs, slog.String("dedupe_key", stored.DedupeKey))
		s.logger.Info("job coalesced into in-flight dedupe key", attrs...)
	} else {
		s.logger.Info("job enqueued", attrs...)
	}

	return stored, nil
}

// Get retrieves a tenant's job by ID.
func (s *Scheduler) Get(ctx context.Context, tenantID string, jobID id.ID) (*Job, error) {
	return s.store.GetJob(ctx, tenantID, jobID)
}

// List returns a tenant's jobs matching the given options.
func (s *Scheduler) List(ctx context.Context, tenantID string, opts ListOpts) ([]*Job, error) {
	return s.store.ListJobs(ctx, tenantID, opts)
}

// Count returns the number of a tenant's jobs matching the given options.
func (s *Scheduler) Count(ctx context.Context, tenantID string, opts CountOpts) (int64, error) {
	return s.store.CountJobs(ctx, tenantID, opts)
}

// Reschedule returns a failed or cancelled job to pending, eligible after
// the given delay. Any other state fails with conveyor.ErrInvalidTransition.
func (s *Scheduler) Reschedule(ctx context.Context, tenantID string, jobID id.ID, delay time.Duration) (*Job, error) {
	runAt := time.Now().UTC().Add(delay)

	j, err := s.store.RescheduleJob(ctx, tenantID, jobID, runAt)
	if err != nil {
		return nil, err
	}

	s.logger.Info("job rescheduled",
		slog.String("job_id", jobID.String()),
		slog.String("tenant_id", tenantID),
		slog.Time("run_at", runAt),
	)
	return j, nil
}

// Cancel transitions a pending or running job to cancelled. Cancelling a
// running job is advisory: the in-flight handler finishes, but its outcome
// is discarded and no retry is scheduled. Terminal jobs fail with
// conveyor.ErrInvalidTransition.
func (s *Scheduler) Cancel(ctx context.Context, tenantID string, jobID id.ID) (*Job, error) {
	j, err := s.store.CancelJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("job cancelled",
		slog.String("job_id", jobID.String()),
		slog.String("tenant_id", tenantID),
		slog.String("job_type", j.Type),
	)
	return j, nil
}
