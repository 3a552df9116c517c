// Package worker provides the job execution engine: an Executor that
// invokes registered handlers through middleware and finalizes job state,
// and a Pool that manages concurrent claim loops polling the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/backoff"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/middleware"
)

// Executor runs a single claimed job through middleware and the registered
// handler, then persists the outcome: completed on success, pending with a
// backoff-delayed RunAt on a retryable failure, failed once attempts are
// exhausted.
//
// Execute returns only infrastructure errors (store failures). Handler
// failures are recorded on the job itself and are not errors of the
// execution machinery.
type Executor struct {
	registry *job.Registry
	store    job.Store
	backoff  backoff.Strategy
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies. A nil
// backoff strategy selects backoff.DefaultStrategy.
func NewExecutor(
	registry *job.Registry,
	store job.Store,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	return &Executor{
		registry: registry,
		store:    store,
		backoff:  bo,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs a claimed job to its next state. The job must be in the
// running state (freshly claimed).
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	var execErr error

	// The claim stamped the job with the owning worker. The retry path
	// clears j.WorkerID before finalizing, so the owner travels separately
	// and the store can reject a finalize from a worker that lost the claim.
	owner := j.WorkerID

	handler, ok := e.registry.Get(j.Type)
	if !ok {
		// An unregistered type is a handler failure like any other: it
		// consumes an attempt and retries, so a late-deployed handler
		// can still pick the job up.
		execErr = fmt.Errorf("%w: %s", conveyor.ErrNoHandler, j.Type)
	} else {
		terminal := func(ctx context.Context) error {
			return handler(ctx, j.TenantID, j.Payload)
		}
		execErr = e.mw(ctx, j, terminal)
	}

	now := time.Now().UTC()
	j.Touch()

	if execErr != nil {
		return e.finishFailure(ctx, owner, j, execErr, now)
	}
	return e.finishSuccess(ctx, owner, j, now)
}

// finishSuccess marks the job completed.
func (e *Executor) finishSuccess(ctx context.Context, owner id.ID, j *job.Job, now time.Time) error {
	j.State = job.StateCompleted
	j.FinishedAt = &now
	j.LastError = ""

	if err := e.store.FinishJob(ctx, owner, j); err != nil {
		if errors.Is(err, conveyor.ErrInvalidTransition) {
			// Cancelled or reclaimed mid-flight: discard the outcome.
			e.logger.Info("discarding outcome of job no longer owned",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", j.Type),
			)
			return nil
		}
		e.logger.Error("failed to persist job success",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// finishFailure consumes an attempt and either schedules a retry or marks
// the job failed for good.
func (e *Executor) finishFailure(ctx context.Context, owner id.ID, j *job.Job, handlerErr error, now time.Time) error {
	j.Attempts++
	j.LastError = handlerErr.Error()

	if j.Attempts >= j.MaxAttempts {
		j.State = job.StateFailed
		j.FinishedAt = &now
	} else {
		delay := e.backoff.Delay(j.Attempts)
		j.State = job.StatePending
		j.RunAt = now.Add(delay)
		j.WorkerID = id.Nil
		j.StartedAt = nil
		j.HeartbeatAt = nil

		e.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.Int("attempt", j.Attempts),
			slog.Int("max_attempts", j.MaxAttempts),
			slog.Duration("delay", delay),
		)
	}

	if err := e.store.FinishJob(ctx, owner, j); err != nil {
		if errors.Is(err, conveyor.ErrInvalidTransition) {
			// Cancelled or reclaimed mid-flight: no retry is scheduled.
			e.logger.Info("suppressing retry of job no longer owned",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", j.Type),
			)
			return nil
		}
		e.logger.Error("failed to persist job failure",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	if j.State == job.StateFailed {
		e.logger.Warn("job failed after exhausting attempts",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.Int("attempts", j.Attempts),
			slog.String("error", handlerErr.Error()),
		)
	}
	return nil
}
