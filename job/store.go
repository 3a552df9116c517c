package job

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// State filters by job state. Empty means all states.
	State State
	// Type filters by job type. Empty means all types.
	Type string
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// State filters by job state. Empty means all states.
	State State
	// Type filters by job type. Empty means all types.
	Type string
}

// Store defines the persistence contract for jobs. All read and write
// operations except ClaimJobs are tenant-scoped; claiming serves every
// tenant so one worker fleet drains all partitions.
type Store interface {
	// EnqueueJob persists a new pending job. When j.DedupeKey is
	// non-empty and the tenant already has a non-terminal job with the
	// same key, the existing row is updated in place (payload, priority,
	// max attempts and run-at refreshed, state back to pending, attempt
	// counter reset) instead of inserting a duplicate. The canonical
	// stored job is returned either way.
	EnqueueJob(ctx context.Context, j *Job) (*Job, error)

	// GetJob retrieves a tenant's job by ID.
	GetJob(ctx context.Context, tenantID string, jobID id.ID) (*Job, error)

	// ListJobs returns a tenant's jobs matching the given options,
	// ordered by creation time.
	ListJobs(ctx context.Context, tenantID string, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of a tenant's jobs matching the
	// given options.
	CountJobs(ctx context.Context, tenantID string, opts CountOpts) (int64, error)

	// ClaimJobs atomically claims up to limit eligible jobs (pending and
	// due), transitions them to running, and stamps them with workerID.
	// Jobs are ordered by priority (descending) then RunAt (ascending).
	// When N workers race for the same job, exactly one receives it.
	ClaimJobs(ctx context.Context, workerID id.ID, limit int) ([]*Job, error)

	// FinishJob persists the outcome of an execution (completed, failed,
	// or pending-for-retry) but only while the stored row is still
	// running AND still claimed by workerID. Returns
	// conveyor.ErrInvalidTransition when the job was cancelled, coalesced
	// and reclaimed, or reaped mid-flight, in which case the outcome is
	// discarded and no retry is scheduled.
	FinishJob(ctx context.Context, workerID id.ID, j *Job) error

	// CancelJob transitions a pending or running job to cancelled.
	// Returns conveyor.ErrInvalidTransition for terminal jobs.
	CancelJob(ctx context.Context, tenantID string, jobID id.ID) (*Job, error)

	// RescheduleJob returns a failed or cancelled job to pending with
	// the given run-at. Returns conveyor.ErrInvalidTransition otherwise.
	RescheduleJob(ctx context.Context, tenantID string, jobID id.ID, runAt time.Time) (*Job, error)

	// UpdateJob persists changes to an existing job unconditionally.
	// Claim and finalize paths must use ClaimJobs/FinishJob instead;
	// this is for housekeeping (e.g. returning reaped jobs to pending).
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a tenant's job by ID.
	DeleteJob(ctx context.Context, tenantID string, jobID id.ID) error

	// HeartbeatJob updates the heartbeat timestamp for a running job,
	// indicating the worker is still alive.
	HeartbeatJob(ctx context.Context, jobID id.ID, workerID id.ID) error

	// ReapStaleJobs returns running jobs whose last heartbeat is older
	// than the given threshold, indicating the worker may have crashed.
	ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*Job, error)
}
