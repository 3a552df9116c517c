package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

const jobColumns = `
	id, tenant_id, type, payload, state, priority, dedupe_key,
	max_attempts, attempts, last_error, correlation_id, worker_id,
	run_at, started_at, finished_at, heartbeat_at, created_at, updated_at`

// EnqueueJob persists a new pending job. When the tenant already holds a
// non-terminal job with the same dedupe key, the insert coalesces into that
// row instead: latest payload, priority, and schedule win, and the attempt
// counter resets. The partial unique index on (tenant_id, dedupe_key)
// enforces at most one non-terminal job per key.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conveyor_jobs (
			id, tenant_id, type, payload, state, priority, dedupe_key,
			max_attempts, attempts, last_error, correlation_id, worker_id,
			run_at, started_at, finished_at, heartbeat_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18
		)
		ON CONFLICT (tenant_id, dedupe_key)
			WHERE dedupe_key <> '' AND state IN ('pending', 'running')
		DO UPDATE SET
			payload = EXCLUDED.payload,
			priority = EXCLUDED.priority,
			max_attempts = EXCLUDED.max_attempts,
			run_at = EXCLUDED.run_at,
			state = 'pending',
			attempts = 0,
			last_error = '',
			worker_id = '',
			started_at = NULL,
			finished_at = NULL,
			heartbeat_at = NULL,
			updated_at = NOW()
		RETURNING`+jobColumns,
		j.ID.String(), j.TenantID, j.Type, j.Payload, string(j.State),
		j.Priority, j.DedupeKey,
		j.MaxAttempts, j.Attempts, j.LastError, j.CorrelationID, j.WorkerID.String(),
		j.RunAt, j.StartedAt, j.FinishedAt, j.HeartbeatAt,
		j.CreatedAt, j.UpdatedAt,
	)

	stored, err := scanJob(row)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, conveyor.ErrJobAlreadyExists
		}
		return nil, fmt.Errorf("conveyor/postgres: enqueue job: %w", err)
	}
	return stored, nil
}

// GetJob retrieves a tenant's job by ID.
func (s *Store) GetJob(ctx context.Context, tenantID string, jobID id.ID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+jobColumns+`
		FROM conveyor_jobs
		WHERE id = $1 AND tenant_id = $2`,
		jobID.String(), tenantID,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a tenant's jobs matching the given options.
func (s *Store) ListJobs(ctx context.Context, tenantID string, opts job.ListOpts) ([]*job.Job, error) {
	query := `
		SELECT` + jobColumns + `
		FROM conveyor_jobs
		WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}
	if opts.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, opts.Type)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of a tenant's jobs matching the options.
func (s *Store) CountJobs(ctx context.Context, tenantID string, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM conveyor_jobs WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}
	if opts.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, opts.Type)
	}

	var count int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: count jobs: %w", err)
	}
	return count, nil
}

// ClaimJobs atomically claims up to limit eligible jobs across all tenants,
// sets them to running, and returns them. Uses SELECT FOR UPDATE SKIP LOCKED
// so concurrent claimers never see the same job.
func (s *Store) ClaimJobs(ctx context.Context, workerID id.ID, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE conveyor_jobs
			SET state = 'running', worker_id = $1,
			    started_at = NOW(), heartbeat_at = NOW(), updated_at = NOW()
			WHERE id IN (
				SELECT id FROM conveyor_jobs
				WHERE state = 'pending'
				  AND run_at <= NOW()
				ORDER BY priority DESC, run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING`+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY priority DESC, run_at ASC`,
		workerID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: claim jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// FinishJob persists an execution outcome only while the stored row is still
// running and still claimed by workerID. A row that left running or changed
// hands in the meantime (a concurrent cancel, a dedupe coalesce that was
// reclaimed, a reaped claim) fails with conveyor.ErrInvalidTransition so the
// stale outcome is discarded.
func (s *Store) FinishJob(ctx context.Context, workerID id.ID, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs SET
			state = $2, attempts = $3, last_error = $4, worker_id = $5,
			run_at = $6, started_at = $7, finished_at = $8, heartbeat_at = $9,
			updated_at = NOW()
		WHERE id = $1 AND state = 'running' AND worker_id = $10`,
		j.ID.String(), string(j.State), j.Attempts, j.LastError, j.WorkerID.String(),
		j.RunAt, j.StartedAt, j.FinishedAt, j.HeartbeatAt, workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM conveyor_jobs WHERE id = $1)`,
			j.ID.String(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("conveyor/postgres: finish job: %w", err)
		}
		if !exists {
			return conveyor.ErrJobNotFound
		}
		return conveyor.ErrInvalidTransition
	}
	return nil
}

// CancelJob transitions a pending or running job to cancelled.
func (s *Store) CancelJob(ctx context.Context, tenantID string, jobID id.ID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE conveyor_jobs
		SET state = 'cancelled', finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND state IN ('pending', 'running')
		RETURNING`+jobColumns,
		jobID.String(), tenantID,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.transitionError(ctx, tenantID, jobID)
		}
		return nil, fmt.Errorf("conveyor/postgres: cancel job: %w", err)
	}
	return j, nil
}

// RescheduleJob returns a failed or cancelled job to pending, eligible at
// the given time.
func (s *Store) RescheduleJob(ctx context.Context, tenantID string, jobID id.ID, runAt time.Time) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE conveyor_jobs
		SET state = 'pending', run_at = $3, worker_id = '',
		    started_at = NULL, finished_at = NULL, heartbeat_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND state IN ('failed', 'cancelled')
		RETURNING`+jobColumns,
		jobID.String(), tenantID, runAt,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, s.transitionError(ctx, tenantID, jobID)
		}
		// The dedupe key may have been taken over by a newer job while
		// this one sat in a terminal state.
		if isDuplicateKey(err) {
			return nil, conveyor.ErrJobAlreadyExists
		}
		return nil, fmt.Errorf("conveyor/postgres: reschedule job: %w", err)
	}
	return j, nil
}

// transitionError distinguishes a missing row from one in the wrong state
// after a conditional update matched nothing.
func (s *Store) transitionError(ctx context.Context, tenantID string, jobID id.ID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conveyor_jobs WHERE id = $1 AND tenant_id = $2)`,
		jobID.String(), tenantID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("conveyor/postgres: check job: %w", err)
	}
	if !exists {
		return conveyor.ErrJobNotFound
	}
	return conveyor.ErrInvalidTransition
}

// UpdateJob persists changes to an existing job unconditionally. Intended
// for housekeeping like the stale-job reaper; lifecycle transitions should
// go through the conditional methods.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs SET
			type = $2, payload = $3, state = $4, priority = $5,
			dedupe_key = $6, max_attempts = $7, attempts = $8,
			last_error = $9, correlation_id = $10, worker_id = $11,
			run_at = $12, started_at = $13, finished_at = $14,
			heartbeat_at = $15, updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(), j.Type, j.Payload, string(j.State), j.Priority,
		j.DedupeKey, j.MaxAttempts, j.Attempts,
		j.LastError, j.CorrelationID, j.WorkerID.String(),
		j.RunAt, j.StartedAt, j.FinishedAt, j.HeartbeatAt,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a tenant's job by ID.
func (s *Store) DeleteJob(ctx context.Context, tenantID string, jobID id.ID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conveyor_jobs WHERE id = $1 AND tenant_id = $2`,
		jobID.String(), tenantID,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// HeartbeatJob updates the heartbeat timestamp for a running job. The
// worker ID must still own the job.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.ID, workerID id.ID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs
		SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND state = 'running'`,
		jobID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: heartbeat job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrJobNotFound
	}
	return nil
}

// ReapStaleJobs returns running jobs whose last heartbeat is older than
// the given threshold.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+jobColumns+`
		FROM conveyor_jobs
		WHERE state = 'running'
		  AND heartbeat_at IS NOT NULL
		  AND heartbeat_at < NOW() - $1::interval`,
		threshold.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: reap stale jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		stateStr  string
		workerStr string
	)
	err := row.Scan(
		&idStr, &j.TenantID, &j.Type, &j.Payload, &stateStr,
		&j.Priority, &j.DedupeKey,
		&j.MaxAttempts, &j.Attempts, &j.LastError, &j.CorrelationID, &workerStr,
		&j.RunAt, &j.StartedAt, &j.FinishedAt, &j.HeartbeatAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.State = job.State(stateStr)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if workerStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(workerStr)
		if workerErr == nil {
			j.WorkerID = parsedWorker
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
