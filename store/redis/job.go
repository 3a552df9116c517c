package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// resolveDedupeScript resolves which job ID owns a dedupe key. When the
// current holder is still non-terminal it wins; otherwise the candidate
// takes over the key. Runs atomically so racing enqueues agree on one
// owner.
var resolveDedupeScript = goredis.NewScript(`
local owner = redis.call('HGET', KEYS[1], ARGV[1])
if owner then
	local state = redis.call('HGET', ARGV[3] .. 'job:' .. owner, 'state')
	if state == 'pending' or state == 'running' then
		return owner
	end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return ARGV[2]
`)

// claimScript walks the ready set in score order, pages past members whose
// run_at has not passed, marks each claimed job running, and removes it from
// the set. Paging matters when many high-priority jobs sit at the head
// not yet due: due lower-priority jobs behind them must still be claimable.
// A job leaves the ready set in the same script invocation that marks it
// running, so two claimers can never win the same job.
var claimScript = goredis.NewScript(`
local claimed = {}
local limit = tonumber(ARGV[1])
local now_ms = tonumber(ARGV[2])
local start = 0
local page = 100
while #claimed < limit do
	local candidates = redis.call('ZRANGE', KEYS[1], start, start + page - 1)
	if #candidates == 0 then break end
	local kept = 0
	for i = 1, #candidates do
		if #claimed >= limit then break end
		local jid = candidates[i]
		local key = ARGV[5] .. 'job:' .. jid
		local run_at_ms = tonumber(redis.call('HGET', key, 'run_at_ms'))
		if run_at_ms ~= nil and run_at_ms <= now_ms then
			redis.call('ZREM', KEYS[1], jid)
			redis.call('HSET', key,
				'state', 'running',
				'worker_id', ARGV[3],
				'started_at', ARGV[4],
				'heartbeat_at', ARGV[4],
				'updated_at', ARGV[4])
			claimed[#claimed + 1] = jid
		else
			kept = kept + 1
		end
	end
	if #candidates < page then break end
	start = start + kept
end
return claimed
`)

// finishScript persists an outcome only while the job is still running and
// still claimed by the finishing worker. Returns -1 when the job is missing,
// 0 when it left running or changed hands, 1 on success. A retry outcome
// (new state pending) goes back on the ready set.
var finishScript = goredis.NewScript(`
local key = ARGV[4] .. 'job:' .. ARGV[1]
if redis.call('EXISTS', key) == 0 then return -1 end
if redis.call('HGET', key, 'state') ~= 'running' then return 0 end
if redis.call('HGET', key, 'worker_id') ~= ARGV[5] then return 0 end
for i = 6, #ARGV - 1, 2 do
	redis.call('HSET', key, ARGV[i], ARGV[i + 1])
end
if ARGV[2] == 'pending' then
	redis.call('ZADD', KEYS[1], tonumber(ARGV[3]), ARGV[1])
else
	redis.call('ZREM', KEYS[1], ARGV[1])
end
return 1
`)

// cancelScript transitions a pending or running job to cancelled.
// Returns -1 when missing, 0 when the state admits no cancel, 1 on success.
var cancelScript = goredis.NewScript(`
local key = ARGV[3] .. 'job:' .. ARGV[1]
if redis.call('EXISTS', key) == 0 then return -1 end
local state = redis.call('HGET', key, 'state')
if state ~= 'pending' and state ~= 'running' then return 0 end
redis.call('HSET', key,
	'state', 'cancelled',
	'finished_at', ARGV[2],
	'updated_at', ARGV[2])
redis.call('ZREM', KEYS[1], ARGV[1])
return 1
`)

// rescheduleScript returns a failed or cancelled job to pending and puts it
// back on the ready set. Returns -1 when missing, 0 when the state admits
// no reschedule, 1 on success.
var rescheduleScript = goredis.NewScript(`
local key = ARGV[6] .. 'job:' .. ARGV[1]
if redis.call('EXISTS', key) == 0 then return -1 end
local state = redis.call('HGET', key, 'state')
if state ~= 'failed' and state ~= 'cancelled' then return 0 end
redis.call('HSET', key,
	'state', 'pending',
	'run_at', ARGV[2],
	'run_at_ms', ARGV[3],
	'worker_id', '',
	'started_at', '',
	'finished_at', '',
	'heartbeat_at', '',
	'updated_at', ARGV[4])
redis.call('ZADD', KEYS[1], tonumber(ARGV[5]), ARGV[1])
return 1
`)

// EnqueueJob stores the job as a Hash and adds it to the ready Sorted Set.
// When the tenant already holds a non-terminal job with the same dedupe
// key, the enqueue coalesces into that job instead.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	jID := j.ID.String()

	if j.DedupeKey != "" {
		owner, err := resolveDedupeScript.Run(ctx, s.client,
			[]string{dedupeKey(j.TenantID)},
			j.DedupeKey, jID, keyPrefix,
		).Text()
		if err != nil {
			return nil, fmt.Errorf("conveyor/redis: enqueue resolve dedupe: %w", err)
		}
		if owner != jID {
			return s.coalesceJob(ctx, owner, j)
		}
	}

	key := jobKey(jID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return nil, conveyor.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.SAdd(ctx, tenantJobsKey(j.TenantID), jID)
	pipe.ZAdd(ctx, readyKey, goredis.Z{Score: jobScore(j.Priority, j.RunAt), Member: jID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("conveyor/redis: enqueue job: %w", err)
	}

	cp := *j
	return &cp, nil
}

// coalesceJob updates the dedupe holder in place with the newer request's
// payload and schedule, resetting its attempt counter.
func (s *Store) coalesceJob(ctx context.Context, ownerID string, j *job.Job) (*job.Job, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(ownerID),
		"payload", string(j.Payload),
		"priority", strconv.Itoa(j.Priority),
		"max_attempts", strconv.Itoa(j.MaxAttempts),
		"run_at", j.RunAt.Format(time.RFC3339Nano),
		"run_at_ms", strconv.FormatInt(j.RunAt.UnixMilli(), 10),
		"state", string(job.StatePending),
		"attempts", "0",
		"last_error", "",
		"worker_id", "",
		"started_at", "",
		"finished_at", "",
		"heartbeat_at", "",
		"updated_at", now,
	)
	pipe.ZAdd(ctx, readyKey, goredis.Z{Score: jobScore(j.Priority, j.RunAt), Member: ownerID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("conveyor/redis: coalesce job: %w", err)
	}

	return s.getJobByKey(ctx, jobKey(ownerID))
}

// GetJob retrieves a tenant's job by ID.
func (s *Store) GetJob(ctx context.Context, tenantID string, jobID id.ID) (*job.Job, error) {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return nil, err
	}
	if j.TenantID != tenantID {
		return nil, conveyor.ErrJobNotFound
	}
	return j, nil
}

// ListJobs returns a tenant's jobs matching the given options.
func (s *Store) ListJobs(ctx context.Context, tenantID string, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, tenantJobsKey(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Type != "" && j.Type != opts.Type {
			continue
		}
		jobs = append(jobs, j)
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})

	// Apply offset/limit.
	if opts.Offset > 0 && opts.Offset < len(jobs) {
		jobs = jobs[opts.Offset:]
	} else if opts.Offset >= len(jobs) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of a tenant's jobs matching the options.
func (s *Store) CountJobs(ctx context.Context, tenantID string, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, tenantJobsKey(tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("conveyor/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Type != "" && j.Type != opts.Type {
			continue
		}
		count++
	}
	return count, nil
}

// ClaimJobs atomically claims up to limit eligible jobs from the ready set.
func (s *Store) ClaimJobs(ctx context.Context, workerID id.ID, limit int) ([]*job.Job, error) {
	now := time.Now().UTC()

	claimed, err := claimScript.Run(ctx, s.client,
		[]string{readyKey},
		limit, now.UnixMilli(), workerID.String(), now.Format(time.RFC3339Nano), keyPrefix,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: claim jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(claimed))
	for _, jID := range claimed {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			return nil, getErr
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// FinishJob persists an execution outcome only while the stored job is
// still running and still claimed by workerID.
func (s *Store) FinishJob(ctx context.Context, workerID id.ID, j *job.Job) error {
	args := []any{
		j.ID.String(), string(j.State), jobScore(j.Priority, j.RunAt), keyPrefix, workerID.String(),
	}
	for field, value := range jobToMap(j) {
		args = append(args, field, value)
	}

	res, err := finishScript.Run(ctx, s.client, []string{readyKey}, args...).Int()
	if err != nil {
		return fmt.Errorf("conveyor/redis: finish job: %w", err)
	}
	switch res {
	case -1:
		return conveyor.ErrJobNotFound
	case 0:
		return conveyor.ErrInvalidTransition
	}
	return nil
}

// CancelJob transitions a pending or running job to cancelled.
func (s *Store) CancelJob(ctx context.Context, tenantID string, jobID id.ID) (*job.Job, error) {
	// Verify tenant ownership before mutating.
	if _, err := s.GetJob(ctx, tenantID, jobID); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := cancelScript.Run(ctx, s.client,
		[]string{readyKey},
		jobID.String(), now, keyPrefix,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: cancel job: %w", err)
	}
	switch res {
	case -1:
		return nil, conveyor.ErrJobNotFound
	case 0:
		return nil, conveyor.ErrInvalidTransition
	}

	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// RescheduleJob returns a failed or cancelled job to pending, eligible at
// the given time.
func (s *Store) RescheduleJob(ctx context.Context, tenantID string, jobID id.ID, runAt time.Time) (*job.Job, error) {
	existing, err := s.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := rescheduleScript.Run(ctx, s.client,
		[]string{readyKey},
		jobID.String(),
		runAt.Format(time.RFC3339Nano),
		strconv.FormatInt(runAt.UnixMilli(), 10),
		now,
		jobScore(existing.Priority, runAt),
		keyPrefix,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: reschedule job: %w", err)
	}
	switch res {
	case -1:
		return nil, conveyor.ErrJobNotFound
	case 0:
		return nil, conveyor.ErrInvalidTransition
	}

	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing job unconditionally.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrJobNotFound
	}

	fields := jobToMap(j)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if j.State == job.StatePending {
		pipe.ZAdd(ctx, readyKey, goredis.Z{Score: jobScore(j.Priority, j.RunAt), Member: jID})
	} else {
		pipe.ZRem(ctx, readyKey, jID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a tenant's job by ID.
func (s *Store) DeleteJob(ctx context.Context, tenantID string, jobID id.ID) error {
	j, err := s.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	jID := jobID.String()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(jID))
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.SRem(ctx, tenantJobsKey(tenantID), jID)
	pipe.ZRem(ctx, readyKey, jID)
	if j.DedupeKey != "" {
		pipe.HDel(ctx, dedupeKey(tenantID), j.DedupeKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conveyor/redis: delete job: %w", err)
	}
	return nil
}

// HeartbeatJob updates the heartbeat timestamp for a running job.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.ID, workerID id.ID) error {
	key := jobKey(jobID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return conveyor.ErrJobNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.client.HSet(ctx, key,
		"heartbeat_at", now,
		"worker_id", workerID.String(),
		"updated_at", now,
	).Result()
	if err != nil {
		return fmt.Errorf("conveyor/redis: heartbeat job: %w", err)
	}
	return nil
}

// ReapStaleJobs returns running jobs whose last heartbeat is older than the
// threshold.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: reap smembers: %w", err)
	}

	var stale []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.State != job.StateRunning {
			continue
		}
		if j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	return stale, nil
}

// ── helpers ──

// jobScore computes a sorted-set score from priority and run_at.
// Lower score = claimed first. Priority is negated so higher priority jobs
// sort first, with a fractional time component for FIFO within a priority.
func jobScore(priority int, runAt time.Time) float64 {
	return float64(-priority) + float64(runAt.UnixMilli())/1e15
}

func jobToMap(j *job.Job) map[string]any {
	m := map[string]any{
		"id":             j.ID.String(),
		"tenant_id":      j.TenantID,
		"type":           j.Type,
		"payload":        string(j.Payload),
		"state":          string(j.State),
		"priority":       strconv.Itoa(j.Priority),
		"dedupe_key":     j.DedupeKey,
		"max_attempts":   strconv.Itoa(j.MaxAttempts),
		"attempts":       strconv.Itoa(j.Attempts),
		"last_error":     j.LastError,
		"correlation_id": j.CorrelationID,
		"worker_id":      j.WorkerID.String(),
		"run_at":         j.RunAt.Format(time.RFC3339Nano),
		"run_at_ms":      strconv.FormatInt(j.RunAt.UnixMilli(), 10),
		"created_at":     j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":     j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	} else {
		m["started_at"] = ""
	}
	if j.FinishedAt != nil {
		m["finished_at"] = j.FinishedAt.Format(time.RFC3339Nano)
	} else {
		m["finished_at"] = ""
	}
	if j.HeartbeatAt != nil {
		m["heartbeat_at"] = j.HeartbeatAt.Format(time.RFC3339Nano)
	} else {
		m["heartbeat_at"] = ""
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])         //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])  //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])         //nolint:errcheck // best-effort parse from trusted Redis data

	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: conveyor.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:            jID,
		TenantID:      m["tenant_id"],
		Type:          m["type"],
		Payload:       []byte(m["payload"]),
		State:         job.State(m["state"]),
		Priority:      priority,
		DedupeKey:     m["dedupe_key"],
		MaxAttempts:   maxAttempts,
		Attempts:      attempts,
		LastError:     m["last_error"],
		CorrelationID: m["correlation_id"],
		RunAt:         runAt,
	}

	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["finished_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.FinishedAt = &t
	}
	if v := m["heartbeat_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.HeartbeatAt = &t
	}

	return j, nil
}
