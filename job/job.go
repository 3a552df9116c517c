package job

import (
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting to be claimed by a worker.
	StatePending State = "pending"
	// StateRunning means a worker is currently executing the job.
	StateRunning State = "running"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job exhausted its attempts and will not retry.
	StateFailed State = "failed"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state admits no further transitions except
// an explicit Reschedule.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job represents a unit of work owned by a tenant and processed by at most
// one worker at a time.
type Job struct {
	conveyor.Entity

	ID            id.ID      `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Type          string     `json:"type"`
	Payload       []byte     `json:"payload"`
	State         State      `json:"state"`
	Priority      int        `json:"priority"`
	DedupeKey     string     `json:"dedupe_key,omitempty"`
	MaxAttempts   int        `json:"max_attempts"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	WorkerID      id.ID      `json:"worker_id,omitempty"`
	RunAt         time.Time  `json:"run_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	HeartbeatAt   *time.Time `json:"heartbeat_at,omitempty"`
}

// Eligible reports whether the job may be claimed at the given instant.
func (j *Job) Eligible(now time.Time) bool {
	return j.State == StatePending && !j.RunAt.After(now)
}
