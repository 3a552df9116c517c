package conveyor

import "time"

// Config holds tuning knobs shared by the scheduler and the worker pool.
type Config struct {
	// Concurrency is the number of concurrent claim loops per pool.
	Concurrency int

	// PollInterval is how often an idle worker polls for eligible jobs.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time Stop waits for in-flight
	// handlers before cancelling their contexts.
	ShutdownTimeout time.Duration

	// DefaultMaxAttempts is applied when an enqueue request leaves
	// MaxAttempts at zero.
	DefaultMaxAttempts int

	// BackoffInitial and BackoffMax bound the retry delay ladder:
	// delay = BackoffInitial * 2^(attempt-1), capped at BackoffMax.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// HeartbeatInterval is how often running jobs report liveness.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// StaleJobThreshold is how long a running job may go without a
	// heartbeat before another worker returns it to pending. Zero
	// disables reaping.
	StaleJobThreshold time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		PollInterval:       1 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		DefaultMaxAttempts: 3,
		BackoffInitial:     1 * time.Second,
		BackoffMax:         5 * time.Minute,
		HeartbeatInterval:  10 * time.Second,
		StaleJobThreshold:  30 * time.Second,
	}
}
