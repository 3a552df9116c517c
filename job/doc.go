// Package job defines the work item model, its state machine, the
// persistence contract, the handler registry, and the producer-side
// Scheduler API.
//
// A Job moves through pending → running → {completed, failed, cancelled}.
// Failed attempts below MaxAttempts return the job to pending with a
// backoff-delayed RunAt. Per tenant, at most one job with a given non-empty
// dedupe key may be non-terminal at any time; enqueueing onto an existing
// dedupe key coalesces the work into the existing row.
package job
