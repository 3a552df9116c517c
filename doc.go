// Package conveyor provides the asynchronous core of a multi-tenant commerce
// backend: a durable background job scheduler and an inventory stock ledger.
//
// Conveyor is designed as a library, not a service. Import it, configure a
// store, register job handlers, and run the worker pool inside your own
// process. HTTP surfaces, authentication, and concrete handler business logic
// stay on the caller's side of the interfaces.
//
// # Quick Start
//
// The engine package wires everything together:
//
//	eng, err := engine.New(memory.New())
//	engine.Register(eng, job.NewDefinition("connector.sync", syncHandler))
//	_, err = engine.Enqueue(ctx, eng, "t1", "connector.sync", payload)
//	eng.Start(ctx)
//
// The subsystems compose directly as well, for callers that need finer
// control:
//
//	sched := job.NewScheduler(store, conveyor.DefaultConfig())
//	_, err := sched.Enqueue(ctx, job.EnqueueRequest{
//	    TenantID:  "t1",
//	    Type:      "connector.sync",
//	    DedupeKey: "sync:c1",
//	})
//
//	pool := worker.NewPool(store, executor, logger)
//	pool.Start(ctx)
//
// # Architecture
//
// Each subsystem (job, stock) defines its own store interface; a single
// backend (memory, postgres, redis) implements all of them. Correctness under
// concurrent workers lives entirely in the store layer: claiming a job and
// applying a stock delta are atomic storage operations, never in-process
// locks.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package conveyor
