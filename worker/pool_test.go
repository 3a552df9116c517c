package worker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/store/memory"
	"github.com/conveyorhq/conveyor/worker"
)

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRunOnceEmptyStore(t *testing.T) {
	t.Parallel()
	s := memory.New()
	exec := worker.NewExecutor(job.NewRegistry(), s, nil, discardLogger())
	p := worker.NewPool(s, exec, discardLogger())

	claimed, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if claimed {
		t.Error("RunOnce() claimed = true on empty store, want false")
	}
}

func TestRunOnceExecutesOneJob(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	registry := job.NewRegistry()
	var calls atomic.Int32
	registry.Register("email.send", func(context.Context, string, []byte) error {
		calls.Add(1)
		return nil
	})

	exec := worker.NewExecutor(registry, s, nil, discardLogger())
	p := worker.NewPool(s, exec, discardLogger())

	first := enqueue(t, s, "email.send", 3)
	enqueue(t, s, "email.send", 3)

	claimed, err := p.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !claimed {
		t.Fatal("RunOnce() claimed = false, want true")
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want exactly 1", calls.Load())
	}

	got, err := s.GetJob(ctx, "tenant-1", first.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.State != job.StateCompleted {
		t.Errorf("State = %q, want completed", got.State)
	}

	// The second job is untouched.
	count, err := s.CountJobs(ctx, "tenant-1", job.CountOpts{State: job.StatePending})
	if err != nil {
		t.Fatalf("CountJobs() error = %v", err)
	}
	if count != 1 {
		t.Errorf("pending jobs = %d, want 1", count)
	}
}

func TestPoolProcessesAllJobs(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	registry := job.NewRegistry()
	var calls atomic.Int32
	registry.Register("email.send", func(context.Context, string, []byte) error {
		calls.Add(1)
		return nil
	})

	const jobs = 8
	for range jobs {
		enqueue(t, s, "email.send", 3)
	}

	exec := worker.NewExecutor(registry, s, nil, discardLogger())
	p := worker.NewPool(s, exec, discardLogger(),
		worker.WithConcurrency(4),
		worker.WithPollInterval(5*time.Millisecond),
	)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		count, err := s.CountJobs(ctx, "tenant-1", job.CountOpts{State: job.StateCompleted})
		return err == nil && count == jobs
	})

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if calls.Load() != jobs {
		t.Errorf("handler calls = %d, want %d (each job executed once)", calls.Load(), jobs)
	}
}

func TestPoolStopWaitsForInFlightJob(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	registry := job.NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	registry.Register("slow", func(context.Context, string, []byte) error {
		close(started)
		<-release
		return nil
	})

	stored := enqueue(t, s, "slow", 3)

	exec := worker.NewExecutor(registry, s, nil, discardLogger())
	p := worker.NewPool(s, exec, discardLogger(),
		worker.WithConcurrency(1),
		worker.WithPollInterval(5*time.Millisecond),
	)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started

	stopDone := make(chan struct{})
	go func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = p.Stop(stopCtx)
		close(stopDone)
	}()

	// Stop must not return while the handler is still running.
	select {
	case <-stopDone:
		t.Fatal("Stop() returned before the in-flight handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after the handler finished")
	}

	got, err := s.GetJob(ctx, "tenant-1", stored.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.State != job.StateCompleted {
		t.Errorf("State = %q, want the in-flight job to complete", got.State)
	}
}

func TestPoolStopDeadlineCancelsHandlers(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	registry := job.NewRegistry()
	started := make(chan struct{})
	registry.Register("stuck", func(hctx context.Context, _ string, _ []byte) error {
		close(started)
		<-hctx.Done()
		return hctx.Err()
	})

	enqueue(t, s, "stuck", 3)

	exec := worker.NewExecutor(registry, s, nil, discardLogger())
	p := worker.NewPool(s, exec, discardLogger(),
		worker.WithConcurrency(1),
		worker.WithPollInterval(5*time.Millisecond),
	)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = p.Stop(stopCtx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not cancel the stuck handler")
	}
}

func TestPoolStopShutdownTimeoutCancelsHandlers(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()

	registry := job.NewRegistry()
	started := make(chan struct{})
	registry.Register("stuck", func(hctx context.Context, _ string, _ []byte) error {
		close(started)
		<-hctx.Done()
		return hctx.Err()
	})

	enqueue(t, s, "stuck", 3)

	exec := worker.NewExecutor(registry, s, nil, discardLogger())
	p := worker.NewPool(s, exec, discardLogger(),
		worker.WithConcurrency(1),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithShutdownTimeout(50*time.Millisecond),
	)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started

	// No deadline on the caller's context: the configured shutdown timeout
	// must bound the wait on its own.
	done := make(chan struct{})
	go func() {
		_ = p.Stop(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not honor the configured shutdown timeout")
	}
}
