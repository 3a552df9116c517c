package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/stock"
)

func newJob(tenantID, jobType string) *job.Job {
	return &job.Job{
		Entity:      conveyor.NewEntity(),
		ID:          id.NewJobID(),
		TenantID:    tenantID,
		Type:        jobType,
		State:       job.StatePending,
		MaxAttempts: 3,
		RunAt:       time.Now().UTC(),
	}
}

func mustEnqueue(t *testing.T, s *Store, j *job.Job) *job.Job {
	t.Helper()
	stored, err := s.EnqueueJob(context.Background(), j)
	if err != nil {
		t.Fatalf("EnqueueJob() error = %v", err)
	}
	return stored
}

func claimOne(t *testing.T, s *Store, workerID id.ID) *job.Job {
	t.Helper()
	claimed, err := s.ClaimJobs(context.Background(), workerID, 1)
	if err != nil {
		t.Fatalf("ClaimJobs() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("ClaimJobs() returned %d jobs, want 1", len(claimed))
	}
	return claimed[0]
}

func TestEnqueueAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("tenant-1", "email.send")
	stored := mustEnqueue(t, s, j)

	got, err := s.GetJob(ctx, "tenant-1", stored.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Type != "email.send" {
		t.Errorf("Type = %q, want %q", got.Type, "email.send")
	}
	if got.State != job.StatePending {
		t.Errorf("State = %q, want pending", got.State)
	}
}

func TestGetJobTenantIsolation(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	stored := mustEnqueue(t, s, newJob("tenant-1", "email.send"))

	if _, err := s.GetJob(ctx, "tenant-2", stored.ID); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("GetJob() with wrong tenant error = %v, want ErrJobNotFound", err)
	}
}

func TestEnqueueDedupeCoalesces(t *testing.T) {
	t.Parallel()
	s := New()

	first := newJob("tenant-1", "sync.orders")
	first.DedupeKey = "orders"
	first.Payload = []byte(`{"v":1}`)
	stored1 := mustEnqueue(t, s, first)

	second := newJob("tenant-1", "sync.orders")
	second.DedupeKey = "orders"
	second.Payload = []byte(`{"v":2}`)
	stored2 := mustEnqueue(t, s, second)

	if stored2.ID.String() != stored1.ID.String() {
		t.Fatalf("coalesced job ID = %s, want %s", stored2.ID, stored1.ID)
	}
	if string(stored2.Payload) != `{"v":2}` {
		t.Errorf("Payload = %s, want latest payload", stored2.Payload)
	}

	count, err := s.CountJobs(context.Background(), "tenant-1", job.CountOpts{})
	if err != nil {
		t.Fatalf("CountJobs() error = %v", err)
	}
	if count != 1 {
		t.Errorf("CountJobs() = %d, want 1", count)
	}
}

func TestEnqueueDedupeScopedToTenant(t *testing.T) {
	t.Parallel()
	s := New()

	a := newJob("tenant-1", "sync.orders")
	a.DedupeKey = "orders"
	b := newJob("tenant-2", "sync.orders")
	b.DedupeKey = "orders"

	storedA := mustEnqueue(t, s, a)
	storedB := mustEnqueue(t, s, b)

	if storedA.ID.String() == storedB.ID.String() {
		t.Error("dedupe coalesced across tenants")
	}
}

func TestEnqueueDedupeIgnoresTerminalJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	first := newJob("tenant-1", "sync.orders")
	first.DedupeKey = "orders"
	stored1 := mustEnqueue(t, s, first)

	claimed := claimOne(t, s, id.NewWorkerID())
	claimed.State = job.StateCompleted
	now := time.Now().UTC()
	claimed.FinishedAt = &now
	if err := s.FinishJob(ctx, claimed.WorkerID, claimed); err != nil {
		t.Fatalf("FinishJob() error = %v", err)
	}

	second := newJob("tenant-1", "sync.orders")
	second.DedupeKey = "orders"
	stored2 := mustEnqueue(t, s, second)

	if stored2.ID.String() == stored1.ID.String() {
		t.Error("enqueue coalesced into a completed job")
	}
}

func TestClaimJobsExactlyOneWinner(t *testing.T) {
	t.Parallel()
	s := New()

	mustEnqueue(t, s, newJob("tenant-1", "email.send"))

	const claimers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimJobs(context.Background(), id.NewWorkerID(), 1)
			if err != nil {
				t.Errorf("ClaimJobs() error = %v", err)
				return
			}
			if len(claimed) == 1 {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("claim winners = %d, want exactly 1", wins)
	}
}

func TestClaimJobsOrdering(t *testing.T) {
	t.Parallel()
	s := New()

	low := newJob("tenant-1", "low")
	low.Priority = 0
	high := newJob("tenant-1", "high")
	high.Priority = 5
	mustEnqueue(t, s, low)
	mustEnqueue(t, s, high)

	claimed := claimOne(t, s, id.NewWorkerID())
	if claimed.Type != "high" {
		t.Errorf("claimed %q first, want the high priority job", claimed.Type)
	}
}

func TestClaimJobsSkipsFutureRunAt(t *testing.T) {
	t.Parallel()
	s := New()

	j := newJob("tenant-1", "email.send")
	j.RunAt = time.Now().UTC().Add(time.Hour)
	mustEnqueue(t, s, j)

	claimed, err := s.ClaimJobs(context.Background(), id.NewWorkerID(), 1)
	if err != nil {
		t.Fatalf("ClaimJobs() error = %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed %d jobs, want 0 before RunAt", len(claimed))
	}
}

func TestFinishJobRequiresRunning(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	stored := mustEnqueue(t, s, newJob("tenant-1", "email.send"))
	claimed := claimOne(t, s, id.NewWorkerID())

	// Cancel the running job, then try to finish it: the outcome must be
	// rejected so the cancellation sticks.
	if _, err := s.CancelJob(ctx, "tenant-1", stored.ID); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}

	claimed.State = job.StateCompleted
	if err := s.FinishJob(ctx, claimed.WorkerID, claimed); !errors.Is(err, conveyor.ErrInvalidTransition) {
		t.Errorf("FinishJob() after cancel error = %v, want ErrInvalidTransition", err)
	}

	got, err := s.GetJob(ctx, "tenant-1", stored.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.State != job.StateCancelled {
		t.Errorf("State = %q, want cancelled to stick", got.State)
	}
}

func TestFinishJobRequiresOwnership(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	first := newJob("tenant-1", "sync.orders")
	first.DedupeKey = "orders"
	first.Payload = []byte(`{"v":1}`)
	mustEnqueue(t, s, first)

	// Worker A claims the job, then a dedupe enqueue coalesces it back to
	// pending mid-handler and worker B claims the refreshed payload.
	claimedA := claimOne(t, s, id.NewWorkerID())

	second := newJob("tenant-1", "sync.orders")
	second.DedupeKey = "orders"
	second.Payload = []byte(`{"v":2}`)
	mustEnqueue(t, s, second)

	claimedB := claimOne(t, s, id.NewWorkerID())

	// A's late outcome must not land on B's claim.
	claimedA.State = job.StateCompleted
	if err := s.FinishJob(ctx, claimedA.WorkerID, claimedA); !errors.Is(err, conveyor.ErrInvalidTransition) {
		t.Fatalf("FinishJob() from stale claimer error = %v, want ErrInvalidTransition", err)
	}

	got, err := s.GetJob(ctx, "tenant-1", claimedB.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.State != job.StateRunning {
		t.Fatalf("State = %q after stale finish, want still running", got.State)
	}
	if string(got.Payload) != `{"v":2}` {
		t.Errorf("Payload = %s, want the refreshed payload", got.Payload)
	}

	// B's outcome for the current claim goes through.
	claimedB.State = job.StateCompleted
	if err := s.FinishJob(ctx, claimedB.WorkerID, claimedB); err != nil {
		t.Fatalf("FinishJob() from current claimer error = %v", err)
	}
	got, err = s.GetJob(ctx, "tenant-1", claimedB.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.State != job.StateCompleted {
		t.Errorf("State = %q, want completed", got.State)
	}
}

func TestClaimJobsStampsHeartbeat(t *testing.T) {
	t.Parallel()
	s := New()

	mustEnqueue(t, s, newJob("tenant-1", "email.send"))
	claimed := claimOne(t, s, id.NewWorkerID())

	if claimed.HeartbeatAt == nil {
		t.Error("HeartbeatAt not stamped at claim time")
	}
	if claimed.StartedAt == nil {
		t.Error("StartedAt not stamped at claim time")
	}
}

func TestCancelJobTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(t *testing.T, s *Store, j *job.Job)
		wantErr error
	}{
		{
			name:    "pending",
			prepare: func(*testing.T, *Store, *job.Job) {},
		},
		{
			name: "running",
			prepare: func(t *testing.T, s *Store, _ *job.Job) {
				claimOne(t, s, id.NewWorkerID())
			},
		},
		{
			name: "completed",
			prepare: func(t *testing.T, s *Store, _ *job.Job) {
				claimed := claimOne(t, s, id.NewWorkerID())
				claimed.State = job.StateCompleted
				if err := s.FinishJob(context.Background(), claimed.WorkerID, claimed); err != nil {
					t.Fatalf("FinishJob() error = %v", err)
				}
			},
			wantErr: conveyor.ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New()
			stored := mustEnqueue(t, s, newJob("tenant-1", "email.send"))
			tt.prepare(t, s, stored)

			_, err := s.CancelJob(context.Background(), "tenant-1", stored.ID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("CancelJob() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("CancelJob() error = %v", err)
			}

			got, err := s.GetJob(context.Background(), "tenant-1", stored.ID)
			if err != nil {
				t.Fatalf("GetJob() error = %v", err)
			}
			if got.State != job.StateCancelled {
				t.Errorf("State = %q, want cancelled", got.State)
			}
			if got.FinishedAt == nil {
				t.Error("FinishedAt not set")
			}
		})
	}
}

func TestRescheduleJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	stored := mustEnqueue(t, s, newJob("tenant-1", "email.send"))

	// Pending jobs cannot be rescheduled.
	if _, err := s.RescheduleJob(ctx, "tenant-1", stored.ID, time.Now()); !errors.Is(err, conveyor.ErrInvalidTransition) {
		t.Errorf("RescheduleJob() on pending error = %v, want ErrInvalidTransition", err)
	}

	if _, err := s.CancelJob(ctx, "tenant-1", stored.ID); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}

	runAt := time.Now().UTC().Add(time.Minute)
	got, err := s.RescheduleJob(ctx, "tenant-1", stored.ID, runAt)
	if err != nil {
		t.Fatalf("RescheduleJob() error = %v", err)
	}
	if got.State != job.StatePending {
		t.Errorf("State = %q, want pending", got.State)
	}
	if !got.RunAt.Equal(runAt) {
		t.Errorf("RunAt = %v, want %v", got.RunAt, runAt)
	}
	if got.FinishedAt != nil {
		t.Error("FinishedAt not cleared")
	}
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	stored := mustEnqueue(t, s, newJob("tenant-1", "email.send"))

	if err := s.DeleteJob(ctx, "tenant-2", stored.ID); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("DeleteJob() with wrong tenant error = %v, want ErrJobNotFound", err)
	}
	if err := s.DeleteJob(ctx, "tenant-1", stored.ID); err != nil {
		t.Fatalf("DeleteJob() error = %v", err)
	}
	if _, err := s.GetJob(ctx, "tenant-1", stored.ID); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("GetJob() after delete error = %v, want ErrJobNotFound", err)
	}
}

func TestReapStaleJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	mustEnqueue(t, s, newJob("tenant-1", "email.send"))
	claimed := claimOne(t, s, id.NewWorkerID())

	stale := time.Now().UTC().Add(-time.Hour)
	claimed.HeartbeatAt = &stale
	if err := s.UpdateJob(ctx, claimed); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}

	got, err := s.ReapStaleJobs(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("ReapStaleJobs() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ReapStaleJobs() returned %d jobs, want 1", len(got))
	}

	// A fresh heartbeat takes the job back off the stale list.
	if err := s.HeartbeatJob(ctx, claimed.ID, claimed.WorkerID); err != nil {
		t.Fatalf("HeartbeatJob() error = %v", err)
	}
	got, err = s.ReapStaleJobs(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("ReapStaleJobs() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReapStaleJobs() after heartbeat returned %d jobs, want 0", len(got))
	}
}

func TestRecordMovementUpdatesSnapshot(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	receipt := &stock.LedgerEntry{
		ID:          id.NewStockEntryID(),
		TenantID:    "tenant-1",
		WarehouseID: "wh-1",
		VariantID:   "sku-1",
		QtyDelta:    10,
		Kind:        stock.KindReceipt,
		CreatedAt:   time.Now().UTC(),
	}
	if _, _, err := s.RecordMovement(ctx, receipt, 10, 0); err != nil {
		t.Fatalf("RecordMovement(receipt) error = %v", err)
	}

	reservation := &stock.LedgerEntry{
		ID:          id.NewStockEntryID(),
		TenantID:    "tenant-1",
		WarehouseID: "wh-1",
		VariantID:   "sku-1",
		QtyDelta:    3,
		Kind:        stock.KindReservation,
		CreatedAt:   time.Now().UTC(),
	}
	_, snap, err := s.RecordMovement(ctx, reservation, 0, 3)
	if err != nil {
		t.Fatalf("RecordMovement(reservation) error = %v", err)
	}

	if snap.OnHand != 10 || snap.Reserved != 3 || snap.Available != 7 {
		t.Errorf("snapshot = (%d, %d, %d), want (10, 3, 7)", snap.OnHand, snap.Reserved, snap.Available)
	}
}

func TestRecordMovementIdempotency(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	entry := func() *stock.LedgerEntry {
		return &stock.LedgerEntry{
			ID:          id.NewStockEntryID(),
			TenantID:    "tenant-1",
			WarehouseID: "wh-1",
			VariantID:   "sku-1",
			QtyDelta:    -2,
			Kind:        stock.KindSale,
			RefType:     "order",
			RefID:       "order-42",
			CreatedAt:   time.Now().UTC(),
		}
	}

	if _, _, err := s.RecordMovement(ctx, entry(), -2, 0); err != nil {
		t.Fatalf("RecordMovement() error = %v", err)
	}
	if _, _, err := s.RecordMovement(ctx, entry(), -2, 0); !errors.Is(err, conveyor.ErrDuplicateMovement) {
		t.Errorf("RecordMovement() replay error = %v, want ErrDuplicateMovement", err)
	}

	snap, err := s.GetSnapshot(ctx, "tenant-1", "wh-1", "sku-1")
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if snap.OnHand != -2 {
		t.Errorf("OnHand = %d after replay, want -2 (applied once)", snap.OnHand)
	}
}

func TestApplyDeltaConcurrent(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ApplyDelta(ctx, "tenant-1", "wh-1", "sku-1", 1, 0); err != nil {
				t.Errorf("ApplyDelta() error = %v", err)
			}
		}()
	}
	wg.Wait()

	snap, err := s.GetSnapshot(ctx, "tenant-1", "wh-1", "sku-1")
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if snap.OnHand != workers {
		t.Errorf("OnHand = %d, want %d (no lost updates)", snap.OnHand, workers)
	}
	if snap.Available != snap.OnHand-snap.Reserved {
		t.Errorf("Available = %d, want OnHand-Reserved = %d", snap.Available, snap.OnHand-snap.Reserved)
	}
}

func TestGetSnapshotMissingReadsZero(t *testing.T) {
	t.Parallel()
	s := New()

	snap, err := s.GetSnapshot(context.Background(), "tenant-1", "wh-9", "sku-9")
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if snap.OnHand != 0 || snap.Reserved != 0 || snap.Available != 0 {
		t.Errorf("snapshot = (%d, %d, %d), want all zeros", snap.OnHand, snap.Reserved, snap.Available)
	}
	if snap.TenantID != "tenant-1" || snap.WarehouseID != "wh-9" || snap.VariantID != "sku-9" {
		t.Error("zero snapshot missing key fields")
	}
}

func TestListEntriesNewestFirst(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	kinds := []stock.Kind{stock.KindReceipt, stock.KindReservation, stock.KindSale}
	for _, k := range kinds {
		e := &stock.LedgerEntry{
			ID:          id.NewStockEntryID(),
			TenantID:    "tenant-1",
			WarehouseID: "wh-1",
			VariantID:   "sku-1",
			QtyDelta:    1,
			Kind:        k,
			CreatedAt:   time.Now().UTC(),
		}
		dOnHand, dReserved := stock.SnapshotDeltas(k, e.QtyDelta)
		if _, _, err := s.RecordMovement(ctx, e, dOnHand, dReserved); err != nil {
			t.Fatalf("RecordMovement(%s) error = %v", k, err)
		}
	}

	entries, err := s.ListEntries(ctx, "tenant-1", stock.ListOpts{})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ListEntries() returned %d entries, want 3", len(entries))
	}
	if entries[0].Kind != stock.KindSale {
		t.Errorf("first entry kind = %q, want newest (sale)", entries[0].Kind)
	}

	filtered, err := s.ListEntries(ctx, "tenant-1", stock.ListOpts{Kind: stock.KindReceipt})
	if err != nil {
		t.Fatalf("ListEntries(filtered) error = %v", err)
	}
	if len(filtered) != 1 || filtered[0].Kind != stock.KindReceipt {
		t.Errorf("filtered entries = %v, want one receipt", filtered)
	}
}
