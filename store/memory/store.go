// Package memory provides a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/stock"
)

// Ensure Store implements each subsystem interface at compile time.
// We can't import store here (import cycle), so we verify per subsystem.
var (
	_ job.Store   = (*Store)(nil)
	_ stock.Store = (*Store)(nil)
)

// Store is an in-memory implementation of the aggregate store.
//
// Jobs live under one store-wide mutex; stock snapshots serialize under
// per-key mutexes so distinct (tenant, warehouse, variant) keys never
// contend, mirroring the row-level granularity of the durable backends.
type Store struct {
	mu sync.RWMutex

	jobs   map[string]*job.Job // job id → job
	dedupe map[string]string   // tenant+key → id of the non-terminal holder

	entries map[string][]*stock.LedgerEntry // tenant → entries, append order
	refs    map[string]struct{}             // idempotency references seen

	snapshots map[string]*stock.Snapshot
	snapLocks map[string]*sync.Mutex
	snapGuard sync.Mutex
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:      make(map[string]*job.Job),
		dedupe:    make(map[string]string),
		entries:   make(map[string][]*stock.LedgerEntry),
		refs:      make(map[string]struct{}),
		snapshots: make(map[string]*stock.Snapshot),
		snapLocks: make(map[string]*sync.Mutex),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

func dedupeKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

// EnqueueJob persists a new pending job, coalescing into an existing
// non-terminal job when the tenant already holds the dedupe key.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.DedupeKey != "" {
		if existingID, ok := m.dedupe[dedupeKey(j.TenantID, j.DedupeKey)]; ok {
			existing := m.jobs[existingID]
			if existing != nil && !existing.State.Terminal() {
				existing.Payload = j.Payload
				existing.Priority = j.Priority
				existing.MaxAttempts = j.MaxAttempts
				existing.RunAt = j.RunAt
				existing.State = job.StatePending
				existing.Attempts = 0
				existing.LastError = ""
				existing.WorkerID = id.Nil
				existing.StartedAt = nil
				existing.FinishedAt = nil
				existing.HeartbeatAt = nil
				existing.Touch()
				cp := *existing
				return &cp, nil
			}
		}
	}

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return nil, conveyor.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	if j.DedupeKey != "" {
		m.dedupe[dedupeKey(j.TenantID, j.DedupeKey)] = key
	}
	out := cp
	return &out, nil
}

// GetJob retrieves a tenant's job by ID.
func (m *Store) GetJob(_ context.Context, tenantID string, jobID id.ID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || j.TenantID != tenantID {
		return nil, conveyor.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// ListJobs returns a tenant's jobs matching the given options.
func (m *Store) ListJobs(_ context.Context, tenantID string, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.TenantID != tenantID {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.Type != "" && j.Type != opts.Type {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// CountJobs returns the number of a tenant's jobs matching the options.
func (m *Store) CountJobs(_ context.Context, tenantID string, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if j.TenantID != tenantID {
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

// ClaimJobs atomically claims up to limit eligible jobs. The store mutex
// is held across select-and-mark, so racing claimers observe each job as
// pending exactly once.
func (m *Store) ClaimJobs(_ context.Context, workerID id.ID, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if !j.Eligible(now) {
			continue
		}
		candidates = append(candidates, j)
	}

	// Sort: priority DESC, RunAt ASC.
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].RunAt.Before(candidates[k].RunAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		j.State = job.StateRunning
		n := now
		j.StartedAt = &n
		hb := now
		j.HeartbeatAt = &hb
		j.WorkerID = workerID
		j.Touch()
		// Return a copy so callers can mutate without racing the store.
		cp := *j
		result[i] = &cp
	}

	return result, nil
}

// FinishJob persists an execution outcome only while the stored row is
// still running and still claimed by workerID. A dedupe coalesce can reset
// the row to pending and hand it to another claimer mid-handler; the
// ownership check keeps the first worker's late outcome from landing on the
// second worker's claim.
func (m *Store) FinishJob(_ context.Context, workerID id.ID, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	existing, ok := m.jobs[key]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	if existing.State != job.StateRunning || existing.WorkerID.String() != workerID.String() {
		return conveyor.ErrInvalidTransition
	}

	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	m.syncDedupe(&cp)
	return nil
}

// CancelJob transitions a pending or running job to cancelled.
func (m *Store) CancelJob(_ context.Context, tenantID string, jobID id.ID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || j.TenantID != tenantID {
		return nil, conveyor.ErrJobNotFound
	}
	if j.State != job.StatePending && j.State != job.StateRunning {
		return nil, conveyor.ErrInvalidTransition
	}

	now := time.Now().UTC()
	j.State = job.StateCancelled
	j.FinishedAt = &now
	j.Touch()
	m.syncDedupe(j)

	cp := *j
	return &cp, nil
}

// RescheduleJob returns a failed or cancelled job to pending.
func (m *Store) RescheduleJob(_ context.Context, tenantID string, jobID id.ID, runAt time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok || j.TenantID != tenantID {
		return nil, conveyor.ErrJobNotFound
	}
	if j.State != job.StateFailed && j.State != job.StateCancelled {
		return nil, conveyor.ErrInvalidTransition
	}

	// The dedupe key may have been taken over by a newer job while this
	// one sat in a terminal state.
	if j.DedupeKey != "" {
		if holder, held := m.dedupe[dedupeKey(tenantID, j.DedupeKey)]; held && holder != jobID.String() {
			return nil, conveyor.ErrJobAlreadyExists
		}
	}

	j.State = job.StatePending
	j.RunAt = runAt
	j.FinishedAt = nil
	j.StartedAt = nil
	j.HeartbeatAt = nil
	j.WorkerID = id.Nil
	j.Touch()
	m.syncDedupe(j)

	cp := *j
	return &cp, nil
}

// UpdateJob persists changes to an existing job unconditionally.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return conveyor.ErrJobNotFound
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	m.syncDedupe(&cp)
	return nil
}

// DeleteJob removes a tenant's job by ID.
func (m *Store) DeleteJob(_ context.Context, tenantID string, jobID id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	j, ok := m.jobs[key]
	if !ok || j.TenantID != tenantID {
		return conveyor.ErrJobNotFound
	}
	if j.DedupeKey != "" {
		dk := dedupeKey(j.TenantID, j.DedupeKey)
		if m.dedupe[dk] == key {
			delete(m.dedupe, dk)
		}
	}
	delete(m.jobs, key)
	return nil
}

// HeartbeatJob updates the heartbeat timestamp for a running job.
func (m *Store) HeartbeatJob(_ context.Context, jobID id.ID, _ id.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return conveyor.ErrJobNotFound
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	return nil
}

// ReapStaleJobs returns running jobs whose last heartbeat is older than
// the given threshold.
func (m *Store) ReapStaleJobs(_ context.Context, threshold time.Duration) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var stale []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateRunning {
			continue
		}
		if j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			cp := *j
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

// syncDedupe keeps the dedupe index consistent with a job's state.
// Callers must hold m.mu.
func (m *Store) syncDedupe(j *job.Job) {
	if j.DedupeKey == "" {
		return
	}
	dk := dedupeKey(j.TenantID, j.DedupeKey)
	if j.State.Terminal() {
		if m.dedupe[dk] == j.ID.String() {
			delete(m.dedupe, dk)
		}
		return
	}
	m.dedupe[dk] = j.ID.String()
}

// ──────────────────────────────────────────────────
// Stock Store
// ──────────────────────────────────────────────────

func snapshotKey(tenantID, warehouseID, variantID string) string {
	return tenantID + "\x00" + warehouseID + "\x00" + variantID
}

func refKey(tenantID string, kind stock.Kind, refType, refID string) string {
	return tenantID + "\x00" + string(kind) + "\x00" + refType + "\x00" + refID
}

// snapshotLock returns the mutex guarding one (tenant, warehouse, variant)
// key, creating it on first use.
func (m *Store) snapshotLock(key string) *sync.Mutex {
	m.snapGuard.Lock()
	defer m.snapGuard.Unlock()

	l, ok := m.snapLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.snapLocks[key] = l
	}
	return l
}

// RecordMovement appends the entry and applies the snapshot deltas under the
// key's mutex, so append and apply are observed together.
func (m *Store) RecordMovement(_ context.Context, e *stock.LedgerEntry, deltaOnHand, deltaReserved int64) (*stock.LedgerEntry, *stock.Snapshot, error) {
	key := snapshotKey(e.TenantID, e.WarehouseID, e.VariantID)
	l := m.snapshotLock(key)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	if e.RefType != "" && e.RefID != "" {
		rk := refKey(e.TenantID, e.Kind, e.RefType, e.RefID)
		if _, seen := m.refs[rk]; seen {
			m.mu.Unlock()
			return nil, nil, conveyor.ErrDuplicateMovement
		}
		m.refs[rk] = struct{}{}
	}
	cp := *e
	m.entries[e.TenantID] = append(m.entries[e.TenantID], &cp)
	m.mu.Unlock()

	snap := m.applyDeltaLocked(key, e.TenantID, e.WarehouseID, e.VariantID, deltaOnHand, deltaReserved)

	out := cp
	return &out, snap, nil
}

// ApplyDelta upserts the snapshot for the key and adds the deltas.
func (m *Store) ApplyDelta(_ context.Context, tenantID, warehouseID, variantID string, deltaOnHand, deltaReserved int64) (*stock.Snapshot, error) {
	key := snapshotKey(tenantID, warehouseID, variantID)
	l := m.snapshotLock(key)
	l.Lock()
	defer l.Unlock()

	return m.applyDeltaLocked(key, tenantID, warehouseID, variantID, deltaOnHand, deltaReserved), nil
}

// applyDeltaLocked mutates the snapshot for key. Callers must hold the
// key's snapshot mutex.
func (m *Store) applyDeltaLocked(key, tenantID, warehouseID, variantID string, deltaOnHand, deltaReserved int64) *stock.Snapshot {
	m.snapGuard.Lock()
	defer m.snapGuard.Unlock()

	snap, ok := m.snapshots[key]
	if !ok {
		snap = &stock.Snapshot{
			TenantID:    tenantID,
			WarehouseID: warehouseID,
			VariantID:   variantID,
		}
		m.snapshots[key] = snap
	}
	snap.OnHand += deltaOnHand
	snap.Reserved += deltaReserved
	snap.Available = snap.OnHand - snap.Reserved
	snap.UpdatedAt = time.Now().UTC()

	cp := *snap
	return &cp
}

// GetSnapshot returns the snapshot for the key; a key with no movements
// reads as all zeros.
func (m *Store) GetSnapshot(_ context.Context, tenantID, warehouseID, variantID string) (*stock.Snapshot, error) {
	m.snapGuard.Lock()
	defer m.snapGuard.Unlock()

	snap, ok := m.snapshots[snapshotKey(tenantID, warehouseID, variantID)]
	if !ok {
		return &stock.Snapshot{
			TenantID:    tenantID,
			WarehouseID: warehouseID,
			VariantID:   variantID,
		}, nil
	}
	cp := *snap
	return &cp, nil
}

// ListEntries returns a tenant's ledger entries, newest first.
func (m *Store) ListEntries(_ context.Context, tenantID string, opts stock.ListOpts) ([]*stock.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[tenantID]
	result := make([]*stock.LedgerEntry, 0, len(all))
	// Entries are stored in append order; walk backwards for newest first.
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if opts.WarehouseID != "" && e.WarehouseID != opts.WarehouseID {
			continue
		}
		if opts.VariantID != "" && e.VariantID != opts.VariantID {
			continue
		}
		if opts.Kind != "" && e.Kind != opts.Kind {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}
