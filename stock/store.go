package stock

import "context"

// ListOpts controls pagination and filtering for ledger entry queries.
type ListOpts struct {
	// WarehouseID filters by warehouse. Empty means all warehouses.
	WarehouseID string
	// VariantID filters by variant. Empty means all variants.
	VariantID string
	// Kind filters by movement kind. Empty means all kinds.
	Kind Kind
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
}

// Store defines the persistence contract for the stock ledger and its
// snapshot. Implementations must serialize snapshot mutation per
// (tenant, warehouse, variant) key (a row lock, an atomic increment, or an
// equivalent primitive) so no concurrent update on the same key is ever
// silently lost. Distinct keys must not contend with each other.
type Store interface {
	// RecordMovement appends the ledger entry and applies the given
	// snapshot deltas in one atomic transaction. When the entry carries
	// a RefType+RefID pair that has already been recorded for the same
	// tenant and kind, it returns conveyor.ErrDuplicateMovement and
	// writes nothing. This is the replay protection for at-least-once
	// handlers.
	RecordMovement(ctx context.Context, e *LedgerEntry, deltaOnHand, deltaReserved int64) (*LedgerEntry, *Snapshot, error)

	// ApplyDelta upserts the snapshot for the key, treating a missing
	// row as all-zero, and atomically adds the deltas. Available is
	// recomputed as OnHand - Reserved in the same operation.
	ApplyDelta(ctx context.Context, tenantID, warehouseID, variantID string, deltaOnHand, deltaReserved int64) (*Snapshot, error)

	// GetSnapshot returns the snapshot for the key. A missing row is
	// returned as an all-zero snapshot, not an error.
	GetSnapshot(ctx context.Context, tenantID, warehouseID, variantID string) (*Snapshot, error)

	// ListEntries returns a tenant's ledger entries matching the given
	// options, newest first.
	ListEntries(ctx context.Context, tenantID string, opts ListOpts) ([]*LedgerEntry, error)
}
