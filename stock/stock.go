package stock

import (
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// Kind classifies a stock movement. The kind decides which snapshot column
// the movement's delta applies to: physical kinds move OnHand, reservation
// kinds move Reserved.
type Kind string

const (
	// KindReceipt records goods arriving at a warehouse.
	KindReceipt Kind = "receipt"
	// KindReservation holds quantity for an order without moving it.
	KindReservation Kind = "reservation"
	// KindRelease returns previously reserved quantity to availability.
	KindRelease Kind = "release"
	// KindAdjustment corrects on-hand quantity after a count or damage.
	KindAdjustment Kind = "adjustment"
	// KindSale removes quantity that left the warehouse with an order.
	KindSale Kind = "sale"
	// KindReturn records quantity coming back from a customer.
	KindReturn Kind = "return"
)

// LedgerEntry is one immutable, append-only stock movement. Entries are
// never updated or deleted; corrections are recorded as new entries with
// the opposite sign. The full sequence per key is the audit trail.
type LedgerEntry struct {
	ID            id.ID     `json:"id"`
	TenantID      string    `json:"tenant_id"`
	WarehouseID   string    `json:"warehouse_id"`
	VariantID     string    `json:"variant_id"`
	QtyDelta      int64     `json:"qty_delta"`
	Kind          Kind      `json:"kind"`
	Reason        string    `json:"reason,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	RefType       string    `json:"ref_type,omitempty"`
	RefID         string    `json:"ref_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Snapshot is the materialized aggregate per (tenant, warehouse, variant).
// Invariant: Available == OnHand - Reserved after every mutation, and the
// snapshot equals the running sum of ledger deltas for its key.
type Snapshot struct {
	TenantID    string    `json:"tenant_id"`
	WarehouseID string    `json:"warehouse_id"`
	VariantID   string    `json:"variant_id"`
	OnHand      int64     `json:"on_hand"`
	Reserved    int64     `json:"reserved"`
	Available   int64     `json:"available"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SnapshotDeltas returns the (on hand, reserved) deltas a ledger delta of
// the given kind applies to the snapshot.
func SnapshotDeltas(kind Kind, qtyDelta int64) (deltaOnHand, deltaReserved int64) {
	switch kind {
	case KindReservation, KindRelease:
		return 0, qtyDelta
	default:
		return qtyDelta, 0
	}
}
