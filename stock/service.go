package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
)

// Movement describes one stock change requested by a caller (a fulfillment
// or returns job handler, an integration sync, a manual adjustment).
type Movement struct {
	TenantID    string
	WarehouseID string
	VariantID   string
	// QtyDelta is the signed quantity change. Positive receipts, negative
	// sales, positive reservations, negative releases.
	QtyDelta int64
	Kind     Kind
	Reason   string
	// CorrelationID ties the movement to an external request. Empty
	// generates a fresh one.
	CorrelationID string
	// RefType and RefID, when both set, make the movement idempotent:
	// recording the same (tenant, kind, ref) twice fails with
	// conveyor.ErrDuplicateMovement instead of double-counting.
	RefType string
	RefID   string
}

// Service is the write API for stock movements. It maps movement kinds onto
// snapshot columns, delegates the atomic append+apply to the store, and
// retries transient per-key conflicts with a bounded loop.
//
// The service performs no business validation: negative available stock is
// the caller's policy decision, not the ledger's.
type Service struct {
	store           Store
	logger          *slog.Logger
	conflictRetries int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the logger used by the service.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithConflictRetries sets how many times a storage-conflict error is
// retried before surfacing. Values below 1 are clamped to 1.
func WithConflictRetries(n int) ServiceOption {
	return func(s *Service) {
		if n < 1 {
			n = 1
		}
		s.conflictRetries = n
	}
}

// NewService creates a stock Service backed by the given store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:           store,
		logger:          slog.Default(),
		conflictRetries: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record validates the movement, appends the ledger entry, and applies the
// snapshot delta, both writes in one store transaction. It returns the
// stored entry and the snapshot after application.
func (s *Service) Record(ctx context.Context, m Movement) (*LedgerEntry, *Snapshot, error) {
	if m.TenantID == "" {
		return nil, nil, fmt.Errorf("conveyor/stock: record: tenant id is required")
	}
	if m.WarehouseID == "" || m.VariantID == "" {
		return nil, nil, fmt.Errorf("conveyor/stock: record: warehouse and variant ids are required")
	}
	if m.Kind == "" {
		return nil, nil, fmt.Errorf("conveyor/stock: record: movement kind is required")
	}
	if m.QtyDelta == 0 {
		return nil, nil, fmt.Errorf("conveyor/stock: record: quantity delta must be non-zero")
	}

	correlationID := m.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	entry := &LedgerEntry{
		ID:            id.NewStockEntryID(),
		TenantID:      m.TenantID,
		WarehouseID:   m.WarehouseID,
		VariantID:     m.VariantID,
		QtyDelta:      m.QtyDelta,
		Kind:          m.Kind,
		Reason:        m.Reason,
		CorrelationID: correlationID,
		RefType:       m.RefType,
		RefID:         m.RefID,
		CreatedAt:     time.Now().UTC(),
	}

	deltaOnHand, deltaReserved := SnapshotDeltas(m.Kind, m.QtyDelta)

	var (
		stored *LedgerEntry
		snap   *Snapshot
		err    error
	)
	for attempt := 1; attempt <= s.conflictRetries; attempt++ {
		stored, snap, err = s.store.RecordMovement(ctx, entry, deltaOnHand, deltaReserved)
		if err == nil || !errors.Is(err, conveyor.ErrStockConflict) {
			break
		}
		s.logger.Warn("stock snapshot conflict, retrying",
			slog.String("tenant_id", m.TenantID),
			slog.String("warehouse_id", m.WarehouseID),
			slog.String("variant_id", m.VariantID),
			slog.Int("attempt", attempt),
		)
	}
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("stock movement recorded",
		slog.String("entry_id", stored.ID.String()),
		slog.String("tenant_id", stored.TenantID),
		slog.String("warehouse_id", stored.WarehouseID),
		slog.String("variant_id", stored.VariantID),
		slog.String("kind", string(stored.Kind)),
		slog.Int64("qty_delta", stored.QtyDelta),
		slog.Int64("available", snap.Available),
	)
	return stored, snap, nil
}

// Snapshot returns the current aggregate for the key; a key with no
// recorded movements reads as all zeros.
func (s *Service) Snapshot(ctx context.Context, tenantID, warehouseID, variantID string) (*Snapshot, error) {
	return s.store.GetSnapshot(ctx, tenantID, warehouseID, variantID)
}

// Entries returns a tenant's ledger entries matching the given options,
// newest first.
func (s *Service) Entries(ctx context.Context, tenantID string, opts ListOpts) ([]*LedgerEntry, error) {
	return s.store.ListEntries(ctx, tenantID, opts)
}
