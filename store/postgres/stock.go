package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/stock"
)

const entryColumns = `
	id, tenant_id, warehouse_id, variant_id, qty_delta, kind,
	reason, correlation_id, ref_type, ref_id, created_at`

// snapshotUpsert adds the deltas to the key's snapshot row, creating it
// from zero when absent. Available is recomputed in the same statement so
// the invariant holds after every write. The arithmetic runs inside the
// upsert, never read-then-write, so the row lock serializes per-key
// updates without losing any.
const snapshotUpsert = `
	INSERT INTO conveyor_stock_snapshots (
		tenant_id, warehouse_id, variant_id, on_hand, reserved, available, updated_at
	) VALUES ($1, $2, $3, $4, $5, $4 - $5, NOW())
	ON CONFLICT (tenant_id, warehouse_id, variant_id) DO UPDATE SET
		on_hand = conveyor_stock_snapshots.on_hand + EXCLUDED.on_hand,
		reserved = conveyor_stock_snapshots.reserved + EXCLUDED.reserved,
		available = conveyor_stock_snapshots.on_hand + EXCLUDED.on_hand
		          - (conveyor_stock_snapshots.reserved + EXCLUDED.reserved),
		updated_at = NOW()
	RETURNING tenant_id, warehouse_id, variant_id, on_hand, reserved, available, updated_at`

// RecordMovement appends the ledger entry and applies the snapshot deltas
// in one transaction, so readers never observe the entry without its
// snapshot effect or vice versa.
func (s *Store) RecordMovement(ctx context.Context, e *stock.LedgerEntry, deltaOnHand, deltaReserved int64) (*stock.LedgerEntry, *stock.Snapshot, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("conveyor/postgres: record movement: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if e.RefType != "" && e.RefID != "" {
		var seen bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM conveyor_stock_ledger
				WHERE tenant_id = $1 AND kind = $2 AND ref_type = $3 AND ref_id = $4
			)`,
			e.TenantID, string(e.Kind), e.RefType, e.RefID,
		).Scan(&seen)
		if err != nil {
			return nil, nil, fmt.Errorf("conveyor/postgres: record movement: check ref: %w", err)
		}
		if seen {
			return nil, nil, conveyor.ErrDuplicateMovement
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO conveyor_stock_ledger (
			id, tenant_id, warehouse_id, variant_id, qty_delta, kind,
			reason, correlation_id, ref_type, ref_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID.String(), e.TenantID, e.WarehouseID, e.VariantID, e.QtyDelta, string(e.Kind),
		e.Reason, e.CorrelationID, e.RefType, e.RefID, e.CreatedAt,
	)
	if err != nil {
		// The partial unique index on (tenant, kind, ref) backstops the
		// existence check under concurrent replays.
		if isDuplicateKey(err) {
			return nil, nil, conveyor.ErrDuplicateMovement
		}
		return nil, nil, fmt.Errorf("conveyor/postgres: record movement: insert entry: %w", err)
	}

	snap, err := scanSnapshot(tx.QueryRow(ctx, snapshotUpsert,
		e.TenantID, e.WarehouseID, e.VariantID, deltaOnHand, deltaReserved,
	))
	if err != nil {
		if isSerializationFailure(err) {
			return nil, nil, conveyor.ErrStockConflict
		}
		return nil, nil, fmt.Errorf("conveyor/postgres: record movement: apply delta: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return nil, nil, conveyor.ErrStockConflict
		}
		return nil, nil, fmt.Errorf("conveyor/postgres: record movement: commit: %w", err)
	}

	cp := *e
	return &cp, snap, nil
}

// ApplyDelta upserts the snapshot for the key and atomically adds the
// deltas, treating a missing row as all-zero.
func (s *Store) ApplyDelta(ctx context.Context, tenantID, warehouseID, variantID string, deltaOnHand, deltaReserved int64) (*stock.Snapshot, error) {
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, snapshotUpsert,
		tenantID, warehouseID, variantID, deltaOnHand, deltaReserved,
	))
	if err != nil {
		if isSerializationFailure(err) {
			return nil, conveyor.ErrStockConflict
		}
		return nil, fmt.Errorf("conveyor/postgres: apply delta: %w", err)
	}
	return snap, nil
}

// GetSnapshot returns the snapshot for the key; a key with no recorded
// movements reads as all zeros.
func (s *Store) GetSnapshot(ctx context.Context, tenantID, warehouseID, variantID string) (*stock.Snapshot, error) {
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, `
		SELECT tenant_id, warehouse_id, variant_id, on_hand, reserved, available, updated_at
		FROM conveyor_stock_snapshots
		WHERE tenant_id = $1 AND warehouse_id = $2 AND variant_id = $3`,
		tenantID, warehouseID, variantID,
	))
	if err != nil {
		if isNoRows(err) {
			return &stock.Snapshot{
				TenantID:    tenantID,
				WarehouseID: warehouseID,
				VariantID:   variantID,
			}, nil
		}
		return nil, fmt.Errorf("conveyor/postgres: get snapshot: %w", err)
	}
	return snap, nil
}

// ListEntries returns a tenant's ledger entries matching the given options,
// newest first.
func (s *Store) ListEntries(ctx context.Context, tenantID string, opts stock.ListOpts) ([]*stock.LedgerEntry, error) {
	query := `
		SELECT` + entryColumns + `
		FROM conveyor_stock_ledger
		WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if opts.WarehouseID != "" {
		query += fmt.Sprintf(" AND warehouse_id = $%d", argIdx)
		args = append(args, opts.WarehouseID)
		argIdx++
	}
	if opts.VariantID != "" {
		query += fmt.Sprintf(" AND variant_id = $%d", argIdx)
		args = append(args, opts.VariantID)
		argIdx++
	}
	if opts.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, string(opts.Kind))
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list entries: %w", err)
	}
	defer rows.Close()

	var entries []*stock.LedgerEntry
	for rows.Next() {
		e, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan entry row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate entry rows: %w", err)
	}
	return entries, nil
}

// scanEntry scans a single ledger entry row.
func scanEntry(row pgx.Row) (*stock.LedgerEntry, error) {
	var (
		e       stock.LedgerEntry
		idStr   string
		kindStr string
	)
	err := row.Scan(
		&idStr, &e.TenantID, &e.WarehouseID, &e.VariantID, &e.QtyDelta, &kindStr,
		&e.Reason, &e.CorrelationID, &e.RefType, &e.RefID, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Kind = stock.Kind(kindStr)

	parsedID, parseErr := id.ParseStockEntryID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conveyor/postgres: parse entry id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	return &e, nil
}

// scanSnapshot scans a single snapshot row.
func scanSnapshot(row pgx.Row) (*stock.Snapshot, error) {
	var snap stock.Snapshot
	err := row.Scan(
		&snap.TenantID, &snap.WarehouseID, &snap.VariantID,
		&snap.OnHand, &snap.Reserved, &snap.Available, &snap.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
