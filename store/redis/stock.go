package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/conveyorhq/conveyor"
	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/stock"
)

// recordMovementScript appends a ledger entry and applies its snapshot
// deltas in one atomic script: the replay check, the entry write, and the
// counter increments all happen in a single Redis execution, which gives
// the same all-or-nothing visibility as a SQL transaction.
//
// KEYS: refs set, entry hash, ledger list, snapshot hash
// ARGV: ref member (empty disables the check), entry id, qty deltas, entry
// fields, timestamp.
var recordMovementScript = goredis.NewScript(`
if ARGV[1] ~= '' then
	if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then
		return redis.error_reply('DUPLICATE_MOVEMENT')
	end
	redis.call('SADD', KEYS[1], ARGV[1])
end
for i = 6, #ARGV - 1, 2 do
	redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
end
redis.call('LPUSH', KEYS[3], ARGV[2])
local on_hand = redis.call('HINCRBY', KEYS[4], 'on_hand', tonumber(ARGV[3]))
local reserved = redis.call('HINCRBY', KEYS[4], 'reserved', tonumber(ARGV[4]))
redis.call('HSET', KEYS[4], 'available', on_hand - reserved, 'updated_at', ARGV[5])
return {on_hand, reserved, on_hand - reserved}
`)

// applyDeltaScript atomically adds the deltas to a snapshot hash and
// recomputes available.
var applyDeltaScript = goredis.NewScript(`
local on_hand = redis.call('HINCRBY', KEYS[1], 'on_hand', tonumber(ARGV[1]))
local reserved = redis.call('HINCRBY', KEYS[1], 'reserved', tonumber(ARGV[2]))
redis.call('HSET', KEYS[1], 'available', on_hand - reserved, 'updated_at', ARGV[3])
return {on_hand, reserved, on_hand - reserved}
`)

// RecordMovement appends the ledger entry and applies the snapshot deltas
// atomically via a Lua script.
func (s *Store) RecordMovement(ctx context.Context, e *stock.LedgerEntry, deltaOnHand, deltaReserved int64) (*stock.LedgerEntry, *stock.Snapshot, error) {
	ref := ""
	if e.RefType != "" && e.RefID != "" {
		ref = string(e.Kind) + "\x00" + e.RefType + "\x00" + e.RefID
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	args := []any{
		ref, e.ID.String(), deltaOnHand, deltaReserved, now,
	}
	for field, value := range entryToMap(e) {
		args = append(args, field, value)
	}

	res, err := recordMovementScript.Run(ctx, s.client,
		[]string{
			refsKey(e.TenantID),
			entryKey(e.ID.String()),
			ledgerKey(e.TenantID),
			snapshotKey(e.TenantID, e.WarehouseID, e.VariantID),
		},
		args...,
	).Int64Slice()
	if err != nil {
		if isDuplicateMovement(err) {
			return nil, nil, conveyor.ErrDuplicateMovement
		}
		return nil, nil, fmt.Errorf("conveyor/redis: record movement: %w", err)
	}

	cp := *e
	return &cp, snapshotFromCounters(e.TenantID, e.WarehouseID, e.VariantID, res), nil
}

// ApplyDelta atomically adds the deltas to the key's snapshot, treating a
// missing hash as all-zero.
func (s *Store) ApplyDelta(ctx context.Context, tenantID, warehouseID, variantID string, deltaOnHand, deltaReserved int64) (*stock.Snapshot, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := applyDeltaScript.Run(ctx, s.client,
		[]string{snapshotKey(tenantID, warehouseID, variantID)},
		deltaOnHand, deltaReserved, now,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: apply delta: %w", err)
	}

	return snapshotFromCounters(tenantID, warehouseID, variantID, res), nil
}

// GetSnapshot returns the snapshot for the key; a key with no recorded
// movements reads as all zeros.
func (s *Store) GetSnapshot(ctx context.Context, tenantID, warehouseID, variantID string) (*stock.Snapshot, error) {
	vals, err := s.client.HGetAll(ctx, snapshotKey(tenantID, warehouseID, variantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: get snapshot: %w", err)
	}

	snap := &stock.Snapshot{
		TenantID:    tenantID,
		WarehouseID: warehouseID,
		VariantID:   variantID,
	}
	if len(vals) == 0 {
		return snap, nil
	}

	snap.OnHand, _ = strconv.ParseInt(vals["on_hand"], 10, 64)     //nolint:errcheck // best-effort parse from trusted Redis data
	snap.Reserved, _ = strconv.ParseInt(vals["reserved"], 10, 64)  //nolint:errcheck // best-effort parse from trusted Redis data
	snap.Available, _ = strconv.ParseInt(vals["available"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, vals["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	return snap, nil
}

// ListEntries returns a tenant's ledger entries matching the given options,
// newest first.
func (s *Store) ListEntries(ctx context.Context, tenantID string, opts stock.ListOpts) ([]*stock.LedgerEntry, error) {
	// The ledger list is LPUSHed, so index order is already newest first.
	ids, err := s.client.LRange(ctx, ledgerKey(tenantID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: list entries lrange: %w", err)
	}

	entries := make([]*stock.LedgerEntry, 0, len(ids))
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, entryKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue // skip missing
		}
		e, mapErr := mapToEntry(vals)
		if mapErr != nil {
			continue
		}
		if opts.WarehouseID != "" && e.WarehouseID != opts.WarehouseID {
			continue
		}
		if opts.VariantID != "" && e.VariantID != opts.VariantID {
			continue
		}
		if opts.Kind != "" && e.Kind != opts.Kind {
			continue
		}
		entries = append(entries, e)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// ── helpers ──

// isDuplicateMovement checks for the sentinel error the record script
// raises on a replayed reference.
func isDuplicateMovement(err error) bool {
	return err != nil && strings.Contains(err.Error(), "DUPLICATE_MOVEMENT")
}

func snapshotFromCounters(tenantID, warehouseID, variantID string, counters []int64) *stock.Snapshot {
	snap := &stock.Snapshot{
		TenantID:    tenantID,
		WarehouseID: warehouseID,
		VariantID:   variantID,
		UpdatedAt:   time.Now().UTC(),
	}
	if len(counters) == 3 {
		snap.OnHand = counters[0]
		snap.Reserved = counters[1]
		snap.Available = counters[2]
	}
	return snap
}

func entryToMap(e *stock.LedgerEntry) map[string]any {
	return map[string]any{
		"id":             e.ID.String(),
		"tenant_id":      e.TenantID,
		"warehouse_id":   e.WarehouseID,
		"variant_id":     e.VariantID,
		"qty_delta":      strconv.FormatInt(e.QtyDelta, 10),
		"kind":           string(e.Kind),
		"reason":         e.Reason,
		"correlation_id": e.CorrelationID,
		"ref_type":       e.RefType,
		"ref_id":         e.RefID,
		"created_at":     e.CreatedAt.Format(time.RFC3339Nano),
	}
}

func mapToEntry(m map[string]string) (*stock.LedgerEntry, error) {
	eID, err := id.ParseStockEntryID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conveyor/redis: parse entry id: %w", err)
	}

	qtyDelta, _ := strconv.ParseInt(m["qty_delta"], 10, 64)          //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &stock.LedgerEntry{
		ID:            eID,
		TenantID:      m["tenant_id"],
		WarehouseID:   m["warehouse_id"],
		VariantID:     m["variant_id"],
		QtyDelta:      qtyDelta,
		Kind:          stock.Kind(m["kind"]),
		Reason:        m["reason"],
		CorrelationID: m["correlation_id"],
		RefType:       m["ref_type"],
		RefID:         m["ref_id"],
		CreatedAt:     createdAt,
	}, nil
}
