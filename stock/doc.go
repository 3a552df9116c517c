// Package stock implements the inventory stock ledger: an append-only log
// of signed quantity deltas per (tenant, warehouse, variant) and a
// materialized snapshot (on hand, reserved, available) kept consistent with
// the ledger.
//
// The ledger is the source of truth; the snapshot is a cache of its running
// sum. Every movement appends exactly one ledger row and applies exactly one
// snapshot delta, inside a single store transaction, so a crash can never
// leave the two out of step. Snapshot updates serialize per key only;
// unrelated keys never contend.
package stock
