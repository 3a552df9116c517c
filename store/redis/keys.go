package redis

// Redis key naming conventions for conveyor data.
// All keys are prefixed with "conveyor:" to avoid collisions.

const keyPrefix = "conveyor:"

// ── Job keys ──

// jobKey returns the key for a job entity: conveyor:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// readyKey is the Sorted Set of pending job IDs, scored by priority and
// run_at so the lowest score is the next claim candidate.
const readyKey = keyPrefix + "ready"

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// tenantJobsKey returns the Set tracking a tenant's job IDs.
func tenantJobsKey(tenantID string) string { return keyPrefix + "tenant_jobs:" + tenantID }

// dedupeKey returns the Hash mapping a tenant's dedupe keys to the job ID
// currently holding each key.
func dedupeKey(tenantID string) string { return keyPrefix + "dedupe:" + tenantID }

// ── Stock keys ──

// snapshotKey returns the Hash key for one (tenant, warehouse, variant)
// snapshot.
func snapshotKey(tenantID, warehouseID, variantID string) string {
	return keyPrefix + "stock:snap:" + tenantID + ":" + warehouseID + ":" + variantID
}

// entryKey returns the Hash key for a ledger entry: conveyor:stock:entry:{id}
func entryKey(id string) string { return keyPrefix + "stock:entry:" + id }

// ledgerKey returns the List of a tenant's entry IDs, newest first.
func ledgerKey(tenantID string) string { return keyPrefix + "stock:ledger:" + tenantID }

// refsKey returns the Set of idempotency references a tenant has recorded.
func refsKey(tenantID string) string { return keyPrefix + "stock:refs:" + tenantID }
