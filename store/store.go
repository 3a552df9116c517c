// Package store defines the aggregate persistence interface. Each subsystem
// (job, stock) defines its own store interface; the composite Store composes
// them all. Backends: Memory, Postgres, and Redis.
package store

import (
	"context"

	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/stock"
)

// Store is the aggregate persistence interface. A single backend implements
// every subsystem store so that operations which must share a transaction
// boundary (ledger append + snapshot apply) can.
type Store interface {
	job.Store
	stock.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
