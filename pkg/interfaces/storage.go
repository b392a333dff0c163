package interfaces

import (
	"context"
)

// StoragePort is the persistent-storage interface the services depend on.
// The implementation may use any database (PostgreSQL, MySQL, ...).
type StoragePort interface {
	// BeginTx starts a transaction and returns a context carrying it.
	BeginTx(ctx context.Context) (context.Context, error)

	// CommitTx commits the transaction carried by the context.
	CommitTx(ctx context.Context) error

	// RollbackTx rolls back the transaction carried by the context.
	RollbackTx(ctx context.Context) error

	// Close closes the connection to the storage.
	Close() error
}
