package escrow

import (
	"context"
	"time"
)

// Store is the persistence port for the ledger. Two implementations exist:
// PGStore over the shared pgx pool and MemStore for tests and local runs.
// The ledger is the only component that mutates transaction state; other
// subsystems read through their own stores.
type Store interface {
	CreateTransaction(ctx context.Context, tx *Transaction, plan []Milestone) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetMilestones(ctx context.Context, txID string) ([]Milestone, error)

	// UpdateTransactionCAS writes the transaction's mutable fields
	// conditionally on the stored version still being expectedVersion, and
	// bumps the version to expectedVersion+1. Returns ErrVersionConflict if
	// another writer got there first.
	UpdateTransactionCAS(ctx context.Context, tx *Transaction, expectedVersion int64) error

	// MarkMilestoneReleased flips a milestone pending -> released.
	// Returns false when it was already released, so duplicate release
	// attempts no-op instead of moving funds twice.
	MarkMilestoneReleased(ctx context.Context, txID string, phase int, at time.Time) (bool, error)

	CreateDispute(ctx context.Context, d *DisputeCase) error
	GetDispute(ctx context.Context, id string) (*DisputeCase, error)
	HasOpenDispute(ctx context.Context, txID string) (bool, error)
	ResolveDispute(ctx context.Context, id, resolution string, at time.Time) (*DisputeCase, error)
}
