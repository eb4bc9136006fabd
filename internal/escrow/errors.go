package escrow

import "errors"

var (
	// ErrNotFound means the transaction (or dispute) does not exist.
	ErrNotFound = errors.New("transaction not found")

	// ErrInvalidTransition means the requested transition is not allowed
	// from the transaction's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrVersionConflict signals an optimistic-lock miss. Retried
	// internally, never surfaced to callers.
	ErrVersionConflict = errors.New("version conflict")

	// ErrFrozen means the transaction is frozen and release actions are
	// suspended pending operator review.
	ErrFrozen = errors.New("transaction frozen")

	// ErrDisputeWindowClosed means the 48-hour contest window has passed.
	ErrDisputeWindowClosed = errors.New("dispute window closed")

	// ErrReleaseFailed means the payment gateway rejected or failed a fund
	// movement; the ledger transition was rolled back and a retry is safe.
	ErrReleaseFailed = errors.New("fund release failed")
)
