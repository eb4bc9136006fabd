package alerts

import (
	"log"
	"time"
)

// Dispatcher adapts the task queue to the notifier ports the escrow,
// checkin and safety services expect. All notices are best-effort except
// that callers on the SOS path check their own persistence first; a failed
// enqueue is logged, never fatal, because the alert row is already stored.
type Dispatcher struct{}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

func (Dispatcher) CheckInCode(txID, providerID, code string, expiresAt time.Time) {
	if err := EnqueueCheckInCode(txID, providerID, code, expiresAt); err != nil {
		log.Printf("[notify][ERROR] enqueue check-in code for %s: %v", txID, err)
	}
}

func (Dispatcher) MilestoneReleased(txID, payeeID string, phase int, amount int64) {
	// Per-milestone notices would be noisy; the transaction-level notice
	// covers the payout.
}

func (Dispatcher) AwaitingConfirmation(txID, payerID string, deadline time.Time) {
	if err := EnqueueAwaitingConfirmation(txID, payerID, deadline); err != nil {
		log.Printf("[notify][ERROR] enqueue awaiting-confirmation for %s: %v", txID, err)
	}
}

func (Dispatcher) TransactionReleased(txID, payeeID string, amount int64) {
	if err := EnqueueReleased(txID, payeeID, amount); err != nil {
		log.Printf("[notify][ERROR] enqueue released for %s: %v", txID, err)
	}
}

func (Dispatcher) TransactionRefunded(txID, payerID string, amount int64) {
	if err := EnqueueRefunded(txID, payerID, amount); err != nil {
		log.Printf("[notify][ERROR] enqueue refunded for %s: %v", txID, err)
	}
}

func (Dispatcher) DisputeOpened(txID, disputeID, reason string) {
	if err := EnqueueDisputeOpened(txID, disputeID, reason); err != nil {
		log.Printf("[notify][ERROR] enqueue dispute opened for %s: %v", txID, err)
	}
}

func (Dispatcher) DisputeResolved(txID, disputeID, resolution string) {
	if err := EnqueueDisputeResolved(txID, disputeID, resolution); err != nil {
		log.Printf("[notify][ERROR] enqueue dispute resolved for %s: %v", txID, err)
	}
}

func (Dispatcher) SOSTriggered(alertID, txID, triggeredBy, reason string) {
	if err := EnqueueSOSAlert(alertID, txID, triggeredBy, reason); err != nil {
		log.Printf("[notify][ERROR] enqueue sos alert %s: %v", alertID, err)
	}
}
