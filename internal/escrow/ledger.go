package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sudo-init-do/prosafe/internal/gateway"
	"github.com/sudo-init-do/prosafe/internal/milestone"
)

// WindowScheduler is the dispute-window port: arms and cancels the durable
// auto-release job. Implemented by the dispute package.
type WindowScheduler interface {
	Arm(ctx context.Context, txID string, txVersion int64, runAt time.Time) error
	Cancel(ctx context.Context, txID string) error
}

// Notifier delivers ledger events to participants. Best-effort; delivery
// failures never block a transition.
type Notifier interface {
	MilestoneReleased(txID, payeeID string, phase int, amount int64)
	AwaitingConfirmation(txID, payerID string, deadline time.Time)
	TransactionReleased(txID, payeeID string, amount int64)
	TransactionRefunded(txID, payerID string, amount int64)
	DisputeOpened(txID, disputeID, reason string)
	DisputeResolved(txID, disputeID, resolution string)
}

// NopNotifier drops all events. Used in tests.
type NopNotifier struct{}

func (NopNotifier) MilestoneReleased(string, string, int, int64)       {}
func (NopNotifier) AwaitingConfirmation(string, string, time.Time)    {}
func (NopNotifier) TransactionReleased(string, string, int64)         {}
func (NopNotifier) TransactionRefunded(string, string, int64)         {}
func (NopNotifier) DisputeOpened(string, string, string)              {}
func (NopNotifier) DisputeResolved(string, string, string)            {}

const (
	casRetries = 3
	casBackoff = 25 * time.Millisecond
)

// Service is the EscrowLedger: the single owner of transaction state.
// Every mutation goes through an optimistic-concurrency write (read
// version, compute, conditional write, bounded retry on conflict).
type Service struct {
	store   Store
	gw      gateway.Gateway
	windows WindowScheduler
	notify  Notifier
}

func NewService(store Store, gw gateway.Gateway, windows WindowScheduler, notify Notifier) *Service {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Service{store: store, gw: gw, windows: windows, notify: notify}
}

// Svc is the process-wide ledger instance, set once at startup.
var Svc *Service

// Init wires the package-level service used by the HTTP handlers.
func Init(store Store, gw gateway.Gateway, windows WindowScheduler, notify Notifier) {
	Svc = NewService(store, gw, windows, notify)
}

// Store exposes the ledger's store to sibling subsystems that need reads
// (the dispute poller re-checks transaction state before acting).
func (s *Service) Store() Store { return s.store }

// SetWindows installs the dispute-window scheduler. The scheduler needs
// the ledger to run due jobs, so startup builds the ledger first and
// binds the scheduler here before serving traffic.
func (s *Service) SetWindows(w WindowScheduler) { s.windows = w }

// OpenParams is the booking collaborator's request to open a transaction.
type OpenParams struct {
	BookingRef string
	PayerID    string
	PayeeID    string
	Amount     int64
	Currency   string
	Tier       int
	TargetLat  float64
	TargetLng  float64
}

// Open creates a transaction in held state with its milestone plan.
func (s *Service) Open(ctx context.Context, p OpenParams, now time.Time) (*Transaction, []Milestone, error) {
	if p.BookingRef == "" || p.PayerID == "" || p.PayeeID == "" || p.Currency == "" {
		return nil, nil, fmt.Errorf("booking_ref, payer, payee and currency are required")
	}

	plan, err := milestone.Plan(p.Amount, p.Tier)
	if err != nil {
		return nil, nil, err
	}

	t := &Transaction{
		ID:         uuid.New().String(),
		BookingRef: p.BookingRef,
		PayerID:    p.PayerID,
		PayeeID:    p.PayeeID,
		Amount:     p.Amount,
		Currency:   p.Currency,
		Tier:       p.Tier,
		State:      StateHeld,
		Version:    1,
		TargetLat:  p.TargetLat,
		TargetLng:  p.TargetLng,
		CreatedAt:  now,
	}

	ms := make([]Milestone, len(plan))
	for i, pm := range plan {
		ms[i] = Milestone{
			TransactionID: t.ID,
			Phase:         pm.Phase,
			Label:         pm.Label,
			Percent:       pm.Percent,
			Amount:        pm.Amount,
			State:         MilestonePending,
		}
	}

	if err := s.store.CreateTransaction(ctx, t, ms); err != nil {
		return nil, nil, err
	}
	return t, ms, nil
}

// Get returns a transaction with its milestones.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, []Milestone, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ms, err := s.store.GetMilestones(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return t, ms, nil
}

// RegisterCheckIn moves held -> checked_in after the OTP + GPS handshake
// has passed, and releases the commitment milestone. Callers (the checkin
// package) are responsible for having verified both factors first.
func (s *Service) RegisterCheckIn(ctx context.Context, txID string, now time.Time) (*Transaction, error) {
	var out *Transaction
	err := s.withRetry(ctx, func() error {
		t, err := s.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if t.Frozen {
			return ErrFrozen
		}
		if t.State != StateHeld {
			return fmt.Errorf("%w: %s -> checked_in", ErrInvalidTransition, t.State)
		}

		prev := t.Version
		t.State = StateCheckedIn
		checkedIn := now
		t.CheckedInAt = &checkedIn
		if err := s.store.UpdateTransactionCAS(ctx, t, prev); err != nil {
			return err
		}

		if err := s.releasePending(ctx, t, now, 1); err != nil {
			s.revert(ctx, t, StateHeld, func(r *Transaction) { r.CheckedInAt = nil })
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// MarkComplete moves checked_in -> awaiting_confirmation and arms the
// 48-hour auto-release window.
func (s *Service) MarkComplete(ctx context.Context, txID string, now time.Time) (*Transaction, error) {
	var out *Transaction
	err := s.withRetry(ctx, func() error {
		t, err := s.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if t.Frozen {
			return ErrFrozen
		}
		if t.State != StateCheckedIn {
			return fmt.Errorf("%w: %s -> awaiting_confirmation", ErrInvalidTransition, t.State)
		}

		prev := t.Version
		deadline := now.Add(DisputeWindow)
		t.State = StateAwaiting
		t.DisputeDeadline = &deadline
		if err := s.store.UpdateTransactionCAS(ctx, t, prev); err != nil {
			return err
		}

		if err := s.windows.Arm(ctx, t.ID, t.Version, deadline); err != nil {
			s.revert(ctx, t, StateCheckedIn, func(r *Transaction) { r.DisputeDeadline = nil })
			return fmt.Errorf("arming dispute window: %w", err)
		}

		s.notify.AwaitingConfirmation(t.ID, t.PayerID, deadline)
		out = t
		return nil
	})
	return out, err
}

// Confirm is the client's explicit release: awaiting_confirmation ->
// released, paying out every remaining milestone in phase order. Returns
// the amount released by this call.
func (s *Service) Confirm(ctx context.Context, txID string, now time.Time) (*Transaction, int64, error) {
	return s.release(ctx, txID, now, true)
}

// AutoRelease is the dispute-window timer's release. The poller has
// already checked state, frozen flag and open disputes; the ledger checks
// again because those facts may have changed since.
func (s *Service) AutoRelease(ctx context.Context, txID string, now time.Time) (*Transaction, int64, error) {
	return s.release(ctx, txID, now, false)
}

func (s *Service) release(ctx context.Context, txID string, now time.Time, confirmed bool) (*Transaction, int64, error) {
	var out *Transaction
	var released int64
	err := s.withRetry(ctx, func() error {
		t, err := s.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if t.Frozen {
			return ErrFrozen
		}
		if t.State != StateAwaiting {
			return fmt.Errorf("%w: %s -> released", ErrInvalidTransition, t.State)
		}
		if open, err := s.store.HasOpenDispute(ctx, t.ID); err != nil {
			return err
		} else if open {
			return fmt.Errorf("%w: open dispute", ErrInvalidTransition)
		}

		prev := t.Version
		rel := now
		t.State = StateReleased
		t.ReleasedAt = &rel
		if confirmed {
			t.ConfirmedAt = &rel
		}
		if err := s.store.UpdateTransactionCAS(ctx, t, prev); err != nil {
			return err
		}

		n, err := s.releaseAllPending(ctx, t, now)
		released = n
		if err != nil {
			s.revert(ctx, t, StateAwaiting, func(r *Transaction) {
				r.ReleasedAt = nil
				if confirmed {
					r.ConfirmedAt = nil
				}
			})
			return err
		}

		if err := s.windows.Cancel(ctx, t.ID); err != nil {
			log.Printf("[escrow] cancel window for %s: %v", t.ID, err)
		}
		s.notify.TransactionReleased(t.ID, t.PayeeID, released)
		out = t
		return nil
	})
	return out, released, err
}

// OpenDispute moves awaiting_confirmation -> disputed before the deadline,
// cancels the armed auto-release and opens a case. Remaining funds stay held.
func (s *Service) OpenDispute(ctx context.Context, txID, reason string, now time.Time) (*DisputeCase, error) {
	var out *DisputeCase
	err := s.withRetry(ctx, func() error {
		t, err := s.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if t.State != StateAwaiting {
			return fmt.Errorf("%w: %s -> disputed", ErrInvalidTransition, t.State)
		}
		if t.DisputeDeadline != nil && now.After(*t.DisputeDeadline) {
			return ErrDisputeWindowClosed
		}

		prev := t.Version
		t.State = StateDisputed
		if err := s.store.UpdateTransactionCAS(ctx, t, prev); err != nil {
			return err
		}

		d := &DisputeCase{
			ID:            uuid.New().String(),
			TransactionID: t.ID,
			Reason:        reason,
			Status:        "open",
			OpenedAt:      now,
		}
		if err := s.store.CreateDispute(ctx, d); err != nil {
			s.revert(ctx, t, StateAwaiting, nil)
			return err
		}

		if err := s.windows.Cancel(ctx, t.ID); err != nil {
			log.Printf("[escrow] cancel window for %s: %v", t.ID, err)
		}
		s.notify.DisputeOpened(t.ID, d.ID, reason)
		out = d
		return nil
	})
	return out, err
}

// ResolveDispute is operator-only: disputed -> released (pay the provider)
// or disputed -> refunded (return held funds to the client).
func (s *Service) ResolveDispute(ctx context.Context, disputeID, resolution string, now time.Time) (*Transaction, error) {
	if resolution != "refund" && resolution != "release" {
		return nil, fmt.Errorf("invalid resolution %q", resolution)
	}

	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	var out *Transaction
	err = s.withRetry(ctx, func() error {
		t, err := s.store.GetTransaction(ctx, d.TransactionID)
		if err != nil {
			return err
		}
		if t.State != StateDisputed {
			return fmt.Errorf("%w: %s is not disputed", ErrInvalidTransition, t.State)
		}

		prev := t.Version
		if resolution == "release" {
			rel := now
			t.State = StateReleased
			t.ReleasedAt = &rel
			if err := s.store.UpdateTransactionCAS(ctx, t, prev); err != nil {
				return err
			}
			if _, err := s.releaseAllPending(ctx, t, now); err != nil {
				s.revert(ctx, t, StateDisputed, func(r *Transaction) { r.ReleasedAt = nil })
				return err
			}
		} else {
			t.State = StateRefunded
			if err := s.store.UpdateTransactionCAS(ctx, t, prev); err != nil {
				return err
			}
			if err := s.refundPending(ctx, t, now); err != nil {
				s.revert(ctx, t, StateDisputed, nil)
				return err
			}
		}

		if _, err := s.store.ResolveDispute(ctx, d.ID, resolution, now); err != nil {
			log.Printf("[escrow] marking dispute %s resolved: %v", d.ID, err)
		}
		s.notify.DisputeResolved(t.ID, d.ID, resolution)
		out = t
		return nil
	})
	return out, err
}

// Refund is the operator path out of held: the booking fell through before
// check-in, so everything still held goes back to the payer.
func (s *Service) Refund(ctx context.Context, txID string, now time.Time) (*Transaction, error) {
	var out *Transaction
	err := s.withRetry(ctx, func() error {
		t, err := s.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if t.State != StateHeld {
			return fmt.Errorf("%w: %s -> refunded", ErrInvalidTransition, t.State)
		}

		prev := t.Version
		t.State = StateRefunded
		if err := s.store.UpdateTransactionCAS(ctx, t, prev); err != nil {
			return err
		}
		if err := s.refundPending(ctx, t, now); err != nil {
			s.revert(ctx, t, StateHeld, nil)
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// Freeze suspends all automatic transitions. Operator or SOS path.
func (s *Service) Freeze(ctx context.Context, txID string) (*Transaction, error) {
	var out *Transaction
	err := s.withRetry(ctx, func() error {
		t, err := s.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if t.Terminal() {
			return fmt.Errorf("%w: cannot freeze %s transaction", ErrInvalidTransition, t.State)
		}
		if t.Frozen {
			out = t
			return nil
		}

		prev := t.Version
		t.Frozen = true
		if err := s.store.UpdateTransactionCAS(ctx, t, prev); err != nil {
			return err
		}
		if err := s.windows.Cancel(ctx, t.ID); err != nil {
			log.Printf("[escrow] cancel window for %s: %v", t.ID, err)
		}
		out = t
		return nil
	})
	return out, err
}

// Unfreeze lifts the overlay. If the transaction is still awaiting
// confirmation and its persisted deadline has not passed, the auto-release
// window is re-armed; an elapsed deadline stays manual so nothing releases
// silently right after an incident.
func (s *Service) Unfreeze(ctx context.Context, txID string, now time.Time) (*Transaction, error) {
	var out *Transaction
	err := s.withRetry(ctx, func() error {
		t, err := s.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		if !t.Frozen {
			out = t
			return nil
		}

		prev := t.Version
		t.Frozen = false
		if err := s.store.UpdateTransactionCAS(ctx, t, prev); err != nil {
			return err
		}
		if t.State == StateAwaiting && t.DisputeDeadline != nil && t.DisputeDeadline.After(now) {
			if err := s.windows.Arm(ctx, t.ID, t.Version, *t.DisputeDeadline); err != nil {
				log.Printf("[escrow] re-arming window for %s: %v", t.ID, err)
			}
		}
		out = t
		return nil
	})
	return out, err
}

// releasePending pays out the listed phases if still pending.
func (s *Service) releasePending(ctx context.Context, t *Transaction, now time.Time, phases ...int) error {
	ms, err := s.store.GetMilestones(ctx, t.ID)
	if err != nil {
		return err
	}
	want := make(map[int]bool, len(phases))
	for _, p := range phases {
		want[p] = true
	}
	for _, m := range ms {
		if !want[m.Phase] || m.State != MilestonePending {
			continue
		}
		if err := s.gw.Release(ctx, t.ID, m.Phase, t.PayeeID, m.Amount, t.Currency); err != nil {
			return fmt.Errorf("%w: phase %d: %v", ErrReleaseFailed, m.Phase, err)
		}
		if _, err := s.store.MarkMilestoneReleased(ctx, t.ID, m.Phase, now); err != nil {
			return err
		}
		s.notify.MilestoneReleased(t.ID, t.PayeeID, m.Phase, m.Amount)
	}
	return nil
}

// releaseAllPending pays out every pending milestone in phase order and
// returns the total moved. Already-released phases no-op, which is what
// makes duplicate timer fires and retries safe.
func (s *Service) releaseAllPending(ctx context.Context, t *Transaction, now time.Time) (int64, error) {
	ms, err := s.store.GetMilestones(ctx, t.ID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, m := range ms {
		if m.State != MilestonePending {
			continue
		}
		if err := s.gw.Release(ctx, t.ID, m.Phase, t.PayeeID, m.Amount, t.Currency); err != nil {
			return total, fmt.Errorf("%w: phase %d: %v", ErrReleaseFailed, m.Phase, err)
		}
		if _, err := s.store.MarkMilestoneReleased(ctx, t.ID, m.Phase, now); err != nil {
			return total, err
		}
		total += m.Amount
		s.notify.MilestoneReleased(t.ID, t.PayeeID, m.Phase, m.Amount)
	}
	return total, nil
}

// refundPending returns the sum of still-pending milestones to the payer.
func (s *Service) refundPending(ctx context.Context, t *Transaction, now time.Time) error {
	ms, err := s.store.GetMilestones(ctx, t.ID)
	if err != nil {
		return err
	}
	var remaining int64
	for _, m := range ms {
		if m.State == MilestonePending {
			remaining += m.Amount
		}
	}
	if remaining == 0 {
		return nil
	}
	if err := s.gw.Refund(ctx, t.ID, t.PayerID, remaining, t.Currency); err != nil {
		return fmt.Errorf("%w: refund: %v", ErrReleaseFailed, err)
	}
	s.notify.TransactionRefunded(t.ID, t.PayerID, remaining)
	return nil
}

// revert undoes a claimed transition after a failed side effect. The
// version has already moved, so this is a fresh CAS from the current one.
func (s *Service) revert(ctx context.Context, t *Transaction, state string, fix func(*Transaction)) {
	t.State = state
	if fix != nil {
		fix(t)
	}
	if err := s.store.UpdateTransactionCAS(ctx, t, t.Version); err != nil {
		log.Printf("[escrow] revert of %s to %s failed: %v", t.ID, state, err)
	}
}

// withRetry runs fn, retrying a bounded number of times with backoff when
// the conditional write lost the race. Conflicts are never surfaced.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < casRetries; attempt++ {
		err = fn()
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * casBackoff):
		}
	}
	return err
}
