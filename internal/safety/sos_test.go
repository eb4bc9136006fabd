package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sudo-init-do/prosafe/internal/escrow"
	"github.com/sudo-init-do/prosafe/internal/gateway"
)

type stubWindows struct{}

func (stubWindows) Arm(context.Context, string, int64, time.Time) error { return nil }
func (stubWindows) Cancel(context.Context, string) error                { return nil }

func newFixture(t *testing.T) (*Service, *MemStore, *escrow.Service, *escrow.Transaction) {
	t.Helper()
	txStore := escrow.NewMemStore()
	ledger := escrow.NewService(txStore, gateway.NewFake(), stubWindows{}, escrow.NopNotifier{})
	store := NewMemStore()
	svc := NewService(store, ledger, NopNotifier{})

	tx, _, err := ledger.Open(context.Background(), escrow.OpenParams{
		BookingRef: "bk-400",
		PayerID:    "client-1",
		PayeeID:    "provider-1",
		Amount:     10000,
		Currency:   "NGN",
		Tier:       1,
		TargetLat:  6.5244,
		TargetLng:  3.3792,
	}, time.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return svc, store, ledger, tx
}

func TestTriggerRecordsAlertAndFreezes(t *testing.T) {
	svc, _, ledger, tx := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	a, err := svc.Trigger(ctx, tx.ID, "provider", "client aggressive", 6.52, 3.37, now)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if a.Status != StatusActive {
		t.Fatalf("status = %s, want active", a.Status)
	}

	cur, err := ledger.Store().GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !cur.Frozen {
		t.Fatal("transaction not frozen after sos")
	}

	// Money must not move while the freeze holds.
	if _, _, err := ledger.Confirm(ctx, tx.ID, now); !errors.Is(err, escrow.ErrFrozen) {
		t.Fatalf("confirm err = %v, want ErrFrozen", err)
	}
}

func TestTriggerStoreFailureIsLoud(t *testing.T) {
	svc, store, ledger, tx := newFixture(t)
	ctx := context.Background()

	store.FailNext()
	if _, err := svc.Trigger(ctx, tx.ID, "client", "injury", 0, 0, time.Now()); err == nil {
		t.Fatal("trigger succeeded despite store failure")
	}

	// A failed alert must not leave the transaction frozen.
	cur, _ := ledger.Store().GetTransaction(ctx, tx.ID)
	if cur.Frozen {
		t.Fatal("transaction frozen without a recorded alert")
	}
}

func TestTriggerRejectsOutsiders(t *testing.T) {
	svc, _, _, tx := newFixture(t)

	if _, err := svc.Trigger(context.Background(), tx.ID, "operator", "test", 0, 0, time.Now()); err == nil {
		t.Fatal("non-participant trigger accepted")
	}
}

func TestTriggerRejectsTerminalTransaction(t *testing.T) {
	svc, _, ledger, tx := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	if _, err := ledger.Refund(ctx, tx.ID, now); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := svc.Trigger(ctx, tx.ID, "client", "late sos", 0, 0, now); !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("trigger err = %v, want ErrInvalidTransition", err)
	}
}

func TestResolveDoesNotUnfreeze(t *testing.T) {
	svc, _, ledger, tx := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	a, err := svc.Trigger(ctx, tx.ID, "client", "felt unsafe", 0, 0, now)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if _, err := svc.Acknowledge(ctx, a.ID, now.Add(time.Minute)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	res, err := svc.Resolve(ctx, a.ID, "false alarm", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Status != StatusResolved || res.Resolution != "false alarm" {
		t.Fatalf("resolved alert = %+v", res)
	}

	// Unfreezing is a separate operator decision.
	cur, _ := ledger.Store().GetTransaction(ctx, tx.ID)
	if !cur.Frozen {
		t.Fatal("transaction unfroze on sos resolution")
	}
}

func TestOpenBoardDropsResolved(t *testing.T) {
	svc, _, _, tx := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	a, err := svc.Trigger(ctx, tx.ID, "client", "first", 0, 0, now)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	b, err := svc.Trigger(ctx, tx.ID, "provider", "second", 0, 0, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	if _, err := svc.Resolve(ctx, a.ID, "handled", now.Add(time.Hour)); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	open, err := svc.Open(ctx)
	if err != nil {
		t.Fatalf("open board: %v", err)
	}
	if len(open) != 1 || open[0].ID != b.ID {
		t.Fatalf("open board = %+v, want only the second alert", open)
	}
}

func TestAcknowledgeUnknownAlert(t *testing.T) {
	svc, _, _, _ := newFixture(t)

	if _, err := svc.Acknowledge(context.Background(), "nope", time.Now()); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("ack err = %v, want ErrAlertNotFound", err)
	}
}
