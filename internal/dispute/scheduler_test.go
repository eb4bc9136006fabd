package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/sudo-init-do/prosafe/internal/escrow"
	"github.com/sudo-init-do/prosafe/internal/gateway"
)

func newFixture(t *testing.T) (*Scheduler, *escrow.Service, *MemJobStore, *gateway.Fake) {
	t.Helper()
	store := escrow.NewMemStore()
	gw := gateway.NewFake()
	jobs := NewMemJobStore()
	ledger := escrow.NewService(store, gw, nil, escrow.NopNotifier{})
	sched := NewScheduler(jobs, ledger)
	ledger.SetWindows(sched)
	return sched, ledger, jobs, gw
}

// awaitingTx drives a transaction to awaiting_confirmation so its
// auto-release job is armed.
func awaitingTx(t *testing.T, ledger *escrow.Service, now time.Time) *escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, _, err := ledger.Open(ctx, escrow.OpenParams{
		BookingRef: "bk-300",
		PayerID:    "client-1",
		PayeeID:    "provider-1",
		Amount:     10000,
		Currency:   "NGN",
		Tier:       2,
		TargetLat:  6.5244,
		TargetLng:  3.3792,
	}, now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := ledger.RegisterCheckIn(ctx, tx.ID, now); err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if _, err := ledger.MarkComplete(ctx, tx.ID, now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	return tx
}

func TestDueJobAutoReleases(t *testing.T) {
	sched, ledger, jobs, gw := newFixture(t)
	now := time.Now()
	tx := awaitingTx(t, ledger, now)
	ctx := context.Background()

	if jobs.Pending(tx.ID) != 1 {
		t.Fatalf("pending jobs = %d, want 1", jobs.Pending(tx.ID))
	}

	sched.RunDue(ctx, now.Add(escrow.DisputeWindow+time.Minute))

	cur, err := ledger.Store().GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.State != escrow.StateReleased {
		t.Fatalf("state = %s, want released", cur.State)
	}
	if total := gw.Released(tx.ID); total != 10000 {
		t.Fatalf("released = %d, want 10000", total)
	}
	if jobs.Pending(tx.ID) != 0 {
		t.Fatalf("pending jobs after fire = %d, want 0", jobs.Pending(tx.ID))
	}
}

func TestEarlyPollLeavesJobPending(t *testing.T) {
	sched, ledger, jobs, _ := newFixture(t)
	now := time.Now()
	tx := awaitingTx(t, ledger, now)
	ctx := context.Background()

	sched.RunDue(ctx, now.Add(time.Hour))

	cur, _ := ledger.Store().GetTransaction(ctx, tx.ID)
	if cur.State != escrow.StateAwaiting {
		t.Fatalf("state = %s, want awaiting_confirmation", cur.State)
	}
	if jobs.Pending(tx.ID) != 1 {
		t.Fatalf("pending jobs = %d, want 1", jobs.Pending(tx.ID))
	}
}

func TestConfirmCancelsJob(t *testing.T) {
	sched, ledger, jobs, gw := newFixture(t)
	now := time.Now()
	tx := awaitingTx(t, ledger, now)
	ctx := context.Background()

	if _, _, err := ledger.Confirm(ctx, tx.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if jobs.Pending(tx.ID) != 0 {
		t.Fatalf("pending jobs after confirm = %d, want 0", jobs.Pending(tx.ID))
	}

	before := gw.Released(tx.ID)
	sched.RunDue(ctx, now.Add(escrow.DisputeWindow+time.Hour))
	if after := gw.Released(tx.ID); after != before {
		t.Fatalf("poll moved money after confirm: %d -> %d", before, after)
	}
}

func TestDisputeSuppressesTimer(t *testing.T) {
	sched, ledger, jobs, gw := newFixture(t)
	now := time.Now()
	tx := awaitingTx(t, ledger, now)
	ctx := context.Background()

	if _, err := ledger.OpenDispute(ctx, tx.ID, "incomplete", now.Add(time.Hour)); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if jobs.Pending(tx.ID) != 0 {
		t.Fatalf("pending jobs after dispute = %d, want 0", jobs.Pending(tx.ID))
	}

	// Even a job that survived the cancel must be discarded, not fired.
	stale := &Job{
		ID:            "stale-1",
		TransactionID: tx.ID,
		TxVersion:     tx.Version,
		Kind:          "auto_release",
		RunAt:         now.Add(escrow.DisputeWindow),
		Status:        "pending",
	}
	if err := jobs.Insert(ctx, stale); err != nil {
		t.Fatalf("insert stale: %v", err)
	}

	released := gw.Released(tx.ID)
	sched.RunDue(ctx, now.Add(escrow.DisputeWindow+time.Minute))

	cur, _ := ledger.Store().GetTransaction(ctx, tx.ID)
	if cur.State != escrow.StateDisputed {
		t.Fatalf("state = %s, want disputed", cur.State)
	}
	if gw.Released(tx.ID) != released {
		t.Fatal("stale job moved money")
	}
	if jobs.Pending(tx.ID) != 0 {
		t.Fatalf("stale job still pending")
	}
}

func TestFreezeSuppressesTimerUntilUnfreeze(t *testing.T) {
	sched, ledger, jobs, gw := newFixture(t)
	now := time.Now()
	tx := awaitingTx(t, ledger, now)
	ctx := context.Background()

	if _, err := ledger.Freeze(ctx, tx.ID); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if jobs.Pending(tx.ID) != 0 {
		t.Fatalf("pending jobs while frozen = %d, want 0", jobs.Pending(tx.ID))
	}

	sched.RunDue(ctx, now.Add(escrow.DisputeWindow+time.Minute))
	cur, _ := ledger.Store().GetTransaction(ctx, tx.ID)
	if cur.State != escrow.StateAwaiting {
		t.Fatalf("state = %s, want awaiting_confirmation", cur.State)
	}

	// Unfreezing before the deadline re-arms the original window.
	if _, err := ledger.Unfreeze(ctx, tx.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if jobs.Pending(tx.ID) != 1 {
		t.Fatalf("pending jobs after unfreeze = %d, want 1", jobs.Pending(tx.ID))
	}

	sched.RunDue(ctx, now.Add(escrow.DisputeWindow+time.Minute))
	cur, _ = ledger.Store().GetTransaction(ctx, tx.ID)
	if cur.State != escrow.StateReleased {
		t.Fatalf("state = %s, want released", cur.State)
	}
	if gw.Released(tx.ID) != 10000 {
		t.Fatalf("released = %d, want 10000", gw.Released(tx.ID))
	}
}

func TestRunEveryFiresDueJobs(t *testing.T) {
	sched, ledger, _, gw := newFixture(t)
	now := time.Now().Add(-(escrow.DisputeWindow + time.Minute))
	// Arm in the past so the job is already due when the poller starts.
	tx := awaitingTx(t, ledger, now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.RunEvery(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if gw.Released(tx.ID) == 10000 {
			cur, _ := ledger.Store().GetTransaction(ctx, tx.ID)
			if cur.State != escrow.StateReleased {
				t.Fatalf("state = %s, want released", cur.State)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("poller never released the due transaction")
}

func TestGatewayFailureKeepsJobForRetry(t *testing.T) {
	sched, ledger, jobs, gw := newFixture(t)
	now := time.Now()
	tx := awaitingTx(t, ledger, now)
	ctx := context.Background()

	gw.FailNext = true
	due := now.Add(escrow.DisputeWindow + time.Minute)
	sched.RunDue(ctx, due)

	cur, _ := ledger.Store().GetTransaction(ctx, tx.ID)
	if cur.State != escrow.StateAwaiting {
		t.Fatalf("state after failed poll = %s, want awaiting_confirmation", cur.State)
	}
	if jobs.Pending(tx.ID) != 1 {
		t.Fatalf("job discarded on gateway failure")
	}

	// Next poll retries and completes the payout.
	sched.RunDue(ctx, due.Add(time.Minute))
	cur, _ = ledger.Store().GetTransaction(ctx, tx.ID)
	if cur.State != escrow.StateReleased {
		t.Fatalf("state after retry = %s, want released", cur.State)
	}
	if gw.Released(tx.ID) != 10000 {
		t.Fatalf("released = %d, want 10000", gw.Released(tx.ID))
	}
}
