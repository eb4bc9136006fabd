package checkin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sudo-init-do/prosafe/internal/escrow"
	"github.com/sudo-init-do/prosafe/internal/gateway"
	"github.com/sudo-init-do/prosafe/internal/geo"
)

// Lekki job site and a point ~16km away, well outside any sane radius.
var (
	site    = geo.Point{Lat: 6.5244, Lng: 3.3792}
	farAway = geo.Point{Lat: 6.6018, Lng: 3.3515}
)

type captureNotifier struct {
	mu    sync.Mutex
	codes []string
}

func (c *captureNotifier) CheckInCode(_, _, code string, _ time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, code)
}

func (c *captureNotifier) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.codes) == 0 {
		return ""
	}
	return c.codes[len(c.codes)-1]
}

type stubWindows struct{}

func (stubWindows) Arm(context.Context, string, int64, time.Time) error { return nil }
func (stubWindows) Cancel(context.Context, string) error                { return nil }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newGate(t *testing.T) (*Service, *captureNotifier, *escrow.MemStore, *clock, *escrow.Transaction) {
	t.Helper()
	clk := &clock{t: time.Now()}
	txStore := escrow.NewMemStore()
	ledger := escrow.NewService(txStore, gateway.NewFake(), stubWindows{}, escrow.NopNotifier{})
	notify := &captureNotifier{}
	svc := NewService(NewMemStore(), NewMemThrottle(clk.Now), notify, ledger)

	tx, _, err := ledger.Open(context.Background(), escrow.OpenParams{
		BookingRef: "bk-200",
		PayerID:    "client-1",
		PayeeID:    "provider-1",
		Amount:     10000,
		Currency:   "NGN",
		Tier:       1,
		TargetLat:  site.Lat,
		TargetLng:  site.Lng,
	}, clk.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return svc, notify, txStore, clk, tx
}

func TestGenerateAndVerifyChecksIn(t *testing.T) {
	svc, notify, txStore, clk, tx := newGate(t)
	ctx := context.Background()

	if err := svc.Generate(ctx, tx.ID, clk.Now()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	code := notify.last()
	if len(code) != 6 {
		t.Fatalf("code %q, want 6 digits", code)
	}

	res, err := svc.Verify(ctx, tx.ID, code, site, clk.Now())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Verified {
		t.Fatal("not verified")
	}

	cur, err := txStore.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cur.State != escrow.StateCheckedIn {
		t.Fatalf("state = %s, want checked_in", cur.State)
	}
}

func TestGenerateThrottled(t *testing.T) {
	svc, _, _, clk, tx := newGate(t)
	ctx := context.Background()

	if err := svc.Generate(ctx, tx.ID, clk.Now()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := svc.Generate(ctx, tx.ID, clk.Now()); !errors.Is(err, ErrTooManyRequests) {
		t.Fatalf("immediate regen err = %v, want ErrTooManyRequests", err)
	}

	clk.Advance(RegenWindow + time.Second)
	if err := svc.Generate(ctx, tx.ID, clk.Now()); err != nil {
		t.Fatalf("regen after window: %v", err)
	}
}

func TestRegenerationVoidsPriorCode(t *testing.T) {
	svc, notify, _, clk, tx := newGate(t)
	ctx := context.Background()

	if err := svc.Generate(ctx, tx.ID, clk.Now()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	old := notify.last()

	clk.Advance(RegenWindow + time.Second)
	if err := svc.Generate(ctx, tx.ID, clk.Now()); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	fresh := notify.last()

	if _, err := svc.Verify(ctx, tx.ID, old, site, clk.Now()); err == nil {
		t.Fatal("old code accepted after regeneration")
	}
	if _, err := svc.Verify(ctx, tx.ID, fresh, site, clk.Now()); err != nil {
		t.Fatalf("fresh code rejected: %v", err)
	}
}

func TestExpiredCodeReportedExpiredNotMismatch(t *testing.T) {
	svc, notify, _, clk, tx := newGate(t)
	ctx := context.Background()

	if err := svc.Generate(ctx, tx.ID, clk.Now()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	code := notify.last()

	clk.Advance(CodeTTL + time.Minute)
	_, err := svc.Verify(ctx, tx.ID, code, site, clk.Now())
	if !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("verify err = %v, want ErrCodeExpired", err)
	}
}

func TestConsumedCodeRejected(t *testing.T) {
	svc, notify, _, clk, tx := newGate(t)
	ctx := context.Background()

	if err := svc.Generate(ctx, tx.ID, clk.Now()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	code := notify.last()
	if _, err := svc.Verify(ctx, tx.ID, code, site, clk.Now()); err != nil {
		t.Fatalf("verify: %v", err)
	}

	_, err := svc.Verify(ctx, tx.ID, code, site, clk.Now())
	if !errors.Is(err, ErrCodeConsumed) {
		t.Fatalf("replay err = %v, want ErrCodeConsumed", err)
	}
}

func TestOutOfRangeKeepsCodeLive(t *testing.T) {
	svc, notify, txStore, clk, tx := newGate(t)
	ctx := context.Background()

	if err := svc.Generate(ctx, tx.ID, clk.Now()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	code := notify.last()

	_, err := svc.Verify(ctx, tx.ID, code, farAway, clk.Now())
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("far verify err = %v, want ErrOutOfRange", err)
	}

	// The failed proximity check must not consume the code or move state.
	cur, _ := txStore.GetTransaction(ctx, tx.ID)
	if cur.State != escrow.StateHeld {
		t.Fatalf("state = %s, want held", cur.State)
	}
	if _, err := svc.Verify(ctx, tx.ID, code, site, clk.Now()); err != nil {
		t.Fatalf("retry on site: %v", err)
	}
}

func TestGatewayFailureKeepsCodeUsable(t *testing.T) {
	clk := &clock{t: time.Now()}
	txStore := escrow.NewMemStore()
	gw := gateway.NewFake()
	ledger := escrow.NewService(txStore, gw, stubWindows{}, escrow.NopNotifier{})
	notify := &captureNotifier{}
	svc := NewService(NewMemStore(), NewMemThrottle(clk.Now), notify, ledger)
	ctx := context.Background()

	tx, _, err := ledger.Open(ctx, escrow.OpenParams{
		BookingRef: "bk-201",
		PayerID:    "client-1",
		PayeeID:    "provider-1",
		Amount:     10000,
		Currency:   "NGN",
		Tier:       1,
		TargetLat:  site.Lat,
		TargetLng:  site.Lng,
	}, clk.Now())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := svc.Generate(ctx, tx.ID, clk.Now()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	code := notify.last()

	gw.FailNext = true
	if _, err := svc.Verify(ctx, tx.ID, code, site, clk.Now()); !errors.Is(err, escrow.ErrReleaseFailed) {
		t.Fatalf("verify err = %v, want ErrReleaseFailed", err)
	}

	// The ledger rolled back to held; the same code must still work once
	// the gateway recovers, without waiting out the regeneration throttle.
	cur, _ := txStore.GetTransaction(ctx, tx.ID)
	if cur.State != escrow.StateHeld {
		t.Fatalf("state after rollback = %s, want held", cur.State)
	}
	if _, err := svc.Verify(ctx, tx.ID, code, site, clk.Now()); err != nil {
		t.Fatalf("retry after gateway recovery: %v", err)
	}
	cur, _ = txStore.GetTransaction(ctx, tx.ID)
	if cur.State != escrow.StateCheckedIn {
		t.Fatalf("state after retry = %s, want checked_in", cur.State)
	}
}

func TestPerTransactionRadiusOverride(t *testing.T) {
	svc, notify, txStore, clk, tx := newGate(t)
	ctx := context.Background()

	// Widen this booking's radius to 20km; the default would reject farAway.
	cur, err := txStore.GetTransaction(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	wide := 20000.0
	cur.GeoRadiusM = &wide
	if err := txStore.UpdateTransactionCAS(ctx, cur, cur.Version); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := svc.Generate(ctx, tx.ID, clk.Now()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.Verify(ctx, tx.ID, notify.last(), farAway, clk.Now()); err != nil {
		t.Fatalf("verify inside widened radius: %v", err)
	}
}

func TestGenerateRequiresHeldState(t *testing.T) {
	svc, notify, _, clk, tx := newGate(t)
	ctx := context.Background()

	if err := svc.Generate(ctx, tx.ID, clk.Now()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.Verify(ctx, tx.ID, notify.last(), site, clk.Now()); err != nil {
		t.Fatalf("verify: %v", err)
	}

	clk.Advance(RegenWindow + time.Second)
	err := svc.Generate(ctx, tx.ID, clk.Now())
	if !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("generate after check-in err = %v, want ErrInvalidTransition", err)
	}
}

func TestVerifyWithoutCode(t *testing.T) {
	svc, _, _, clk, tx := newGate(t)

	_, err := svc.Verify(context.Background(), tx.ID, "123456", site, clk.Now())
	if !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("verify err = %v, want ErrCodeNotFound", err)
	}
}

func TestMemThrottleWindow(t *testing.T) {
	clk := &clock{t: time.Now()}
	th := NewMemThrottle(clk.Now)
	ctx := context.Background()

	ok, _, err := th.Allow(ctx, "tx-1")
	if err != nil || !ok {
		t.Fatalf("first allow = %v, %v", ok, err)
	}
	ok, retry, err := th.Allow(ctx, "tx-1")
	if err != nil || ok {
		t.Fatalf("second allow = %v, %v, want denied", ok, err)
	}
	if retry <= 0 || retry > int(RegenWindow/time.Second) {
		t.Fatalf("retry after = %d, want within (0, %d]", retry, int(RegenWindow/time.Second))
	}

	// Independent transactions do not share a window.
	if ok, _, _ := th.Allow(ctx, "tx-2"); !ok {
		t.Fatal("other transaction throttled")
	}

	clk.Advance(RegenWindow + time.Second)
	if ok, _, _ := th.Allow(ctx, "tx-1"); !ok {
		t.Fatal("still throttled after window")
	}
}
