package checkin

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/sudo-init-do/prosafe/internal/escrow"
	"github.com/sudo-init-do/prosafe/internal/geo"
)

// CodeTTL is a check-in code's lifetime from issue.
const CodeTTL = 15 * time.Minute

var (
	ErrCodeNotFound    = errors.New("no active check-in code")
	ErrCodeExpired     = errors.New("check-in code expired")
	ErrCodeMismatch    = errors.New("check-in code mismatch")
	ErrCodeConsumed    = errors.New("check-in code already used")
	ErrTooManyRequests = errors.New("code regeneration throttled")
	ErrOutOfRange      = errors.New("location out of range")
)

// CodeNotifier hands a freshly issued code to the delivery collaborator.
// The code never appears in an HTTP response.
type CodeNotifier interface {
	CheckInCode(txID, providerID, code string, expiresAt time.Time)
}

// LogCodeNotifier prints issued codes to the process log. Dev and
// memory-store runs only; production delivers through the task queue.
type LogCodeNotifier struct{}

func (LogCodeNotifier) CheckInCode(txID, providerID, code string, expiresAt time.Time) {
	log.Printf("[checkin] code for tx=%s provider=%s: %s (expires %s)", txID, providerID, code, expiresAt.Format(time.RFC3339))
}

// Service issues and validates the one-time codes that, together with
// the GPS check, gate the held -> checked_in transition.
type Service struct {
	store    Store
	throttle Throttle
	notify   CodeNotifier
	ledger   *escrow.Service
}

func NewService(store Store, throttle Throttle, notify CodeNotifier, ledger *escrow.Service) *Service {
	return &Service{store: store, throttle: throttle, notify: notify, ledger: ledger}
}

// Svc is the process-wide gate, set once at startup.
var Svc *Service

func Init(store Store, throttle Throttle, notify CodeNotifier, ledger *escrow.Service) {
	Svc = NewService(store, throttle, notify, ledger)
}

// Generate voids any live code for the transaction and issues a new
// 6-digit one with a 15-minute expiry, delivered via the notifier. At most
// one regeneration per transaction per RegenWindow.
func (s *Service) Generate(ctx context.Context, txID string, now time.Time) error {
	t, err := s.ledger.Store().GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if t.State != escrow.StateHeld {
		return fmt.Errorf("%w: check-in code only valid for held transactions, state is %s", escrow.ErrInvalidTransition, t.State)
	}

	ok, retryAfter, err := s.throttle.Allow(ctx, txID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: retry in %ds", ErrTooManyRequests, retryAfter)
	}

	code, err := newCode()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	if err := s.store.VoidActive(ctx, txID); err != nil {
		return err
	}
	ci := &CheckIn{
		ID:            uuid.New().String(),
		TransactionID: txID,
		CodeHash:      string(hash),
		IssuedAt:      now,
		ExpiresAt:     now.Add(CodeTTL),
	}
	if err := s.store.Insert(ctx, ci); err != nil {
		return err
	}

	s.notify.CheckInCode(txID, t.PayeeID, code, ci.ExpiresAt)
	return nil
}

// VerifyResult is the outcome of a successful check-in handshake.
type VerifyResult struct {
	Verified       bool    `json:"verified"`
	DistanceMeters float64 `json:"distance_meters"`
}

// Verify runs the full handshake: code first, then proximity, then the
// ledger transition. Expiry is checked before the match so a stale code is
// always reported expired, and a consumed code is reported as such rather
// than re-authorizing. The code is only consumed once the GPS check and the
// ledger transition have both passed, so a provider standing too far away,
// or one whose commitment release failed at the gateway, can retry without
// regenerating.
func (s *Service) Verify(ctx context.Context, txID, code string, observed geo.Point, now time.Time) (*VerifyResult, error) {
	t, err := s.ledger.Store().GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	ci, err := s.store.Latest(ctx, txID)
	if err != nil {
		if errors.Is(err, ErrNoCode) {
			return nil, ErrCodeNotFound
		}
		return nil, err
	}

	matches := bcrypt.CompareHashAndPassword([]byte(ci.CodeHash), []byte(code)) == nil
	if ci.Consumed {
		if matches {
			return nil, ErrCodeConsumed
		}
		return nil, ErrCodeNotFound
	}
	if now.After(ci.ExpiresAt) {
		return nil, ErrCodeExpired
	}
	if !matches {
		return nil, ErrCodeMismatch
	}

	radius := geo.ConfiguredRadius()
	if t.GeoRadiusM != nil {
		radius = *t.GeoRadiusM
	}
	within, dist := geo.WithinRadius(geo.Point{Lat: t.TargetLat, Lng: t.TargetLng}, observed, radius)
	if !within {
		return nil, fmt.Errorf("%w: %.0fm from site (limit %.0fm)", ErrOutOfRange, dist, radius)
	}

	if _, err := s.ledger.RegisterCheckIn(ctx, txID, now); err != nil {
		return nil, err
	}
	// Consume only once the transition has landed: if the commitment
	// release failed at the gateway, the ledger rolled back to held and the
	// same code must stay usable for the retry. Replay after success is
	// blocked by the state check, not the consumed flag.
	if err := s.store.MarkConsumed(ctx, ci.ID, now); err != nil {
		log.Printf("[checkin] consuming code %s: %v", ci.ID, err)
	}

	return &VerifyResult{Verified: true, DistanceMeters: dist}, nil
}

// newCode draws a uniform 6-digit numeric code, leading zeros kept.
func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
