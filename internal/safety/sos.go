package safety

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sudo-init-do/prosafe/internal/escrow"
)

// Alert statuses
const (
	StatusActive     = "active"
	StatusResponding = "responding"
	StatusResolved   = "resolved"
)

var ErrAlertNotFound = errors.New("sos alert not found")

// Alert is one SOS raised during an active booking.
type Alert struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	TriggeredBy   string     `json:"triggered_by"` // client, provider
	Reason        string     `json:"reason"`
	Lat           float64    `json:"lat"`
	Lng           float64    `json:"lng"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	Resolution    string     `json:"resolution,omitempty"`
}

// Store persists SOS alerts.
type Store interface {
	Insert(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	// SetStatus moves an alert forward; resolution only applies to resolved.
	SetStatus(ctx context.Context, id, status, resolution string, at time.Time) (*Alert, error)
	ListOpen(ctx context.Context) ([]Alert, error)
}

// Notifier fans an alert out to the operator channel. Safety-critical:
// errors are logged by callers but never swallow the persisted alert.
type Notifier interface {
	SOSTriggered(alertID, txID, triggeredBy, reason string)
}

// NopNotifier drops events. Used in tests.
type NopNotifier struct{}

func (NopNotifier) SOSTriggered(string, string, string, string) {}

// Service records SOS events and freezes the affected transaction so no
// automatic release can run until an operator explicitly unfreezes.
type Service struct {
	store  Store
	ledger *escrow.Service
	notify Notifier
}

func NewService(store Store, ledger *escrow.Service, notify Notifier) *Service {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Service{store: store, ledger: ledger, notify: notify}
}

// Svc is the process-wide escalation service, set once at startup.
var Svc *Service

func Init(store Store, ledger *escrow.Service, notify Notifier) {
	Svc = NewService(store, ledger, notify)
}

// Trigger persists the alert and freezes the transaction. Both writes must
// land: a failure here fails the call loudly rather than proceeding as if
// the alert were delivered.
func (s *Service) Trigger(ctx context.Context, txID, triggeredBy, reason string, lat, lng float64, now time.Time) (*Alert, error) {
	if triggeredBy != "client" && triggeredBy != "provider" {
		return nil, fmt.Errorf("triggered_by must be client or provider")
	}

	t, err := s.ledger.Store().GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if t.Terminal() {
		return nil, fmt.Errorf("%w: transaction already %s", escrow.ErrInvalidTransition, t.State)
	}

	a := &Alert{
		ID:            uuid.New().String(),
		TransactionID: txID,
		TriggeredBy:   triggeredBy,
		Reason:        reason,
		Lat:           lat,
		Lng:           lng,
		Status:        StatusActive,
		CreatedAt:     now,
	}
	if err := s.store.Insert(ctx, a); err != nil {
		return nil, fmt.Errorf("persisting sos alert: %w", err)
	}

	if _, err := s.ledger.Freeze(ctx, txID); err != nil {
		return nil, fmt.Errorf("freezing transaction for sos: %w", err)
	}

	s.notify.SOSTriggered(a.ID, txID, triggeredBy, reason)
	return a, nil
}

// Acknowledge marks an alert responding: an operator has made contact.
func (s *Service) Acknowledge(ctx context.Context, alertID string, now time.Time) (*Alert, error) {
	return s.store.SetStatus(ctx, alertID, StatusResponding, "", now)
}

// Resolve closes the alert. Deliberately does NOT unfreeze the
// transaction: unfreezing is a separate operator action so nothing
// auto-releases right after an incident.
func (s *Service) Resolve(ctx context.Context, alertID, resolution string, now time.Time) (*Alert, error) {
	return s.store.SetStatus(ctx, alertID, StatusResolved, resolution, now)
}

// Open lists unresolved alerts for the operator board.
func (s *Service) Open(ctx context.Context) ([]Alert, error) {
	return s.store.ListOpen(ctx)
}

// PGStore backs alerts with the sos_alerts table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Insert(ctx context.Context, a *Alert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sos_alerts (id, transaction_id, triggered_by, reason, lat, lng, status, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.TransactionID, a.TriggeredBy, a.Reason, a.Lat, a.Lng, a.Status, a.CreatedAt)
	return err
}

func (s *PGStore) Get(ctx context.Context, id string) (*Alert, error) {
	var a Alert
	var resolution *string
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, transaction_id::text, triggered_by, reason, lat, lng, status, created_at, resolved_at, resolution
         FROM sos_alerts WHERE id = $1`, id,
	).Scan(&a.ID, &a.TransactionID, &a.TriggeredBy, &a.Reason, &a.Lat, &a.Lng, &a.Status, &a.CreatedAt, &a.ResolvedAt, &resolution)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	if resolution != nil {
		a.Resolution = *resolution
	}
	return &a, nil
}

func (s *PGStore) SetStatus(ctx context.Context, id, status, resolution string, at time.Time) (*Alert, error) {
	var a Alert
	var res *string
	var err error
	if status == StatusResolved {
		err = s.pool.QueryRow(ctx,
			`UPDATE sos_alerts SET status = $1, resolution = $2, resolved_at = $3
             WHERE id = $4 AND status != 'resolved'
             RETURNING id::text, transaction_id::text, triggered_by, reason, lat, lng, status, created_at, resolved_at, resolution`,
			status, resolution, at, id,
		).Scan(&a.ID, &a.TransactionID, &a.TriggeredBy, &a.Reason, &a.Lat, &a.Lng, &a.Status, &a.CreatedAt, &a.ResolvedAt, &res)
	} else {
		err = s.pool.QueryRow(ctx,
			`UPDATE sos_alerts SET status = $1 WHERE id = $2 AND status = 'active'
             RETURNING id::text, transaction_id::text, triggered_by, reason, lat, lng, status, created_at, resolved_at, resolution`,
			status, id,
		).Scan(&a.ID, &a.TransactionID, &a.TriggeredBy, &a.Reason, &a.Lat, &a.Lng, &a.Status, &a.CreatedAt, &a.ResolvedAt, &res)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	if res != nil {
		a.Resolution = *res
	}
	return &a, nil
}

func (s *PGStore) ListOpen(ctx context.Context) ([]Alert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, transaction_id::text, triggered_by, reason, lat, lng, status, created_at, resolved_at, COALESCE(resolution, '')
         FROM sos_alerts WHERE status != 'resolved' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.TransactionID, &a.TriggeredBy, &a.Reason, &a.Lat, &a.Lng, &a.Status, &a.CreatedAt, &a.ResolvedAt, &a.Resolution); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// MemStore keeps alerts in memory for tests.
type MemStore struct {
	mu     sync.Mutex
	alerts map[string]*Alert
	fail   bool
}

func NewMemStore() *MemStore {
	return &MemStore{alerts: make(map[string]*Alert)}
}

// FailNext makes the next Insert fail, exercising the loud-failure path.
func (s *MemStore) FailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = true
}

func (s *MemStore) Insert(_ context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		s.fail = false
		return errors.New("simulated store failure")
	}
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemStore) SetStatus(_ context.Context, id, status, resolution string, at time.Time) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || a.Status == StatusResolved {
		return nil, ErrAlertNotFound
	}
	if status == StatusResponding && a.Status != StatusActive {
		return nil, ErrAlertNotFound
	}
	a.Status = status
	if status == StatusResolved {
		a.Resolution = resolution
		resolved := at
		a.ResolvedAt = &resolved
	}
	cp := *a
	return &cp, nil
}

func (s *MemStore) ListOpen(_ context.Context) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Alert
	for _, a := range s.alerts {
		if a.Status != StatusResolved {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
