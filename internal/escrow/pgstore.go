package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists transactions in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) CreateTransaction(ctx context.Context, t *Transaction, plan []Milestone) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO escrow_transactions
         (id, booking_ref, payer_id, payee_id, amount, currency, tier, state, frozen, version,
          target_lat, target_lng, geo_radius_m, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.BookingRef, t.PayerID, t.PayeeID, t.Amount, t.Currency, t.Tier,
		t.State, t.Frozen, t.Version, t.TargetLat, t.TargetLng, t.GeoRadiusM, t.CreatedAt,
	)
	if err != nil {
		return err
	}

	for _, m := range plan {
		_, err = tx.Exec(ctx,
			`INSERT INTO milestones (transaction_id, phase, label, percent, amount, state)
             VALUES ($1, $2, $3, $4, $5, 'pending')`,
			t.ID, m.Phase, m.Label, m.Percent, m.Amount,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PGStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var t Transaction
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, booking_ref, payer_id::text, payee_id::text, amount, currency, tier,
                state, frozen, version, target_lat, target_lng, geo_radius_m,
                created_at, checked_in_at, confirmed_at, released_at, dispute_deadline
         FROM escrow_transactions WHERE id = $1`, id,
	).Scan(&t.ID, &t.BookingRef, &t.PayerID, &t.PayeeID, &t.Amount, &t.Currency, &t.Tier,
		&t.State, &t.Frozen, &t.Version, &t.TargetLat, &t.TargetLng, &t.GeoRadiusM,
		&t.CreatedAt, &t.CheckedInAt, &t.ConfirmedAt, &t.ReleasedAt, &t.DisputeDeadline)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *PGStore) GetMilestones(ctx context.Context, txID string) ([]Milestone, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT transaction_id::text, phase, label, percent, amount, state, released_at
         FROM milestones WHERE transaction_id = $1 ORDER BY phase`, txID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ms []Milestone
	for rows.Next() {
		var m Milestone
		if err := rows.Scan(&m.TransactionID, &m.Phase, &m.Label, &m.Percent, &m.Amount, &m.State, &m.ReleasedAt); err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, rows.Err()
}

func (s *PGStore) UpdateTransactionCAS(ctx context.Context, t *Transaction, expectedVersion int64) error {
	res, err := s.pool.Exec(ctx,
		`UPDATE escrow_transactions
         SET state = $1, frozen = $2, version = $3, geo_radius_m = $4,
             checked_in_at = $5, confirmed_at = $6, released_at = $7, dispute_deadline = $8
         WHERE id = $9 AND version = $10`,
		t.State, t.Frozen, expectedVersion+1, t.GeoRadiusM,
		t.CheckedInAt, t.ConfirmedAt, t.ReleasedAt, t.DisputeDeadline,
		t.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	t.Version = expectedVersion + 1
	return nil
}

func (s *PGStore) MarkMilestoneReleased(ctx context.Context, txID string, phase int, at time.Time) (bool, error) {
	res, err := s.pool.Exec(ctx,
		`UPDATE milestones SET state = 'released', released_at = $1
         WHERE transaction_id = $2 AND phase = $3 AND state = 'pending'`,
		at, txID, phase,
	)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() == 1, nil
}

func (s *PGStore) CreateDispute(ctx context.Context, d *DisputeCase) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dispute_cases (id, transaction_id, reason, status, opened_at)
         VALUES ($1, $2, $3, 'open', $4)`,
		d.ID, d.TransactionID, d.Reason, d.OpenedAt,
	)
	return err
}

func (s *PGStore) GetDispute(ctx context.Context, id string) (*DisputeCase, error) {
	var d DisputeCase
	var resolution *string
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, transaction_id::text, reason, status, resolution, opened_at, resolved_at
         FROM dispute_cases WHERE id = $1`, id,
	).Scan(&d.ID, &d.TransactionID, &d.Reason, &d.Status, &resolution, &d.OpenedAt, &d.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if resolution != nil {
		d.Resolution = *resolution
	}
	return &d, nil
}

func (s *PGStore) HasOpenDispute(ctx context.Context, txID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM dispute_cases WHERE transaction_id = $1 AND status = 'open')`,
		txID,
	).Scan(&exists)
	return exists, err
}

func (s *PGStore) ResolveDispute(ctx context.Context, id, resolution string, at time.Time) (*DisputeCase, error) {
	var d DisputeCase
	err := s.pool.QueryRow(ctx,
		`UPDATE dispute_cases SET status = 'resolved', resolution = $1, resolved_at = $2
         WHERE id = $3 AND status = 'open'
         RETURNING id::text, transaction_id::text, reason, status, resolution, opened_at, resolved_at`,
		resolution, at, id,
	).Scan(&d.ID, &d.TransactionID, &d.Reason, &d.Status, &d.Resolution, &d.OpenedAt, &d.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}
