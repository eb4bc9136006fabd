package checkin

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CheckIn is one issued one-time code. Codes are stored bcrypt-hashed;
// the plaintext only ever travels through the notification dispatcher.
type CheckIn struct {
	ID            string
	TransactionID string
	CodeHash      string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Consumed      bool
	VerifiedAt    *time.Time
}

// Store persists check-in codes. PGStore for production, MemStore for
// tests and STORE=memory runs.
type Store interface {
	// VoidActive consumes any unconsumed codes for the transaction, so a
	// regenerated code is the only live one.
	VoidActive(ctx context.Context, txID string) error
	Insert(ctx context.Context, ci *CheckIn) error
	// Latest returns the most recently issued code row, consumed or not.
	Latest(ctx context.Context, txID string) (*CheckIn, error)
	MarkConsumed(ctx context.Context, id string, at time.Time) error
	// SweepExpired removes expired unconsumed codes; run by the worker.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// ErrNoCode means no code row exists for the transaction.
var ErrNoCode = errors.New("no check-in code")

// PGStore backs the code store with the checkins table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) VoidActive(ctx context.Context, txID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE checkins SET consumed = TRUE WHERE transaction_id = $1 AND NOT consumed`, txID)
	return err
}

func (s *PGStore) Insert(ctx context.Context, ci *CheckIn) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkins (id, transaction_id, code_hash, issued_at, expires_at, consumed)
         VALUES ($1, $2, $3, $4, $5, FALSE)`,
		ci.ID, ci.TransactionID, ci.CodeHash, ci.IssuedAt, ci.ExpiresAt)
	return err
}

func (s *PGStore) Latest(ctx context.Context, txID string) (*CheckIn, error) {
	var ci CheckIn
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, transaction_id::text, code_hash, issued_at, expires_at, consumed, verified_at
         FROM checkins WHERE transaction_id = $1 ORDER BY issued_at DESC LIMIT 1`, txID,
	).Scan(&ci.ID, &ci.TransactionID, &ci.CodeHash, &ci.IssuedAt, &ci.ExpiresAt, &ci.Consumed, &ci.VerifiedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoCode
		}
		return nil, err
	}
	return &ci, nil
}

func (s *PGStore) MarkConsumed(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE checkins SET consumed = TRUE, verified_at = $1 WHERE id = $2`, at, id)
	return err
}

func (s *PGStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.pool.Exec(ctx,
		`DELETE FROM checkins WHERE NOT consumed AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

// MemStore keeps codes in memory. Safe for concurrent use.
type MemStore struct {
	mu    sync.Mutex
	codes map[string][]*CheckIn // keyed by transaction id
}

func NewMemStore() *MemStore {
	return &MemStore{codes: make(map[string][]*CheckIn)}
}

func (s *MemStore) VoidActive(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ci := range s.codes[txID] {
		ci.Consumed = true
	}
	return nil
}

func (s *MemStore) Insert(_ context.Context, ci *CheckIn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ci
	s.codes[ci.TransactionID] = append(s.codes[ci.TransactionID], &cp)
	return nil
}

func (s *MemStore) Latest(_ context.Context, txID string) (*CheckIn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.codes[txID]
	if len(rows) == 0 {
		return nil, ErrNoCode
	}
	sorted := make([]*CheckIn, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].IssuedAt.After(sorted[j].IssuedAt) })
	cp := *sorted[0]
	return &cp, nil
}

func (s *MemStore) MarkConsumed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rows := range s.codes {
		for _, ci := range rows {
			if ci.ID == id {
				ci.Consumed = true
				verified := at
				ci.VerifiedAt = &verified
				return nil
			}
		}
	}
	return ErrNoCode
}

func (s *MemStore) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for txID, rows := range s.codes {
		kept := rows[:0]
		for _, ci := range rows {
			if !ci.Consumed && ci.ExpiresAt.Before(now) {
				removed++
				continue
			}
			kept = append(kept, ci)
		}
		s.codes[txID] = kept
	}
	return removed, nil
}
