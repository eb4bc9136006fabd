package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Job is one persisted auto-release timer. Jobs survive restarts; an
// in-process countdown would lose the 48-hour window on redeploy.
//
// TxVersion records which transaction version armed the job, for audit.
// The poller does not gate on it: staleness is decided by re-reading the
// transaction (state, frozen flag, open disputes), because the version
// legitimately moves past the armed value while the job stays live — a
// release attempt that failed at the gateway bumps it twice (claim plus
// revert) and must still be retried.
type Job struct {
	ID            string
	TransactionID string
	TxVersion     int64
	Kind          string
	RunAt         time.Time
	Status        string // pending, void, done
}

// JobStore persists scheduled jobs.
type JobStore interface {
	Insert(ctx context.Context, j *Job) error
	// VoidPending voids every pending job for the transaction.
	VoidPending(ctx context.Context, txID string) error
	// Due returns pending jobs whose run_at has passed, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Job, error)
	MarkDone(ctx context.Context, id string) error
}

// PGJobStore backs jobs with the scheduled_jobs table.
type PGJobStore struct {
	pool *pgxpool.Pool
}

func NewPGJobStore(pool *pgxpool.Pool) *PGJobStore {
	return &PGJobStore{pool: pool}
}

func (s *PGJobStore) Insert(ctx context.Context, j *Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduled_jobs (id, transaction_id, tx_version, kind, run_at, status)
         VALUES ($1, $2, $3, $4, $5, 'pending')`,
		j.ID, j.TransactionID, j.TxVersion, j.Kind, j.RunAt)
	return err
}

func (s *PGJobStore) VoidPending(ctx context.Context, txID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scheduled_jobs SET status = 'void' WHERE transaction_id = $1 AND status = 'pending'`, txID)
	return err
}

func (s *PGJobStore) Due(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::text, transaction_id::text, tx_version, kind, run_at, status
         FROM scheduled_jobs
         WHERE status = 'pending' AND run_at <= $1
         ORDER BY run_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.TransactionID, &j.TxVersion, &j.Kind, &j.RunAt, &j.Status); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PGJobStore) MarkDone(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scheduled_jobs SET status = 'done' WHERE id = $1`, id)
	return err
}

// MemJobStore is the in-memory JobStore for tests.
type MemJobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemJobStore() *MemJobStore {
	return &MemJobStore{jobs: make(map[string]*Job)}
}

func (s *MemJobStore) Insert(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemJobStore) VoidPending(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.TransactionID == txID && j.Status == "pending" {
			j.Status = "void"
		}
	}
	return nil
}

func (s *MemJobStore) Due(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == "pending" && !j.RunAt.After(now) {
			due = append(due, *j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemJobStore) MarkDone(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = "done"
	}
	return nil
}

// Pending reports how many pending jobs exist for a transaction. Test helper.
func (s *MemJobStore) Pending(txID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.TransactionID == txID && j.Status == "pending" {
			n++
		}
	}
	return n
}
