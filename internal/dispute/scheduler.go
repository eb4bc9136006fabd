package dispute

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sudo-init-do/prosafe/internal/escrow"
)

// batchSize caps how many due jobs one poll picks up.
const batchSize = 100

// Scheduler is the DisputeWindowScheduler: it persists auto-release
// timers and, when polled, runs the ones that have come due. It
// implements escrow.WindowScheduler.
type Scheduler struct {
	jobs   JobStore
	ledger *escrow.Service
}

func NewScheduler(jobs JobStore, ledger *escrow.Service) *Scheduler {
	return &Scheduler{jobs: jobs, ledger: ledger}
}

// Arm schedules an auto-release at runAt, replacing any prior pending job
// for the transaction.
func (s *Scheduler) Arm(ctx context.Context, txID string, txVersion int64, runAt time.Time) error {
	if err := s.jobs.VoidPending(ctx, txID); err != nil {
		return err
	}
	return s.jobs.Insert(ctx, &Job{
		ID:            uuid.New().String(),
		TransactionID: txID,
		TxVersion:     txVersion,
		Kind:          "auto_release",
		RunAt:         runAt,
		Status:        "pending",
	})
}

// Cancel voids any pending job for the transaction. Used on dispute open
// and on freeze.
func (s *Scheduler) Cancel(ctx context.Context, txID string) error {
	return s.jobs.VoidPending(ctx, txID)
}

// RunDue processes every due pending job once. For each, the transaction
// is re-read: only a still-awaiting, unfrozen transaction with no open
// dispute auto-releases; anything else means the job went stale and is
// discarded. Transient failures (store, payment gateway) leave the job
// pending for the next poll.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	due, err := s.jobs.Due(ctx, now, batchSize)
	if err != nil {
		log.Printf("[dispute] loading due jobs: %v", err)
		return
	}

	for _, j := range due {
		t, err := s.ledger.Store().GetTransaction(ctx, j.TransactionID)
		if err != nil {
			if errors.Is(err, escrow.ErrNotFound) {
				s.finish(ctx, j.ID)
				continue
			}
			log.Printf("[dispute] reading tx %s: %v", j.TransactionID, err)
			continue
		}

		open, err := s.ledger.Store().HasOpenDispute(ctx, t.ID)
		if err != nil {
			log.Printf("[dispute] checking disputes for %s: %v", t.ID, err)
			continue
		}
		if t.State != escrow.StateAwaiting || t.Frozen || open {
			// Stale job: the transaction moved on (or is frozen) since arming.
			s.finish(ctx, j.ID)
			continue
		}

		_, released, err := s.ledger.AutoRelease(ctx, t.ID, now)
		switch {
		case err == nil:
			log.Printf("[dispute] auto-released %s (%d minor units)", t.ID, released)
			s.finish(ctx, j.ID)
		case errors.Is(err, escrow.ErrInvalidTransition), errors.Is(err, escrow.ErrFrozen):
			// Lost a race with a confirm/dispute/freeze between our read and
			// the release. The job is stale.
			s.finish(ctx, j.ID)
		case errors.Is(err, escrow.ErrReleaseFailed):
			// Gateway trouble: ledger rolled back, keep the job for retry.
			log.Printf("[dispute] auto-release of %s failed at gateway, will retry: %v", t.ID, err)
		default:
			log.Printf("[dispute] auto-release of %s: %v", t.ID, err)
		}
	}
}

// RunEvery polls RunDue at the given interval until ctx is cancelled.
// The worker process drives polling through cron; this loop backs the
// memory-store configuration, which has no worker.
func (s *Scheduler) RunEvery(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.RunDue(ctx, now)
		}
	}
}

func (s *Scheduler) finish(ctx context.Context, jobID string) {
	if err := s.jobs.MarkDone(ctx, jobID); err != nil {
		log.Printf("[dispute] marking job %s done: %v", jobID, err)
	}
}

// Svc is the process-wide scheduler, set once at startup.
var Svc *Scheduler

func Init(jobs JobStore, ledger *escrow.Service) {
	Svc = NewScheduler(jobs, ledger)
}
