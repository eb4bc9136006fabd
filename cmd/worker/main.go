package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/sudo-init-do/prosafe/internal/alerts"
	"github.com/sudo-init-do/prosafe/internal/checkin"
	"github.com/sudo-init-do/prosafe/internal/db"
	"github.com/sudo-init-do/prosafe/internal/dispute"
	"github.com/sudo-init-do/prosafe/internal/escrow"
	"github.com/sudo-init-do/prosafe/internal/gateway"
)

// The worker owns the periodic jobs: polling due dispute-window timers
// (so auto-release survives restarts) and sweeping expired check-in
// codes. It shares the database with the API process; the scheduled_jobs
// table is the source of truth, not in-process timers.
func main() {
	_ = godotenv.Load()

	db.Init()

	txStore := escrow.NewPGStore(db.Conn)
	jobStore := dispute.NewPGJobStore(db.Conn)
	ciStore := checkin.NewPGStore(db.Conn)

	gw, err := gateway.NewHTTPGatewayFromEnv()
	if err != nil {
		log.Fatalf("payment gateway config: %v", err)
	}

	escrow.Init(txStore, gw, nil, alerts.NewDispatcher())
	dispute.Init(jobStore, escrow.Svc)
	escrow.Svc.SetWindows(dispute.Svc)

	c := cron.New()

	pollSpec := os.Getenv("DISPUTE_POLL_CRON")
	if pollSpec == "" {
		pollSpec = "* * * * *"
	}
	if _, err := c.AddFunc(pollSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
		defer cancel()
		dispute.Svc.RunDue(ctx, time.Now())
	}); err != nil {
		log.Fatalf("scheduling dispute poll: %v", err)
	}

	sweepSpec := os.Getenv("CHECKIN_SWEEP_CRON")
	if sweepSpec == "" {
		sweepSpec = "*/10 * * * *"
	}
	if _, err := c.AddFunc(sweepSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := ciStore.SweepExpired(ctx, time.Now())
		if err != nil {
			log.Printf("[worker] check-in sweep: %v", err)
			return
		}
		if n > 0 {
			log.Printf("[worker] swept %d expired check-in codes", n)
		}
	}); err != nil {
		log.Fatalf("scheduling check-in sweep: %v", err)
	}

	c.Start()
	log.Printf("worker running (dispute poll %q, sweep %q)", pollSpec, sweepSpec)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("worker shutting down")
	<-c.Stop().Done()
}
