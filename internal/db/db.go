package db

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

var Conn *pgxpool.Pool

// Init connects to Postgres
func Init() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s",
			os.Getenv("DB_USER"),
			os.Getenv("DB_PASSWORD"),
			os.Getenv("DB_HOST"),
			os.Getenv("DB_PORT"),
			os.Getenv("DB_NAME"),
		)
	}

	var err error
	Conn, err = pgxpool.New(context.Background(), dsn)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}

	if err = Conn.Ping(context.Background()); err != nil {
		log.Fatalf("Unable to ping database: %v\n", err)
	}

	log.Println("Connected to Postgres successfully")

	// Ensure escrow core tables exist
	ensureEscrowTables()

	// Ensure check-in code table exists
	ensureCheckinsTable()

	// Ensure sos_alerts table exists
	ensureSOSAlertsTable()

	// Ensure dispute_cases table exists
	ensureDisputeCasesTable()

	// Ensure durable scheduled_jobs table used by the dispute-window worker
	ensureScheduledJobsTable()

	// Ensure notifications table exists for in-app alerts
	ensureNotificationsTable()
}

// ensureEscrowTables creates escrow_transactions and milestones if missing
func ensureEscrowTables() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS escrow_transactions (
            id UUID PRIMARY KEY,
            booking_ref TEXT NOT NULL,
            payer_id UUID NOT NULL,
            payee_id UUID NOT NULL,
            amount BIGINT NOT NULL CHECK (amount > 0),
            currency TEXT NOT NULL,
            tier INTEGER NOT NULL CHECK (tier BETWEEN 1 AND 4),
            state TEXT NOT NULL DEFAULT 'held' CHECK (state IN (
                'held', 'checked_in', 'awaiting_confirmation', 'released', 'disputed', 'refunded'
            )),
            frozen BOOLEAN NOT NULL DEFAULT FALSE,
            version BIGINT NOT NULL DEFAULT 1,
            target_lat DOUBLE PRECISION NOT NULL DEFAULT 0,
            target_lng DOUBLE PRECISION NOT NULL DEFAULT 0,
            geo_radius_m DOUBLE PRECISION NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            checked_in_at TIMESTAMP WITH TIME ZONE NULL,
            confirmed_at TIMESTAMP WITH TIME ZONE NULL,
            released_at TIMESTAMP WITH TIME ZONE NULL,
            dispute_deadline TIMESTAMP WITH TIME ZONE NULL
        );
        CREATE INDEX IF NOT EXISTS idx_escrow_tx_state ON escrow_transactions(state);
        CREATE INDEX IF NOT EXISTS idx_escrow_tx_booking ON escrow_transactions(booking_ref);

        CREATE TABLE IF NOT EXISTS milestones (
            transaction_id UUID NOT NULL REFERENCES escrow_transactions(id) ON DELETE CASCADE,
            phase INTEGER NOT NULL CHECK (phase >= 1),
            label TEXT NOT NULL,
            percent INTEGER NOT NULL CHECK (percent BETWEEN 0 AND 100),
            amount BIGINT NOT NULL CHECK (amount >= 0),
            state TEXT NOT NULL DEFAULT 'pending' CHECK (state IN ('pending','released')),
            released_at TIMESTAMP WITH TIME ZONE NULL,
            PRIMARY KEY (transaction_id, phase)
        );
    `)
	if err != nil {
		log.Printf("failed to create escrow tables: %v", err)
	}
}

// ensureCheckinsTable creates checkins if not present
func ensureCheckinsTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS checkins (
            id UUID PRIMARY KEY,
            transaction_id UUID NOT NULL REFERENCES escrow_transactions(id) ON DELETE CASCADE,
            code_hash TEXT NOT NULL,
            issued_at TIMESTAMP WITH TIME ZONE NOT NULL,
            expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
            consumed BOOLEAN NOT NULL DEFAULT FALSE,
            verified_at TIMESTAMP WITH TIME ZONE NULL
        );
        CREATE INDEX IF NOT EXISTS idx_checkins_tx ON checkins(transaction_id);
        CREATE INDEX IF NOT EXISTS idx_checkins_tx_active ON checkins(transaction_id) WHERE NOT consumed;
    `)
	if err != nil {
		log.Printf("failed to create checkins table: %v", err)
	}
}

// ensureSOSAlertsTable creates sos_alerts if not present
func ensureSOSAlertsTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS sos_alerts (
            id UUID PRIMARY KEY,
            transaction_id UUID NOT NULL REFERENCES escrow_transactions(id) ON DELETE CASCADE,
            triggered_by TEXT NOT NULL CHECK (triggered_by IN ('client','provider')),
            reason TEXT NOT NULL,
            lat DOUBLE PRECISION NOT NULL,
            lng DOUBLE PRECISION NOT NULL,
            status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','responding','resolved')),
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            resolved_at TIMESTAMP WITH TIME ZONE NULL,
            resolution TEXT NULL
        );
        CREATE INDEX IF NOT EXISTS idx_sos_tx ON sos_alerts(transaction_id);
        CREATE INDEX IF NOT EXISTS idx_sos_status ON sos_alerts(status);
    `)
	if err != nil {
		log.Printf("failed to create sos_alerts table: %v", err)
	}
}

// ensureDisputeCasesTable creates dispute_cases if not present
func ensureDisputeCasesTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS dispute_cases (
            id UUID PRIMARY KEY,
            transaction_id UUID NOT NULL REFERENCES escrow_transactions(id) ON DELETE CASCADE,
            reason TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open','resolved')),
            resolution TEXT NULL CHECK (resolution IN ('refund','release') OR resolution IS NULL),
            opened_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            resolved_at TIMESTAMP WITH TIME ZONE NULL
        );
        CREATE INDEX IF NOT EXISTS idx_dispute_tx ON dispute_cases(transaction_id);
        CREATE INDEX IF NOT EXISTS idx_dispute_status ON dispute_cases(status);
    `)
	if err != nil {
		log.Printf("failed to create dispute_cases table: %v", err)
	}
}

// ensureScheduledJobsTable creates scheduled_jobs if not present
func ensureScheduledJobsTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS scheduled_jobs (
            id UUID PRIMARY KEY,
            transaction_id UUID NOT NULL REFERENCES escrow_transactions(id) ON DELETE CASCADE,
            tx_version BIGINT NOT NULL,
            kind TEXT NOT NULL DEFAULT 'auto_release',
            run_at TIMESTAMP WITH TIME ZONE NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','void','done')),
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
        );
        CREATE INDEX IF NOT EXISTS idx_jobs_due ON scheduled_jobs(run_at) WHERE status = 'pending';
        CREATE INDEX IF NOT EXISTS idx_jobs_tx ON scheduled_jobs(transaction_id);
    `)
	if err != nil {
		log.Printf("failed to create scheduled_jobs table: %v", err)
	}
}

// ensureNotificationsTable creates notifications table if it doesn't exist
func ensureNotificationsTable() {
	ctx := context.Background()
	_, err := Conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS notifications (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            user_id UUID NOT NULL,
            type TEXT NOT NULL,
            title TEXT NOT NULL,
            body TEXT,
            reference UUID NULL,
            metadata JSONB NULL,
            created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
            read_at TIMESTAMP WITH TIME ZONE NULL
        );
        CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON notifications(user_id, created_at);
        CREATE INDEX IF NOT EXISTS idx_notifications_user_unread ON notifications(user_id) WHERE read_at IS NULL;
    `)
	if err != nil {
		log.Printf("failed to create notifications table: %v", err)
	}
}
