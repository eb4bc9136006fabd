package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/hibiken/asynq"
)

var (
	client *asynq.Client
	server *asynq.Server
)

// Init starts the Asynq server and initializes a shared client.
func Init() {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		if host := os.Getenv("REDIS_HOST"); host != "" {
			port := os.Getenv("REDIS_PORT")
			if port == "" {
				port = "6379"
			}
			redisAddr = host + ":" + port
		} else {
			redisAddr = "127.0.0.1:6379"
		}
	}

	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client = asynq.NewClient(opts)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskCheckInCode, handleCheckInCode)
	mux.HandleFunc(TaskAwaitingConfirm, handleAwaitingConfirm)
	mux.HandleFunc(TaskReleased, handleReleased)
	mux.HandleFunc(TaskRefunded, handleRefunded)
	mux.HandleFunc(TaskDisputeOpened, handleDisputeOpened)
	mux.HandleFunc(TaskDisputeResolved, handleDisputeResolved)
	mux.HandleFunc(TaskSOSAlert, handleSOSAlert)

	server = asynq.NewServer(opts, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			"critical": 10, // sos alerts jump the line
			"notices":  5,
		},
	})
	go func() {
		if err := server.Run(mux); err != nil {
			log.Printf("Asynq server stopped: %v", err)
		}
	}()

	log.Printf("Asynq initialized (addr=%s)", redisAddr)
}

// Close releases client and stops server.
func Close() {
	if client != nil {
		_ = client.Close()
	}
	if server != nil {
		server.Shutdown()
	}
}

// Handlers below fan payloads out to in-app notifications and, for the
// operator channel, email.

func handleCheckInCode(_ context.Context, t *asynq.Task) error {
	var p CheckInCodePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	body := fmt.Sprintf("Your check-in code is %s. It expires at %s.", p.Code, p.ExpiresAt.Format("15:04"))
	ref := p.TransactionID
	if err := CreateNotification(p.ProviderID, "checkin:code", "Check-in code", body, &ref, nil); err != nil {
		log.Printf("[notify][ERROR] CheckInCode store failed: %v", err)
		return err
	}
	log.Printf("[notify] CheckInCode sent -> tx=%s provider=%s", p.TransactionID, p.ProviderID)
	return nil
}

func handleAwaitingConfirm(_ context.Context, t *asynq.Task) error {
	var p AwaitingConfirmPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	body := fmt.Sprintf("Service marked complete. Confirm or dispute before %s; funds release automatically after.", p.Deadline.Format("Jan 2 15:04"))
	ref := p.TransactionID
	if err := CreateNotification(p.ClientID, "escrow:awaiting", "Confirm your service", body, &ref, nil); err != nil {
		return err
	}
	log.Printf("[notify] AwaitingConfirmation sent -> tx=%s client=%s", p.TransactionID, p.ClientID)
	return nil
}

func handleReleased(_ context.Context, t *asynq.Task) error {
	var p ReleasedPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	body := fmt.Sprintf("Escrow released: %d minor units are on the way to your account.", p.Amount)
	ref := p.TransactionID
	if err := CreateNotification(p.ProviderID, "escrow:released", "Funds released", body, &ref, nil); err != nil {
		return err
	}
	log.Printf("[notify] Released sent -> tx=%s provider=%s", p.TransactionID, p.ProviderID)
	return nil
}

func handleRefunded(_ context.Context, t *asynq.Task) error {
	var p RefundedPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	body := fmt.Sprintf("Escrow refunded: %d minor units returned to your payment method.", p.Amount)
	ref := p.TransactionID
	if err := CreateNotification(p.ClientID, "escrow:refunded", "Refund issued", body, &ref, nil); err != nil {
		return err
	}
	log.Printf("[notify] Refunded sent -> tx=%s client=%s", p.TransactionID, p.ClientID)
	return nil
}

func handleDisputeOpened(_ context.Context, t *asynq.Task) error {
	var p DisputePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	if email := os.Getenv("OPERATOR_ALERT_EMAIL"); email != "" {
		subject := "Dispute opened: " + p.TransactionID
		if err := SendEmail(email, subject, p.Detail); err != nil {
			log.Printf("[notify][ERROR] DisputeOpened email failed: %v", err)
		}
	}
	log.Printf("[notify] DisputeOpened -> tx=%s dispute=%s", p.TransactionID, p.DisputeID)
	return nil
}

func handleDisputeResolved(_ context.Context, t *asynq.Task) error {
	var p DisputePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	log.Printf("[notify] DisputeResolved -> tx=%s dispute=%s resolution=%s", p.TransactionID, p.DisputeID, p.Detail)
	return nil
}

func handleSOSAlert(_ context.Context, t *asynq.Task) error {
	var p SOSAlertPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return err
	}
	email := os.Getenv("OPERATOR_ALERT_EMAIL")
	if email == "" {
		email = "safety@prosafe.local"
	}
	subject := fmt.Sprintf("SOS (%s): transaction %s", p.TriggeredBy, p.TransactionID)
	if err := SendEmail(email, subject, p.Reason); err != nil {
		log.Printf("[notify][ERROR] SOSAlert email failed: %v", err)
		return err
	}
	log.Printf("[notify] SOSAlert sent -> alert=%s tx=%s", p.AlertID, p.TransactionID)
	return nil
}
