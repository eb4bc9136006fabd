package alerts

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

// ensureClient returns a usable client instance
func ensureClient() *asynq.Client {
	if client == nil {
		Init()
	}
	return client
}

// EnqueueCheckInCode delivers a fresh one-time code to the provider
func EnqueueCheckInCode(txID, providerID, code string, expiresAt time.Time) error {
	payload := CheckInCodePayload{TransactionID: txID, ProviderID: providerID, Code: code, ExpiresAt: expiresAt, SentAt: time.Now()}
	b, _ := json.Marshal(payload)
	task := asynq.NewTask(TaskCheckInCode, b)
	_, err := ensureClient().Enqueue(task, asynq.Queue("notices"))
	return err
}

// EnqueueAwaitingConfirmation tells the client the dispute window started
func EnqueueAwaitingConfirmation(txID, clientID string, deadline time.Time) error {
	payload := AwaitingConfirmPayload{TransactionID: txID, ClientID: clientID, Deadline: deadline, SentAt: time.Now()}
	b, _ := json.Marshal(payload)
	task := asynq.NewTask(TaskAwaitingConfirm, b)
	_, err := ensureClient().Enqueue(task, asynq.Queue("notices"))
	return err
}

// EnqueueReleased notifies the provider of a payout
func EnqueueReleased(txID, providerID string, amount int64) error {
	payload := ReleasedPayload{TransactionID: txID, ProviderID: providerID, Amount: amount, SentAt: time.Now()}
	b, _ := json.Marshal(payload)
	task := asynq.NewTask(TaskReleased, b)
	_, err := ensureClient().Enqueue(task, asynq.Queue("notices"))
	return err
}

// EnqueueRefunded notifies the client of a refund
func EnqueueRefunded(txID, clientID string, amount int64) error {
	payload := RefundedPayload{TransactionID: txID, ClientID: clientID, Amount: amount, SentAt: time.Now()}
	b, _ := json.Marshal(payload)
	task := asynq.NewTask(TaskRefunded, b)
	_, err := ensureClient().Enqueue(task, asynq.Queue("notices"))
	return err
}

// EnqueueDisputeOpened routes a new dispute to the operator channel
func EnqueueDisputeOpened(txID, disputeID, reason string) error {
	payload := DisputePayload{TransactionID: txID, DisputeID: disputeID, Detail: reason, SentAt: time.Now()}
	b, _ := json.Marshal(payload)
	task := asynq.NewTask(TaskDisputeOpened, b)
	_, err := ensureClient().Enqueue(task, asynq.Queue("notices"))
	return err
}

// EnqueueDisputeResolved records a resolution notice
func EnqueueDisputeResolved(txID, disputeID, resolution string) error {
	payload := DisputePayload{TransactionID: txID, DisputeID: disputeID, Detail: resolution, SentAt: time.Now()}
	b, _ := json.Marshal(payload)
	task := asynq.NewTask(TaskDisputeResolved, b)
	_, err := ensureClient().Enqueue(task, asynq.Queue("notices"))
	return err
}

// EnqueueSOSAlert pushes an emergency onto the critical queue
func EnqueueSOSAlert(alertID, txID, triggeredBy, reason string) error {
	payload := SOSAlertPayload{AlertID: alertID, TransactionID: txID, TriggeredBy: triggeredBy, Reason: reason, SentAt: time.Now()}
	b, _ := json.Marshal(payload)
	task := asynq.NewTask(TaskSOSAlert, b)
	_, err := ensureClient().Enqueue(task, asynq.Queue("critical"))
	return err
}
