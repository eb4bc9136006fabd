package alerts

import "time"

// Task type constants
const (
	TaskCheckInCode     = "notify:checkin_code"
	TaskAwaitingConfirm = "notify:awaiting_confirmation"
	TaskReleased        = "notify:released"
	TaskRefunded        = "notify:refunded"
	TaskDisputeOpened   = "notify:dispute_opened"
	TaskDisputeResolved = "notify:dispute_resolved"
	TaskSOSAlert        = "notify:sos_alert"
)

// CheckInCodePayload carries a freshly issued one-time code to the provider
type CheckInCodePayload struct {
	TransactionID string    `json:"transaction_id"`
	ProviderID    string    `json:"provider_id"`
	Code          string    `json:"code"`
	ExpiresAt     time.Time `json:"expires_at"`
	SentAt        time.Time `json:"sent_at"`
}

// AwaitingConfirmPayload tells the client the 48h window has started
type AwaitingConfirmPayload struct {
	TransactionID string    `json:"transaction_id"`
	ClientID      string    `json:"client_id"`
	Deadline      time.Time `json:"deadline"`
	SentAt        time.Time `json:"sent_at"`
}

// ReleasedPayload tells the provider funds have moved
type ReleasedPayload struct {
	TransactionID string    `json:"transaction_id"`
	ProviderID    string    `json:"provider_id"`
	Amount        int64     `json:"amount"`
	SentAt        time.Time `json:"sent_at"`
}

// RefundedPayload tells the client held funds came back
type RefundedPayload struct {
	TransactionID string    `json:"transaction_id"`
	ClientID      string    `json:"client_id"`
	Amount        int64     `json:"amount"`
	SentAt        time.Time `json:"sent_at"`
}

// DisputePayload covers dispute opened/resolved notices
type DisputePayload struct {
	TransactionID string    `json:"transaction_id"`
	DisputeID     string    `json:"dispute_id"`
	Detail        string    `json:"detail"` // reason on open, resolution on close
	SentAt        time.Time `json:"sent_at"`
}

// SOSAlertPayload routes an emergency to the operator channel
type SOSAlertPayload struct {
	AlertID       string    `json:"alert_id"`
	TransactionID string    `json:"transaction_id"`
	TriggeredBy   string    `json:"triggered_by"`
	Reason        string    `json:"reason"`
	SentAt        time.Time `json:"sent_at"`
}
