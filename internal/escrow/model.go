package escrow

import "time"

// Transaction states. Happy path runs held -> checked_in ->
// awaiting_confirmation -> released; disputed branches from
// awaiting_confirmation, refunded from held or disputed. Frozen is an
// overlay flag, not a state.
const (
	StateHeld         = "held"
	StateCheckedIn    = "checked_in"
	StateAwaiting     = "awaiting_confirmation"
	StateReleased     = "released"
	StateDisputed     = "disputed"
	StateRefunded     = "refunded"
)

// Milestone states
const (
	MilestonePending  = "pending"
	MilestoneReleased = "released"
)

// DisputeWindow is how long the client has to contest after the provider
// marks the service complete.
const DisputeWindow = 48 * time.Hour

// Transaction is an escrow transaction held by the platform on behalf of a
// booking. Amounts are integer minor units.
type Transaction struct {
	ID              string     `json:"id"`
	BookingRef      string     `json:"booking_ref"`
	PayerID         string     `json:"payer_id"`
	PayeeID         string     `json:"payee_id"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Tier            int        `json:"tier"`
	State           string     `json:"state"`
	Frozen          bool       `json:"frozen"`
	Version         int64      `json:"version"`
	TargetLat       float64    `json:"target_lat"`
	TargetLng       float64    `json:"target_lng"`
	GeoRadiusM      *float64   `json:"geo_radius_m,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CheckedInAt     *time.Time `json:"checked_in_at,omitempty"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
	DisputeDeadline *time.Time `json:"dispute_deadline,omitempty"`
}

// Terminal reports whether no further transitions are possible.
func (t *Transaction) Terminal() bool {
	return t.State == StateReleased || t.State == StateRefunded
}

// Milestone is one phase of a transaction's release plan.
type Milestone struct {
	TransactionID string     `json:"transaction_id"`
	Phase         int        `json:"phase"`
	Label         string     `json:"label"`
	Percent       int        `json:"percent"`
	Amount        int64      `json:"amount"`
	State         string     `json:"state"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
}

// DisputeCase records a client contest of a pending release.
type DisputeCase struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	Reason        string     `json:"reason"`
	Status        string     `json:"status"` // open, resolved
	Resolution    string     `json:"resolution,omitempty"` // refund, release
	OpenedAt      time.Time  `json:"opened_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}
