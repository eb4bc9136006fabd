package milestone

import (
	"errors"
	"fmt"
)

// ErrInvalidSchedule is returned when a schedule's percents do not sum to 100.
var ErrInvalidSchedule = errors.New("milestone percents must sum to 100")

// ErrUnknownTier is returned for a tier with no release schedule. Caller
// input, not a server fault.
var ErrUnknownTier = errors.New("unknown tier")

// Phase is one step of a release plan before amounts are derived.
type Phase struct {
	Label   string
	Percent int
}

// Planned is a derived milestone with its exact amount in minor units.
type Planned struct {
	Phase   int    `json:"phase"`
	Label   string `json:"label"`
	Percent int    `json:"percent"`
	Amount  int64  `json:"amount"`
}

// commitmentPercent is the phase-1 share released on verified check-in,
// keyed by booking tier. Tiers 1-3 split into commitment + balance; tier 4
// uses the multi-phase schedule below.
var commitmentPercent = map[int]int{
	1: 10,
	2: 15,
	3: 20,
}

// tier4Schedule is the category schedule for large (tier 4) bookings.
var tier4Schedule = []Phase{
	{Label: "mobilization", Percent: 30},
	{Label: "midpoint", Percent: 30},
	{Label: "completion", Percent: 40},
}

// Plan derives the release schedule for a transaction. Tiers 1-3 always
// produce two milestones (commitment + balance) so the ledger's release
// logic is uniform; tier 4 follows its category schedule. The final
// milestone absorbs any rounding remainder so amounts always sum to total.
func Plan(total int64, tier int) ([]Planned, error) {
	if total <= 0 {
		return nil, fmt.Errorf("total amount must be positive, got %d", total)
	}

	var phases []Phase
	switch {
	case tier >= 1 && tier <= 3:
		cp := commitmentPercent[tier]
		phases = []Phase{
			{Label: "commitment", Percent: cp},
			{Label: "balance", Percent: 100 - cp},
		}
	case tier == 4:
		phases = tier4Schedule
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, tier)
	}

	return FromPhases(total, phases)
}

// FromPhases derives milestone amounts from an explicit phase list.
// Rejects a schedule whose percents do not sum to exactly 100.
func FromPhases(total int64, phases []Phase) ([]Planned, error) {
	sum := 0
	for _, p := range phases {
		if p.Percent < 0 || p.Percent > 100 {
			return nil, fmt.Errorf("%w: phase %q has percent %d", ErrInvalidSchedule, p.Label, p.Percent)
		}
		sum += p.Percent
	}
	if sum != 100 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidSchedule, sum)
	}

	planned := make([]Planned, len(phases))
	var allocated int64
	for i, p := range phases {
		amt := total * int64(p.Percent) / 100
		planned[i] = Planned{Phase: i + 1, Label: p.Label, Percent: p.Percent, Amount: amt}
		allocated += amt
	}
	// Remainder from integer division lands on the last phase.
	planned[len(planned)-1].Amount += total - allocated

	return planned, nil
}
