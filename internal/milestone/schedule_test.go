package milestone

import (
	"errors"
	"testing"
)

func TestPlanSumsToTotalAcrossTiers(t *testing.T) {
	totals := []int64{1, 3, 99, 100, 101, 999, 1000000, 7777777}
	for tier := 1; tier <= 4; tier++ {
		for _, total := range totals {
			planned, err := Plan(total, tier)
			if err != nil {
				t.Fatalf("tier %d total %d: %v", tier, total, err)
			}
			var sum int64
			for _, m := range planned {
				sum += m.Amount
			}
			if sum != total {
				t.Fatalf("tier %d total %d: milestone amounts sum to %d", tier, total, sum)
			}
		}
	}
}

func TestPlanTierShapes(t *testing.T) {
	planned, err := Plan(10000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(planned) != 2 {
		t.Fatalf("expected 2 milestones for tier 2, got %d", len(planned))
	}
	if planned[0].Label != "commitment" || planned[0].Percent != 15 {
		t.Fatalf("unexpected commitment phase: %+v", planned[0])
	}
	if planned[0].Amount != 1500 || planned[1].Amount != 8500 {
		t.Fatalf("unexpected amounts: %d / %d", planned[0].Amount, planned[1].Amount)
	}
	if planned[0].Phase != 1 || planned[1].Phase != 2 {
		t.Fatalf("phases must be 1-based and ordered: %+v", planned)
	}
}

func TestPlanTier4Schedule(t *testing.T) {
	planned, err := Plan(1000000, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{300000, 300000, 400000}
	if len(planned) != len(want) {
		t.Fatalf("expected %d milestones, got %d", len(want), len(planned))
	}
	for i, w := range want {
		if planned[i].Amount != w {
			t.Fatalf("phase %d: expected %d, got %d", i+1, w, planned[i].Amount)
		}
	}
}

func TestFromPhasesRemainderGoesToFinal(t *testing.T) {
	// With total=101 the floor division leaves a remainder for the last phase.
	planned, err := FromPhases(101, []Phase{
		{Label: "a", Percent: 33},
		{Label: "b", Percent: 33},
		{Label: "c", Percent: 34},
	})
	if err != nil {
		t.Fatal(err)
	}
	if planned[0].Amount != 33 || planned[1].Amount != 33 || planned[2].Amount != 35 {
		t.Fatalf("unexpected amounts: %+v", planned)
	}
}

func TestFromPhasesRejectsBadPercents(t *testing.T) {
	_, err := FromPhases(1000, []Phase{
		{Label: "a", Percent: 50},
		{Label: "b", Percent: 40},
	})
	if !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("expected ErrInvalidSchedule, got %v", err)
	}
}

func TestPlanRejectsUnknownTier(t *testing.T) {
	if _, err := Plan(1000, 5); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("tier 5 err = %v, want ErrUnknownTier", err)
	}
	if _, err := Plan(1000, 0); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("tier 0 err = %v, want ErrUnknownTier", err)
	}
}
