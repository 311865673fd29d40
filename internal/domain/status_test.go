package domain

import "testing"

func TestSessionStatusTransitions(t *testing.T) {
	terminals := []SessionStatus{StatusAccepted, StatusRejected, StatusExpired, StatusAbandoned}

	for _, to := range terminals {
		if !CanTransition(StatusActive, to) {
			t.Fatalf("expected active -> %s to be allowed", to)
		}
	}

	for _, from := range terminals {
		for _, to := range append(terminals, StatusActive) {
			if CanTransition(from, to) {
				t.Fatalf("terminal %s must not transition to %s", from, to)
			}
		}
	}

	if CanTransition(StatusActive, StatusActive) {
		t.Fatalf("self transition must be rejected")
	}
}

func TestSessionStatusIsTerminal(t *testing.T) {
	if StatusActive.IsTerminal() {
		t.Fatalf("active must not be terminal")
	}
	for _, status := range []SessionStatus{StatusAccepted, StatusRejected, StatusExpired, StatusAbandoned} {
		if !status.IsTerminal() {
			t.Fatalf("%s must be terminal", status)
		}
	}
}

func TestEffectiveFloorCents(t *testing.T) {
	policy := PricingPolicy{
		BasePriceCents:  2450000,
		FloorPriceCents: 2050000,
		SegmentRules: []SegmentRule{
			{Segment: SegmentNew, MaxDiscountPct: 8},
			{Segment: SegmentVIP, MaxDiscountPct: 20},
		},
	}

	// New customers cap at 8% off base: 2254000, stricter than the floor.
	if got := policy.EffectiveFloorCents(SegmentNew); got != 2254000 {
		t.Fatalf("expected segment floor 2254000, got %d", got)
	}
	// VIP cap (1960000) is looser than the global floor, which wins.
	if got := policy.EffectiveFloorCents(SegmentVIP); got != 2050000 {
		t.Fatalf("expected global floor 2050000, got %d", got)
	}
	// Unknown segment falls back to the global floor.
	if got := policy.EffectiveFloorCents("wholesale"); got != 2050000 {
		t.Fatalf("expected global floor for unknown segment, got %d", got)
	}
}

func TestLastCounterCents(t *testing.T) {
	counter1 := int64(2300000)
	counter2 := int64(2200000)
	session := NegotiationSession{
		Rounds: []NegotiationRound{
			{RoundNumber: 1, EngineCounterCents: &counter1, Verdict: Verdict{Action: ActionCounter}},
			{RoundNumber: 2, EngineCounterCents: &counter2, Verdict: Verdict{Action: ActionCounterSoft}},
		},
	}

	got, ok := session.LastCounterCents()
	if !ok || got != 2200000 {
		t.Fatalf("expected latest counter 2200000, got %d ok=%t", got, ok)
	}

	empty := NegotiationSession{}
	if _, ok := empty.LastCounterCents(); ok {
		t.Fatalf("expected no counter on empty session")
	}
}

func TestFallbackPerksEnabledOrder(t *testing.T) {
	perks := FallbackPerks{FreeShipping: true, FreeGift: false, ExtendedWarranty: true}
	got := perks.Enabled()
	if len(got) != 2 || got[0] != PerkFreeShipping || got[1] != PerkExtendedWarranty {
		t.Fatalf("unexpected perk order %v", got)
	}
}
