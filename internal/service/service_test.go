package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"tawarin/backend/internal/domain"
	"tawarin/backend/internal/engine"
	"tawarin/backend/internal/store"
	"tawarin/backend/internal/store/memory"
)

// newTestService wires the seeded in-memory store to a fixed-seed engine so
// flows are reproducible. The seeded catalog includes SKU-SEPEDA-01 (base
// 2450000, floor 2050000, 4 rounds) and SKU-HELM-01 (base 320000, floor
// 265000, 3 rounds).
func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	eng := engine.New(0.65, 0.15, 0.25, 42)
	return New(repo, eng, nil, 0, 0, nil), repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func TestStartOrContinueAcceptsGoodOffer(t *testing.T) {
	svc, _ := newTestService(t)

	// 2100000 clears both the sepeda floor (2050000, also the minimum
	// acceptable here) and the 1990625 target, so the engine accepts.
	resp, err := svc.StartOrContinue(context.Background(), domain.OfferRequest{
		SKU:        "SKU-SEPEDA-01",
		CustomerID: "cust-accept",
		OfferCents: 2100000,
	})
	if err != nil {
		t.Fatalf("offer: %v", err)
	}

	if resp.Action != domain.ActionAccept {
		t.Fatalf("expected accept, got %s (%s)", resp.Action, resp.Reasoning)
	}
	if resp.Status != domain.StatusAccepted {
		t.Fatalf("expected accepted status, got %s", resp.Status)
	}
	if resp.DiscountToken == "" {
		t.Fatalf("expected discount token on engine accept")
	}
	if resp.AcceptedPriceCents == nil || *resp.AcceptedPriceCents != 2100000 {
		t.Fatalf("expected accepted price 2100000, got %v", resp.AcceptedPriceCents)
	}

	session, err := svc.GetSession(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Summary == nil || session.Summary.ConversionSource != domain.ConversionEngineAccept {
		t.Fatalf("expected engine_accept summary, got %+v", session.Summary)
	}
}

func TestStartOrContinueValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.StartOrContinue(ctx, domain.OfferRequest{CustomerID: "c", OfferCents: 1000})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("missing sku: expected ErrInvalidInput, got %v", err)
	}

	_, err = svc.StartOrContinue(ctx, domain.OfferRequest{SKU: "SKU-HELM-01", CustomerID: "c", OfferCents: 0})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("zero offer: expected ErrInvalidInput, got %v", err)
	}

	_, err = svc.StartOrContinue(ctx, domain.OfferRequest{SKU: "SKU-HELM-01", CustomerID: "c", OfferCents: 1000, CustomerSegment: "wholesale"})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("bad segment: expected ErrInvalidInput, got %v", err)
	}

	_, err = svc.StartOrContinue(ctx, domain.OfferRequest{SKU: "SKU-UNKNOWN", CustomerID: "c", OfferCents: 1000})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown sku: expected ErrNotFound, got %v", err)
	}
}

func TestStartOrContinueResumesActiveSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// 200000 is below the helm minimum (265000) but not a lowball, so the
	// session stays active on a counter.
	first, err := svc.StartOrContinue(ctx, domain.OfferRequest{SKU: "SKU-HELM-01", CustomerID: "cust-resume", OfferCents: 200000})
	if err != nil {
		t.Fatalf("first offer: %v", err)
	}
	if first.Status != domain.StatusActive || first.RoundNumber != 1 {
		t.Fatalf("expected active round 1, got %s round %d", first.Status, first.RoundNumber)
	}

	// Same customer and sku without a session ID resumes, not restarts.
	second, err := svc.StartOrContinue(ctx, domain.OfferRequest{SKU: "SKU-HELM-01", CustomerID: "cust-resume", OfferCents: 210000})
	if err != nil {
		t.Fatalf("second offer: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("expected resumed session %s, got %s", first.SessionID, second.SessionID)
	}
	if second.RoundNumber != 2 {
		t.Fatalf("expected round 2, got %d", second.RoundNumber)
	}
}

func TestRoundLimitExhaustion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var sessionID string
	var lastStatus domain.SessionStatus
	for round := 1; round <= 3; round++ {
		resp, err := svc.StartOrContinue(ctx, domain.OfferRequest{
			SessionID:  sessionID,
			SKU:        "SKU-HELM-01",
			CustomerID: "cust-stubborn",
			OfferCents: 200000,
		})
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		sessionID = resp.SessionID
		lastStatus = resp.Status
		if resp.RoundNumber != round {
			t.Fatalf("expected round %d, got %d", round, resp.RoundNumber)
		}
	}

	if lastStatus != domain.StatusRejected {
		t.Fatalf("expected rejected after exhausting 3 rounds, got %s", lastStatus)
	}

	_, err := svc.StartOrContinue(ctx, domain.OfferRequest{
		SessionID:  sessionID,
		SKU:        "SKU-HELM-01",
		CustomerID: "cust-stubborn",
		OfferCents: 250000,
	})
	if !errors.Is(err, store.ErrRoundLimitExceeded) {
		t.Fatalf("expected ErrRoundLimitExceeded, got %v", err)
	}
}

func TestCustomerAcceptAndRedeem(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	offer, err := svc.StartOrContinue(ctx, domain.OfferRequest{SKU: "SKU-HELM-01", CustomerID: "cust-deal", OfferCents: 200000})
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if offer.CounterPriceCents == nil {
		t.Fatalf("expected a counter, got %+v", offer)
	}

	accepted, err := svc.Accept(ctx, offer.SessionID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.FinalPriceCents != *offer.CounterPriceCents {
		t.Fatalf("expected final price %d, got %d", *offer.CounterPriceCents, accepted.FinalPriceCents)
	}
	if accepted.DiscountToken == "" {
		t.Fatalf("expected discount token")
	}

	session, err := svc.GetSession(ctx, offer.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.Status != domain.StatusAccepted {
		t.Fatalf("expected accepted, got %s", session.Status)
	}
	if session.Summary == nil || session.Summary.ConversionSource != domain.ConversionCustomerAccept {
		t.Fatalf("expected customer_accept summary, got %+v", session.Summary)
	}

	redeemed, err := svc.RedeemToken(ctx, accepted.DiscountToken)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if redeemed.FinalPriceCents != accepted.FinalPriceCents {
		t.Fatalf("redeem price mismatch: %d vs %d", redeemed.FinalPriceCents, accepted.FinalPriceCents)
	}

	_, err = svc.RedeemToken(ctx, accepted.DiscountToken)
	if !errors.Is(err, store.ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed on second redeem, got %v", err)
	}
}

func TestAcceptOnTerminalSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	resp, err := svc.StartOrContinue(ctx, domain.OfferRequest{SKU: "SKU-SEPEDA-01", CustomerID: "cust-done", OfferCents: 2200000})
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if resp.Status != domain.StatusAccepted {
		t.Fatalf("expected engine accept, got %s", resp.Status)
	}

	_, err = svc.Accept(ctx, resp.SessionID)
	if !errors.Is(err, store.ErrSessionTerminal) {
		t.Fatalf("expected ErrSessionTerminal, got %v", err)
	}
}

func TestContinueExpiredSession(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	session := domain.NegotiationSession{
		ID:              "sess-expired",
		SKU:             "SKU-HELM-01",
		CustomerID:      "cust-late",
		CustomerSegment: domain.SegmentDefault,
		Quantity:        1,
		BasePriceCents:  320000,
		FloorPriceCents: 265000,
		MaxRounds:       3,
		Status:          domain.StatusActive,
		ExpiresAt:       now.Add(-time.Minute),
		CreatedAt:       now.Add(-time.Hour),
		UpdatedAt:       now.Add(-time.Hour),
	}
	if _, err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	_, err := svc.StartOrContinue(ctx, domain.OfferRequest{
		SessionID:  "sess-expired",
		SKU:        "SKU-HELM-01",
		CustomerID: "cust-late",
		OfferCents: 280000,
	})
	if !errors.Is(err, store.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	got, err := repo.GetSession(ctx, "sess-expired")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != domain.StatusExpired {
		t.Fatalf("expected session lazily expired, got %s", got.Status)
	}
}

func TestSegmentFloorTightensSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// The sepeda policy caps new-customer discounts at 10%, raising the
	// session floor to 2205000 above the global 2050000.
	resp, err := svc.StartOrContinue(ctx, domain.OfferRequest{
		SKU:             "SKU-SEPEDA-01",
		CustomerID:      "cust-new",
		CustomerSegment: domain.SegmentNew,
		OfferCents:      2100000,
	})
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	if resp.Action == domain.ActionAccept {
		t.Fatalf("offer below the segment floor must not be accepted outright")
	}
	if resp.CounterPriceCents != nil && *resp.CounterPriceCents < 2205000 {
		t.Fatalf("counter %d undercuts segment floor 2205000", *resp.CounterPriceCents)
	}

	session, err := svc.GetSession(ctx, resp.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.FloorPriceCents != 2205000 {
		t.Fatalf("expected snapshotted segment floor 2205000, got %d", session.FloorPriceCents)
	}
}

func TestDisabledPolicyBlocksNewSessions(t *testing.T) {
	svc, _ := newTestService(t)

	disabled := false
	_, err := svc.UpsertPolicy(adminCtx(), domain.PolicyUpsertRequest{
		SKU:             "SKU-OFF-01",
		ProductName:     "Disabled Product",
		BasePriceCents:  100000,
		FloorPriceCents: 80000,
		MaxRounds:       3,
		Enabled:         &disabled,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	_, err = svc.StartOrContinue(context.Background(), domain.OfferRequest{SKU: "SKU-OFF-01", CustomerID: "c", OfferCents: 90000})
	if !errors.Is(err, store.ErrPolicyDisabled) {
		t.Fatalf("expected ErrPolicyDisabled, got %v", err)
	}
}

func TestUpsertPolicyRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)

	req := domain.PolicyUpsertRequest{
		SKU:             "SKU-NEW-01",
		ProductName:     "New Product",
		BasePriceCents:  100000,
		FloorPriceCents: 80000,
	}

	if _, err := svc.UpsertPolicy(context.Background(), req); err == nil {
		t.Fatalf("expected rejection without admin actor")
	}

	analystCtx := WithActor(context.Background(), domain.Actor{Username: "analyst", Role: "analyst"})
	if _, err := svc.UpsertPolicy(analystCtx, req); err == nil {
		t.Fatalf("expected rejection for analyst role")
	}

	saved, err := svc.UpsertPolicy(adminCtx(), req)
	if err != nil {
		t.Fatalf("admin upsert: %v", err)
	}
	if !saved.Enabled {
		t.Fatalf("expected enabled default true")
	}
	if saved.MaxRounds != 3 {
		t.Fatalf("expected max rounds default 3, got %d", saved.MaxRounds)
	}
}

func TestUpsertPolicyClampsRounds(t *testing.T) {
	svc, _ := newTestService(t)

	saved, err := svc.UpsertPolicy(adminCtx(), domain.PolicyUpsertRequest{
		SKU:             "SKU-ROUNDS-01",
		ProductName:     "Rounds Product",
		BasePriceCents:  100000,
		FloorPriceCents: 80000,
		MaxRounds:       12,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if saved.MaxRounds != 5 {
		t.Fatalf("expected max rounds clamped to 5, got %d", saved.MaxRounds)
	}
}

func TestAuditTrailWritten(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.StartOrContinue(ctx, domain.OfferRequest{SKU: "SKU-HELM-01", CustomerID: "cust-audit", OfferCents: 280000}); err != nil {
		t.Fatalf("offer: %v", err)
	}

	logs, err := svc.ListAuditLogs(ctx, time.Now().UTC().Add(-time.Minute), time.Now().UTC().Add(time.Minute), 50)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}

	actions := map[string]bool{}
	for _, entry := range logs {
		actions[entry.Action] = true
	}
	if !actions["session_start"] || !actions["session_round"] {
		t.Fatalf("expected session_start and session_round audit entries, got %v", actions)
	}
}
