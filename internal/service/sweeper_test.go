package service

import (
	"context"
	"testing"
	"time"

	"tawarin/backend/internal/domain"
	"tawarin/backend/internal/store/memory"
)

func seedSweepSession(t *testing.T, repo *memory.Store, id string, customerID string, expiresAt time.Time, updatedAt time.Time) {
	t.Helper()
	now := time.Now().UTC()
	_, err := repo.CreateSession(context.Background(), domain.NegotiationSession{
		ID:              id,
		SKU:             "SKU-HELM-01",
		CustomerID:      customerID,
		CustomerSegment: domain.SegmentDefault,
		Quantity:        1,
		BasePriceCents:  320000,
		FloorPriceCents: 265000,
		MaxRounds:       3,
		Status:          domain.StatusActive,
		ExpiresAt:       expiresAt,
		CreatedAt:       now.Add(-time.Hour),
		UpdatedAt:       updatedAt,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestSweepExpiresAndAbandons(t *testing.T) {
	svc, repo := newTestService(t)
	now := time.Now().UTC()

	// Past its TTL: should expire.
	seedSweepSession(t, repo, "sess-overdue", "cust-a", now.Add(-time.Minute), now.Add(-time.Minute))
	// Inside its TTL but idle for 20 minutes: should abandon.
	seedSweepSession(t, repo, "sess-idle", "cust-b", now.Add(time.Hour), now.Add(-20*time.Minute))
	// Fresh and active: untouched.
	seedSweepSession(t, repo, "sess-fresh", "cust-c", now.Add(time.Hour), now)

	stats, err := svc.Sweep(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Expired != 1 || stats.Abandoned != 1 || stats.Skipped != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	checks := map[string]domain.SessionStatus{
		"sess-overdue": domain.StatusExpired,
		"sess-idle":    domain.StatusAbandoned,
		"sess-fresh":   domain.StatusActive,
	}
	for id, want := range checks {
		got, err := repo.GetSession(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Status != want {
			t.Fatalf("%s: expected %s, got %s", id, want, got.Status)
		}
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	svc, repo := newTestService(t)
	now := time.Now().UTC()

	seedSweepSession(t, repo, "sess-once", "cust-a", now.Add(-time.Minute), now.Add(-time.Minute))

	first, err := svc.Sweep(context.Background(), 0)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if first.Expired != 1 {
		t.Fatalf("expected one expiry, got %+v", first)
	}

	second, err := svc.Sweep(context.Background(), 0)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second.Expired != 0 || second.Abandoned != 0 {
		t.Fatalf("second sweep must be a no-op, got %+v", second)
	}
}

func TestSweepSkipsAbandonWhenDisabled(t *testing.T) {
	svc, repo := newTestService(t)
	now := time.Now().UTC()

	seedSweepSession(t, repo, "sess-idle-only", "cust-a", now.Add(time.Hour), now.Add(-30*time.Minute))

	stats, err := svc.Sweep(context.Background(), 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Abandoned != 0 {
		t.Fatalf("abandon pass disabled, got %+v", stats)
	}

	got, _ := repo.GetSession(context.Background(), "sess-idle-only")
	if got.Status != domain.StatusActive {
		t.Fatalf("expected still active, got %s", got.Status)
	}
}
