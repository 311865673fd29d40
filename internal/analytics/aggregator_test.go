package analytics

import (
	"context"
	"reflect"
	"testing"
	"time"

	"tawarin/backend/internal/domain"
	"tawarin/backend/internal/store/memory"
)

var testDay = time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)

func seedDaySessions(t *testing.T, repo *memory.Store) {
	t.Helper()
	ctx := context.Background()

	finalPrice := int64(2300000)
	sessions := []domain.NegotiationSession{
		{
			ID: "agg-sess-1", SKU: "SKU-A", CustomerID: "c1", CustomerSegment: domain.SegmentReturning,
			Quantity: 1, BasePriceCents: 2450000, FloorPriceCents: 2050000, MaxRounds: 4,
			Status: domain.StatusAccepted, CurrentRound: 2, FinalPriceCents: &finalPrice,
			FinalPerks: []string{domain.PerkFreeShipping},
			Summary: &domain.AnalyticsSummary{
				RoundsUsed: 2, DiscountPct: 6.12, MarginImpactCents: 707500, TimeToDecisionSeconds: 120,
				ConversionSource: domain.ConversionCustomerAccept,
			},
			ExpiresAt: testDay.Add(10 * time.Hour), CreatedAt: testDay.Add(9 * time.Hour), UpdatedAt: testDay.Add(10 * time.Hour),
		},
		{
			ID: "agg-sess-2", SKU: "SKU-A", CustomerID: "c2", CustomerSegment: domain.SegmentNew,
			Quantity: 1, BasePriceCents: 2450000, FloorPriceCents: 2205000, MaxRounds: 3,
			Status: domain.StatusRejected, CurrentRound: 3,
			ExpiresAt: testDay.Add(11 * time.Hour), CreatedAt: testDay.Add(10 * time.Hour), UpdatedAt: testDay.Add(11 * time.Hour),
		},
		{
			ID: "agg-sess-3", SKU: "SKU-A", CustomerID: "c3", CustomerSegment: domain.SegmentNew,
			Quantity: 1, BasePriceCents: 2450000, FloorPriceCents: 2205000, MaxRounds: 3,
			Status: domain.StatusExpired, CurrentRound: 1, FraudFlags: []string{"rapid_fire_offers"},
			ExpiresAt: testDay.Add(12 * time.Hour), CreatedAt: testDay.Add(11 * time.Hour), UpdatedAt: testDay.Add(12 * time.Hour),
		},
		{
			ID: "agg-sess-4", SKU: "SKU-A", CustomerID: "c4", CustomerSegment: domain.SegmentDefault,
			Quantity: 1, BasePriceCents: 2450000, FloorPriceCents: 2050000, MaxRounds: 4,
			Status: domain.StatusAbandoned, CurrentRound: 1,
			Summary:   &domain.AnalyticsSummary{RoundsUsed: 1, AbandonedAtRound: 1},
			ExpiresAt: testDay.Add(13 * time.Hour), CreatedAt: testDay.Add(12 * time.Hour), UpdatedAt: testDay.Add(13 * time.Hour),
		},
		{
			ID: "agg-sess-5", SKU: "SKU-B", CustomerID: "c5", CustomerSegment: domain.SegmentVIP,
			Quantity: 1, BasePriceCents: 320000, FloorPriceCents: 265000, MaxRounds: 3,
			Status: domain.StatusAccepted, CurrentRound: 1, FinalPriceCents: &finalPrice,
			FinalPerks: []string{domain.PerkFreeGift, domain.PerkFreeShipping},
			Summary: &domain.AnalyticsSummary{
				RoundsUsed: 1, DiscountPct: 5, MarginImpactCents: 10000, TimeToDecisionSeconds: 60,
				ConversionSource: domain.ConversionEngineAccept,
			},
			ExpiresAt: testDay.Add(14 * time.Hour), CreatedAt: testDay.Add(13 * time.Hour), UpdatedAt: testDay.Add(14 * time.Hour),
		},
		// Outside the day: must not be counted.
		{
			ID: "agg-sess-6", SKU: "SKU-A", CustomerID: "c6", CustomerSegment: domain.SegmentDefault,
			Quantity: 1, BasePriceCents: 2450000, FloorPriceCents: 2050000, MaxRounds: 4,
			Status: domain.StatusRejected, CurrentRound: 2,
			ExpiresAt: testDay.Add(25 * time.Hour), CreatedAt: testDay.Add(24 * time.Hour), UpdatedAt: testDay.Add(25 * time.Hour),
		},
	}

	for _, sess := range sessions {
		if _, err := repo.CreateSession(ctx, sess); err != nil {
			t.Fatalf("seed %s: %v", sess.ID, err)
		}
	}
}

func TestAggregateDay(t *testing.T) {
	repo := memory.NewSeeded()
	seedDaySessions(t, repo)
	agg := New(repo)

	aggs, err := agg.AggregateDay(context.Background(), testDay.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(aggs) != 2 {
		t.Fatalf("expected 2 sku aggregates, got %d", len(aggs))
	}

	skuA := aggs[0]
	if skuA.SKU != "SKU-A" {
		t.Fatalf("expected SKU-A first, got %s", skuA.SKU)
	}
	if skuA.ID != "agg-2026-08-27-SKU-A" {
		t.Fatalf("unexpected aggregate id %s", skuA.ID)
	}
	if skuA.TotalSessions != 4 || skuA.AcceptedCount != 1 || skuA.RejectedCount != 1 || skuA.ExpiredCount != 1 || skuA.AbandonedCount != 1 {
		t.Fatalf("unexpected counts %+v", skuA)
	}
	if skuA.ConversionRate != 0.25 {
		t.Fatalf("expected conversion 0.25, got %v", skuA.ConversionRate)
	}
	if skuA.AvgRounds != 1.75 {
		t.Fatalf("expected avg rounds 1.75, got %v", skuA.AvgRounds)
	}
	if skuA.AvgDiscountPct != 6.12 || skuA.AvgMarginImpactCents != 707500 || skuA.AvgTimeToDecisionSeconds != 120 {
		t.Fatalf("unexpected accepted averages %+v", skuA)
	}
	if skuA.RoundsHistogram != (domain.RoundsHistogram{One: 2, Two: 1, Three: 1}) {
		t.Fatalf("unexpected histogram %+v", skuA.RoundsHistogram)
	}
	if skuA.FraudFlagCount != 1 {
		t.Fatalf("expected one fraud flag, got %d", skuA.FraudFlagCount)
	}

	if len(skuA.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %v", skuA.Segments)
	}
	// Sorted by segment name: default, new, returning.
	if skuA.Segments[0].Segment != domain.SegmentDefault || skuA.Segments[1].Segment != domain.SegmentNew || skuA.Segments[2].Segment != domain.SegmentReturning {
		t.Fatalf("unexpected segment order %v", skuA.Segments)
	}
	returning := skuA.Segments[2]
	if returning.Sessions != 1 || returning.Accepted != 1 || returning.ConversionRate != 1 {
		t.Fatalf("unexpected returning breakdown %+v", returning)
	}

	if len(skuA.PerkUsage) != 1 || skuA.PerkUsage[0].Perk != domain.PerkFreeShipping || skuA.PerkUsage[0].Count != 1 {
		t.Fatalf("unexpected perk usage %v", skuA.PerkUsage)
	}

	skuB := aggs[1]
	if skuB.SKU != "SKU-B" || skuB.TotalSessions != 1 || skuB.AcceptedCount != 1 || skuB.ConversionRate != 1 {
		t.Fatalf("unexpected SKU-B aggregate %+v", skuB)
	}
	if len(skuB.PerkUsage) != 2 {
		t.Fatalf("expected 2 perks for SKU-B, got %v", skuB.PerkUsage)
	}
}

func TestAggregateDayIdempotent(t *testing.T) {
	repo := memory.NewSeeded()
	seedDaySessions(t, repo)
	agg := New(repo)
	ctx := context.Background()

	first, err := agg.AggregateDay(ctx, testDay)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := agg.AggregateDay(ctx, testDay)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("aggregation not idempotent:\nfirst:  %+v\nsecond: %+v", first, second)
	}

	stored, err := agg.ListRange(ctx, "2026-08-27", "2026-08-27", "")
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if !reflect.DeepEqual(stored, second) {
		t.Fatalf("stored aggregates differ from computed ones")
	}
}

func TestListRangeFilters(t *testing.T) {
	repo := memory.NewSeeded()
	seedDaySessions(t, repo)
	agg := New(repo)
	ctx := context.Background()

	if _, err := agg.AggregateDay(ctx, testDay); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	onlyB, err := agg.ListRange(ctx, "", "", "SKU-B")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(onlyB) != 1 || onlyB[0].SKU != "SKU-B" {
		t.Fatalf("expected only SKU-B, got %v", onlyB)
	}

	none, err := agg.ListRange(ctx, "2026-08-28", "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no aggregates after the day, got %v", none)
	}
}

func TestExportRows(t *testing.T) {
	repo := memory.NewSeeded()
	seedDaySessions(t, repo)
	agg := New(repo)

	aggs, err := agg.AggregateDay(context.Background(), testDay)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	rows := ExportRows(aggs)
	if len(rows) != len(aggs)+1 {
		t.Fatalf("expected %d rows, got %d", len(aggs)+1, len(rows))
	}
	header := rows[0]
	if header[0] != "date" || len(header) != 17 {
		t.Fatalf("unexpected header %v", header)
	}
	for i, row := range rows[1:] {
		if len(row) != len(header) {
			t.Fatalf("row %d width %d != header width %d", i, len(row), len(header))
		}
	}
	if rows[1][0] != "2026-08-27" || rows[1][1] != "SKU-A" {
		t.Fatalf("unexpected first data row %v", rows[1])
	}
}
