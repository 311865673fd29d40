package analytics

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"tawarin/backend/internal/domain"
	"tawarin/backend/internal/store"
)

// Aggregator reduces a day's sessions into per-sku rollups. It only reads
// session rows, so it is safe to run against live traffic; the upsert keyed
// by (date, sku) is the single write.
type Aggregator struct {
	repo store.Repository
}

func New(repo store.Repository) *Aggregator {
	return &Aggregator{repo: repo}
}

// AggregateDay recomputes every aggregate for the UTC day containing date.
// Re-running over an unchanged session set produces identical rows; the
// upsert overwrites rather than increments.
func (a *Aggregator) AggregateDay(ctx context.Context, date time.Time) ([]domain.DailyAggregate, error) {
	day := date.UTC().Truncate(24 * time.Hour)
	from := day
	to := day.Add(24 * time.Hour)
	dateKey := day.Format("2006-01-02")

	sessions, err := a.repo.ListSessionsCreatedBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}

	bySKU := make(map[string][]domain.NegotiationSession)
	for _, sess := range sessions {
		bySKU[sess.SKU] = append(bySKU[sess.SKU], sess)
	}
	skus := make([]string, 0, len(bySKU))
	for sku := range bySKU {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	aggregates := make([]domain.DailyAggregate, 0, len(skus))
	skipped := 0
	for _, sku := range skus {
		agg := reduce(dateKey, sku, bySKU[sku])
		if err := a.repo.UpsertDailyAggregate(ctx, agg); err != nil {
			log.Printf("[aggregator] WARN: failed to upsert aggregate date=%s sku=%s: %v", dateKey, sku, err)
			skipped++
			continue
		}
		aggregates = append(aggregates, agg)
	}

	log.Printf("[aggregator] date=%s sessions=%d skus=%d skipped=%d", dateKey, len(sessions), len(aggregates), skipped)
	return aggregates, nil
}

func (a *Aggregator) ListRange(ctx context.Context, fromDate string, toDate string, sku string) ([]domain.DailyAggregate, error) {
	return a.repo.ListDailyAggregates(ctx, fromDate, toDate, sku)
}

// RunDaily aggregates the previous UTC day shortly after midnight, every day,
// until the context is cancelled.
func (a *Aggregator) RunDaily(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24*time.Hour + 10*time.Minute)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("[aggregator] stopped")
			return
		case <-timer.C:
			yesterday := time.Now().UTC().Add(-24 * time.Hour)
			if _, err := a.AggregateDay(ctx, yesterday); err != nil {
				log.Printf("[aggregator] WARN: daily run failed: %v", err)
			}
		}
	}
}

func reduce(dateKey string, sku string, sessions []domain.NegotiationSession) domain.DailyAggregate {
	agg := domain.DailyAggregate{
		ID:   fmt.Sprintf("agg-%s-%s", dateKey, sku),
		Date: dateKey,
		SKU:  sku,
	}

	type segmentAcc struct {
		sessions    int64
		accepted    int64
		discountSum float64
	}
	segments := make(map[string]*segmentAcc)
	perkCounts := make(map[string]int64)

	var roundsSum int64
	var discountSum float64
	var marginSum int64
	var timeSum int64

	for _, sess := range sessions {
		agg.TotalSessions++
		agg.FraudFlagCount += int64(len(sess.FraudFlags))

		roundsUsed := sess.CurrentRound
		if sess.Summary != nil && sess.Summary.RoundsUsed > 0 {
			roundsUsed = sess.Summary.RoundsUsed
		}
		roundsSum += int64(roundsUsed)
		switch {
		case roundsUsed <= 1:
			agg.RoundsHistogram.One++
		case roundsUsed == 2:
			agg.RoundsHistogram.Two++
		case roundsUsed == 3:
			agg.RoundsHistogram.Three++
		default:
			agg.RoundsHistogram.FourPlus++
		}

		seg := segments[sess.CustomerSegment]
		if seg == nil {
			seg = &segmentAcc{}
			segments[sess.CustomerSegment] = seg
		}
		seg.sessions++

		switch sess.Status {
		case domain.StatusAccepted:
			agg.AcceptedCount++
			seg.accepted++
			if sess.Summary != nil {
				discountSum += sess.Summary.DiscountPct
				seg.discountSum += sess.Summary.DiscountPct
				marginSum += sess.Summary.MarginImpactCents
				timeSum += sess.Summary.TimeToDecisionSeconds
			}
			for _, perk := range sess.FinalPerks {
				perkCounts[perk]++
			}
		case domain.StatusRejected:
			agg.RejectedCount++
		case domain.StatusExpired:
			agg.ExpiredCount++
		case domain.StatusAbandoned:
			agg.AbandonedCount++
		}
	}

	if agg.TotalSessions > 0 {
		agg.ConversionRate = round4(float64(agg.AcceptedCount) / float64(agg.TotalSessions))
		agg.AvgRounds = round4(float64(roundsSum) / float64(agg.TotalSessions))
	}
	if agg.AcceptedCount > 0 {
		agg.AvgDiscountPct = round4(discountSum / float64(agg.AcceptedCount))
		agg.AvgMarginImpactCents = marginSum / agg.AcceptedCount
		agg.AvgTimeToDecisionSeconds = round4(float64(timeSum) / float64(agg.AcceptedCount))
	}

	segmentNames := make([]string, 0, len(segments))
	for name := range segments {
		segmentNames = append(segmentNames, name)
	}
	sort.Strings(segmentNames)
	for _, name := range segmentNames {
		seg := segments[name]
		breakdown := domain.SegmentBreakdown{
			Segment:  name,
			Sessions: seg.sessions,
			Accepted: seg.accepted,
		}
		if seg.sessions > 0 {
			breakdown.ConversionRate = round4(float64(seg.accepted) / float64(seg.sessions))
		}
		if seg.accepted > 0 {
			breakdown.AvgDiscountPct = round4(seg.discountSum / float64(seg.accepted))
		}
		agg.Segments = append(agg.Segments, breakdown)
	}

	perkNames := make([]string, 0, len(perkCounts))
	for name := range perkCounts {
		perkNames = append(perkNames, name)
	}
	sort.Strings(perkNames)
	for _, name := range perkNames {
		agg.PerkUsage = append(agg.PerkUsage, domain.PerkCount{Perk: name, Count: perkCounts[name]})
	}

	return agg
}

// ExportRows flattens aggregates into tabular rows, one per date and sku,
// with a leading header row.
func ExportRows(aggs []domain.DailyAggregate) [][]string {
	rows := make([][]string, 0, len(aggs)+1)
	rows = append(rows, []string{
		"date", "sku", "total_sessions", "accepted", "rejected", "expired", "abandoned",
		"conversion_rate", "avg_rounds", "avg_discount_pct", "avg_margin_impact_cents",
		"avg_time_to_decision_seconds", "rounds_1", "rounds_2", "rounds_3", "rounds_4_plus",
		"fraud_flags",
	})
	for _, agg := range aggs {
		rows = append(rows, []string{
			agg.Date,
			agg.SKU,
			fmt.Sprintf("%d", agg.TotalSessions),
			fmt.Sprintf("%d", agg.AcceptedCount),
			fmt.Sprintf("%d", agg.RejectedCount),
			fmt.Sprintf("%d", agg.ExpiredCount),
			fmt.Sprintf("%d", agg.AbandonedCount),
			fmt.Sprintf("%.4f", agg.ConversionRate),
			fmt.Sprintf("%.4f", agg.AvgRounds),
			fmt.Sprintf("%.4f", agg.AvgDiscountPct),
			fmt.Sprintf("%d", agg.AvgMarginImpactCents),
			fmt.Sprintf("%.4f", agg.AvgTimeToDecisionSeconds),
			fmt.Sprintf("%d", agg.RoundsHistogram.One),
			fmt.Sprintf("%d", agg.RoundsHistogram.Two),
			fmt.Sprintf("%d", agg.RoundsHistogram.Three),
			fmt.Sprintf("%d", agg.RoundsHistogram.FourPlus),
			fmt.Sprintf("%d", agg.FraudFlagCount),
		})
	}
	return rows
}

func round4(val float64) float64 {
	return math.Round(val*10000) / 10000
}
